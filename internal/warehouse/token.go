package warehouse

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience scopes resolution cache tokens so they can never be mistaken for
// another token signed elsewhere.
const Audience = "warehouse-resolution-cache"

const issuer = "fulfillment-service"

// ErrInvalidToken is returned for any token that fails verification
var ErrInvalidToken = errors.New("invalid warehouse token")

// Coordinates is a client geolocation in degrees
type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// Valid reports whether c is a finite point on the globe.
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// CacheEntry is the resolved warehouse a client may present back to skip
// resolution. It is not a credential.
type CacheEntry struct {
	WarehouseID int64
	Coordinates *Coordinates
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

type cacheClaims struct {
	WarehouseID int64        `json:"wid"`
	Coordinates *Coordinates `json:"coords,omitempty"`
	jwt.RegisteredClaims
}

// TokenCodec seals and opens CacheEntry tokens with HMAC-SHA256
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenCodec creates a codec. secret must not be empty.
func NewTokenCodec(secret string, ttl time.Duration) (*TokenCodec, error) {
	if secret == "" {
		return nil, fmt.Errorf("warehouse token secret is empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("warehouse token ttl must be positive")
	}
	return &TokenCodec{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL returns how long sealed tokens stay valid.
func (c *TokenCodec) TTL() time.Duration {
	return c.ttl
}

// Seal signs a new cache entry for warehouseID.
func (c *TokenCodec) Seal(warehouseID int64, coords *Coordinates) (string, *CacheEntry, error) {
	issuedAt := c.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(c.ttl)

	claims := cacheClaims{
		WarehouseID: warehouseID,
		Coordinates: coords,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign warehouse token: %w", err)
	}

	return signed, &CacheEntry{
		WarehouseID: warehouseID,
		Coordinates: coords,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
	}, nil
}

// Open verifies signature, audience and expiry. Every failure maps to
// ErrInvalidToken.
func (c *TokenCodec) Open(tokenString string) (*CacheEntry, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &cacheClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.WarehouseID <= 0 {
		return nil, fmt.Errorf("%w: missing warehouse id", ErrInvalidToken)
	}

	entry := &CacheEntry{
		WarehouseID: claims.WarehouseID,
		Coordinates: claims.Coordinates,
		ExpiresAt:   claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		entry.IssuedAt = claims.IssuedAt.Time
	}
	return entry, nil
}
