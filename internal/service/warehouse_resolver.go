package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/warehouse"

	"go.uber.org/zap"
)

// Resolution sources
const (
	ResolvedFromToken   = "token"
	ResolvedFromNearest = "nearest"
	ResolvedFromDefault = "default"
)

// ResolveRequest carries whatever the client sent. Both fields are optional.
type ResolveRequest struct {
	Coordinates *warehouse.Coordinates
	CacheToken  string
}

// Resolution is the selected warehouse plus a fresh cache token for it
type Resolution struct {
	Warehouse *models.Warehouse `json:"warehouse"`
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	Source    string            `json:"source"`
}

// WarehouseResolver picks the warehouse that serves a request
type WarehouseResolver struct {
	warehouses         WarehouseRepository
	codec              *warehouse.TokenCodec
	maxRadiusKm        float64
	defaultWarehouseID int64
	logger             *zap.Logger
}

// NewWarehouseResolver creates a resolver. defaultWarehouseID of 0 selects the
// warehouse flagged as default in the store.
func NewWarehouseResolver(warehouses WarehouseRepository, codec *warehouse.TokenCodec, maxRadiusKm float64, defaultWarehouseID int64) *WarehouseResolver {
	return &WarehouseResolver{
		warehouses:         warehouses,
		codec:              codec,
		maxRadiusKm:        maxRadiusKm,
		defaultWarehouseID: defaultWarehouseID,
		logger:             util.GetLogger(),
	}
}

// Resolve returns the warehouse for req. A valid cache token short-circuits
// the geospatial lookup; an invalid or expired one is ignored.
func (r *WarehouseResolver) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	ctx, span := util.StartSpan(ctx, "WarehouseResolver.Resolve")
	defer span.End()

	w, source, err := r.resolve(ctx, req)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	coords := req.Coordinates
	if coords != nil && !coords.Valid() {
		coords = nil
	}
	token, entry, err := r.codec.Seal(w.ID, coords)
	if err != nil {
		return nil, err
	}

	util.WarehouseResolutionsTotal.WithLabelValues(source).Inc()
	return &Resolution{
		Warehouse: w,
		Token:     token,
		ExpiresAt: entry.ExpiresAt,
		Source:    source,
	}, nil
}

func (r *WarehouseResolver) resolve(ctx context.Context, req ResolveRequest) (*models.Warehouse, string, error) {
	if req.CacheToken != "" {
		entry, err := r.codec.Open(req.CacheToken)
		if err == nil {
			var w *models.Warehouse
			w, err = r.warehouses.GetWarehouseByID(ctx, entry.WarehouseID)
			if err == nil {
				return w, ResolvedFromToken, nil
			}
			if !errors.Is(err, models.ErrNotFound) {
				return nil, "", fmt.Errorf("failed to load cached warehouse: %w", err)
			}
		}
		r.logger.Debug("Ignoring warehouse cache token", zap.Error(err))
	}

	if req.Coordinates != nil && req.Coordinates.Valid() {
		w, err := r.warehouses.FindNearestWarehouse(ctx, req.Coordinates.Latitude, req.Coordinates.Longitude, r.maxRadiusKm)
		if errors.Is(err, models.ErrNotFound) {
			return nil, "", models.ErrServiceUnavailableInArea
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to find nearest warehouse: %w", err)
		}
		return w, ResolvedFromNearest, nil
	}

	var w *models.Warehouse
	var err error
	if r.defaultWarehouseID > 0 {
		w, err = r.warehouses.GetWarehouseByID(ctx, r.defaultWarehouseID)
	} else {
		w, err = r.warehouses.GetDefaultWarehouse(ctx)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load default warehouse: %w", err)
	}
	return w, ResolvedFromDefault, nil
}
