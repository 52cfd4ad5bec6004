package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUserByID retrieves a user
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, "SELECT id, name, email FROM users WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetAddressByID retrieves a saved address
func (s *Store) GetAddressByID(ctx context.Context, id int64) (*models.Address, error) {
	var addr models.Address
	err := s.db.GetContext(ctx, &addr,
		"SELECT id, user_id, street_address, city, state, zip_code FROM addresses WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("address %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

// GetCartLines returns the user's cart joined with current catalog prices
func (s *Store) GetCartLines(ctx context.Context, userID int64) ([]models.CartLine, error) {
	var lines []models.CartLine
	err := s.db.SelectContext(ctx, &lines, `
		SELECT c.product_id, p.name AS product_name, c.quantity, p.price
		FROM cart_items c
		JOIN products p ON p.id = c.product_id
		WHERE c.user_id = $1
		ORDER BY c.product_id`, userID)
	return lines, err
}

// GetWarehouseByID retrieves a warehouse
func (s *Store) GetWarehouseByID(ctx context.Context, id int64) (*models.Warehouse, error) {
	var w models.Warehouse
	err := s.db.GetContext(ctx, &w,
		"SELECT id, name, latitude, longitude, is_default FROM warehouses WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("warehouse %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetDefaultWarehouse retrieves the warehouse flagged as default
func (s *Store) GetDefaultWarehouse(ctx context.Context) (*models.Warehouse, error) {
	var w models.Warehouse
	err := s.db.GetContext(ctx, &w,
		"SELECT id, name, latitude, longitude, is_default FROM warehouses WHERE is_default ORDER BY id LIMIT 1")
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("default warehouse: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// FindNearestWarehouse returns the closest warehouse within maxKm of the point
// using the haversine distance.
func (s *Store) FindNearestWarehouse(ctx context.Context, lat, lng, maxKm float64) (*models.Warehouse, error) {
	var w models.Warehouse
	err := s.db.GetContext(ctx, &w, `
		SELECT id, name, latitude, longitude, is_default FROM (
			SELECT id, name, latitude, longitude, is_default,
				2 * 6371 * ASIN(SQRT(
					POWER(SIN(RADIANS(latitude - $1) / 2), 2) +
					COS(RADIANS($1)) * COS(RADIANS(latitude)) * POWER(SIN(RADIANS(longitude - $2) / 2), 2)
				)) AS distance_km
			FROM warehouses
		) w
		WHERE distance_km <= $3
		ORDER BY distance_km, id
		LIMIT 1`, lat, lng, maxKm)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no warehouse within %.0f km: %w", maxKm, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}
