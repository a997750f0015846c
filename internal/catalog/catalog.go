// Package catalog offers read-only lookups over clients, services and vendors.
// Catalog maintenance lives outside this service; quotations only use these
// lookups to validate the references carried by their items.
package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyageos/voyageos/internal/shared"
)

// Service is a bookable catalog entry.
type Service struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	CityID   *int64 `json:"city_id,omitempty"`
}

// Repository reads catalog records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a catalog repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ClientExists reports whether the client is present.
func (r *Repository) ClientExists(ctx context.Context, id int64) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM clients WHERE id = $1)`, id)
}

// VendorExists reports whether the vendor is present.
func (r *Repository) VendorExists(ctx context.Context, id int64) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM vendors WHERE id = $1)`, id)
}

// GetService loads a service or returns a NotFound error.
func (r *Repository) GetService(ctx context.Context, id int64) (Service, error) {
	var s Service
	err := r.pool.QueryRow(ctx, `SELECT id, name, COALESCE(category, ''), city_id FROM services WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Category, &s.CityID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Service{}, shared.NotFound("service", id)
		}
		return Service{}, err
	}
	return s, nil
}

func (r *Repository) exists(ctx context.Context, query string, id int64) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, query, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
