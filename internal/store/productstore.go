package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyforge/keyforge/internal/license"
	"github.com/keyforge/keyforge/internal/models"
)

// ProductStore is the Postgres implementation of license.ProductStore
type ProductStore struct {
	db *pgxpool.Pool
}

// NewProductStore creates a Postgres-backed product store
func NewProductStore(db *pgxpool.Pool) *ProductStore {
	return &ProductStore{db: db}
}

// FindByID returns the product with the given id
func (s *ProductStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	defer observe("product_find", time.Now())

	var product models.Product
	err := s.db.QueryRow(ctx, `
		SELECT id, name, price_usd, features, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&product.ID, &product.Name, &product.PriceUSD, &product.Features, &product.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, license.ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to find product: %w", err)
	}
	return &product, nil
}

// Create persists a product
func (s *ProductStore) Create(ctx context.Context, product *models.Product) error {
	defer observe("product_create", time.Now())

	_, err := s.db.Exec(ctx, `
		INSERT INTO products (id, name, price_usd, features, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, product.ID, product.Name, product.PriceUSD, product.Features, product.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}
