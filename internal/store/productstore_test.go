package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/keyforge/keyforge/internal/license"
	"github.com/keyforge/keyforge/internal/models"
	"github.com/shopspring/decimal"
)

func TestProductRoundTrip(t *testing.T) {
	store := NewProductStore(requireDB(t))
	ctx := context.Background()

	product := &models.Product{
		ID:        uuid.New(),
		Name:      "KeyForge Enterprise",
		PriceUSD:  decimal.RequireFromString("199.50"),
		Features:  map[string]any{"seats": float64(50), "sso": true},
		CreatedAt: time.Now(),
	}
	if err := store.Create(ctx, product); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() {
		requireDB(t).Exec(context.Background(), `DELETE FROM products WHERE id = $1`, product.ID)
	})

	found, err := store.FindByID(ctx, product.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if found.Name != product.Name {
		t.Fatalf("Expected name %q, got %q", product.Name, found.Name)
	}
	if !found.PriceUSD.Equal(product.PriceUSD) {
		t.Fatalf("Expected price %s, got %s", product.PriceUSD, found.PriceUSD)
	}
	if found.Features["sso"] != true || found.Features["seats"] != float64(50) {
		t.Fatalf("Features did not survive the jsonb round trip: %v", found.Features)
	}
}

func TestProductNotFound(t *testing.T) {
	store := NewProductStore(requireDB(t))

	if _, err := store.FindByID(context.Background(), uuid.New()); !errors.Is(err, license.ErrProductNotFound) {
		t.Fatalf("Expected ErrProductNotFound, got %v", err)
	}
}
