package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product represents a sellable product that license keys belong to
type Product struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	PriceUSD  decimal.Decimal `json:"price_usd" db:"price_usd"`
	Features  map[string]any  `json:"features" db:"features"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
