package order

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestUnitPrice(t *testing.T) {
	policy := DefaultPricingPolicy()

	tests := []struct {
		name      string
		catalogue string
		vendor    bool
		want      string
	}{
		{name: "retail", catalogue: "180.00", vendor: false, want: "144.00"},
		{name: "vendor", catalogue: "180.00", vendor: true, want: "90.00"},
		{name: "retail rounds half up", catalogue: "0.99", vendor: false, want: "0.79"},
		{name: "vendor odd cents", catalogue: "10.01", vendor: true, want: "5.01"},
		{name: "zero price", catalogue: "0", vendor: false, want: "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.UnitPrice(decimal.RequireFromString(tt.catalogue), tt.vendor)
			assert.Equal(t, tt.want, got.StringFixed(2))
		})
	}
}

func TestOrderValue(t *testing.T) {
	o := &Order{Commodities: []Commodity{
		{Price: decimal.RequireFromString("144.00"), Quantity: 10},
		{Price: decimal.RequireFromString("0.79"), Quantity: 3},
	}}

	assert.True(t, decimal.RequireFromString("1442.37").Equal(o.Value()))
}
