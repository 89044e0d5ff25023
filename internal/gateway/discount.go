package gateway

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Discount config types.
const (
	DiscountPercentage = "PERCENTAGE"  // value is a percentage off, 0-100
	DiscountFixedOff   = "FIXED_PRICE" // value is a fixed amount off
	DiscountDirect     = "DIRECT"      // value is the final price
)

// StandardDiscountCalculator applies the activity's discount configuration
// to the original price. Pricing must never block a join, so any malformed
// configuration logs a warning and falls back to the original price.
type StandardDiscountCalculator struct{}

func (StandardDiscountCalculator) Calculate(userID string, originalPrice decimal.Decimal, cfg DiscountConfig) decimal.Decimal {
	if cfg.Type == "" {
		return originalPrice
	}

	value, err := decimal.NewFromString(cfg.Value)
	if err != nil {
		log.Warn().
			Str("user_id", userID).
			Str("discount_type", cfg.Type).
			Str("discount_value", cfg.Value).
			Msg("malformed discount value, charging original price")
		return originalPrice
	}

	var price decimal.Decimal
	switch cfg.Type {
	case DiscountPercentage:
		if value.IsNegative() || value.GreaterThan(decimal.NewFromInt(100)) {
			log.Warn().
				Str("user_id", userID).
				Str("discount_value", cfg.Value).
				Msg("percentage discount out of range, charging original price")
			return originalPrice
		}
		factor := decimal.NewFromInt(100).Sub(value).Div(decimal.NewFromInt(100))
		price = originalPrice.Mul(factor)
	case DiscountFixedOff:
		price = originalPrice.Sub(value)
	case DiscountDirect:
		price = value
	default:
		log.Warn().
			Str("user_id", userID).
			Str("discount_type", cfg.Type).
			Msg("unknown discount type, charging original price")
		return originalPrice
	}

	// A discount can never push the price below zero or above the original.
	if price.IsNegative() {
		price = decimal.Zero
	}
	if price.GreaterThan(originalPrice) {
		price = originalPrice
	}
	return price.Round(2)
}
