package gateway

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestStandardDiscountCalculator(t *testing.T) {
	calc := StandardDiscountCalculator{}
	original := decimal.NewFromInt(100)

	tests := []struct {
		name string
		cfg  DiscountConfig
		want string
	}{
		{"no discount", DiscountConfig{}, "100"},
		{"percentage off", DiscountConfig{Type: DiscountPercentage, Value: "25"}, "75"},
		{"fixed amount off", DiscountConfig{Type: DiscountFixedOff, Value: "30"}, "70"},
		{"direct price", DiscountConfig{Type: DiscountDirect, Value: "9.9"}, "9.9"},
		{"fixed off exceeding price clamps to zero", DiscountConfig{Type: DiscountFixedOff, Value: "150"}, "0"},
		{"direct above original clamps to original", DiscountConfig{Type: DiscountDirect, Value: "120"}, "100"},
		{"percentage out of range charges original", DiscountConfig{Type: DiscountPercentage, Value: "130"}, "100"},
		{"malformed value charges original", DiscountConfig{Type: DiscountFixedOff, Value: "abc"}, "100"},
		{"unknown type charges original", DiscountConfig{Type: "MYSTERY", Value: "10"}, "100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.Calculate("U1", original, tt.cfg)
			if got.String() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMockGatewayRefundIdempotency(t *testing.T) {
	gw := NewReliablePaymentGateway()
	amount := decimal.NewFromInt(80)

	ctx := context.Background()
	first, err := gw.Refund(ctx, "OUT-1", amount, "user requested refund", "T1")
	if err != nil || !first.Success {
		t.Fatalf("refund failed: result=%+v err=%v", first, err)
	}
	replay, err := gw.Refund(ctx, "OUT-1", amount, "user requested refund", "T1")
	if err != nil || !replay.Success {
		t.Fatalf("replayed refund failed: result=%+v err=%v", replay, err)
	}
	if gw.RefundCount() != 1 {
		t.Errorf("expected one distinct refund, got %d", gw.RefundCount())
	}
}
