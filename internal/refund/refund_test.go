package refund

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ksred/groupbuy-api/internal/account"
	"github.com/ksred/groupbuy-api/internal/delay"
	"github.com/ksred/groupbuy-api/internal/events"
	"github.com/ksred/groupbuy-api/internal/gateway"
	"github.com/ksred/groupbuy-api/internal/lock"
	"github.com/ksred/groupbuy-api/internal/order"
	"github.com/ksred/groupbuy-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	gormDB    *gorm.DB
	service   *Service
	orders    *order.Database
	accounts  *account.Database
	db        *Database
	transport *delay.MemoryTransport
	inventory *gateway.MemoryInventory
	payGW     gateway.PaymentGateway
}

func newTestEnv(t *testing.T, payGW gateway.PaymentGateway) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := gormDB.AutoMigrate(&types.Order{}, &types.TradeOrder{}, &types.Account{}, &types.RefundDeadLetter{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	transport := delay.NewMemoryTransport()
	inventory := gateway.NewMemoryInventory()
	service := NewService(gormDB, events.NewBus(), lock.NewMemoryLocker(), transport, payGW, inventory)

	return &testEnv{
		gormDB:    gormDB,
		service:   service,
		orders:    order.NewDatabase(gormDB),
		accounts:  account.NewDatabase(gormDB),
		db:        NewDatabase(gormDB),
		transport: transport,
		inventory: inventory,
		payGW:     payGW,
	}
}

func (env *testEnv) seedOrder(t *testing.T, orderID string, targetCount, lockCount int) {
	t.Helper()
	ord, err := types.NewOrder(orderID, "TEAM-"+orderID, "ACT1", "G1", "U1", types.GroupTypeReal,
		targetCount, decimal.NewFromInt(100), decimal.NewFromInt(20), decimal.NewFromInt(80),
		time.Now().Add(time.Hour), "app", "wallet")
	if err != nil {
		t.Fatalf("NewOrder failed: %v", err)
	}
	ord.LockCount = lockCount
	if err := env.orders.CreateOrder(ord); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
}

func (env *testEnv) seedTradeOrder(t *testing.T, tradeOrderID, orderID, userID, status string) *types.TradeOrder {
	t.Helper()
	tradeOrder, err := types.NewTradeOrder(tradeOrderID, "OUT-"+tradeOrderID, orderID, "TEAM-"+orderID,
		"ACT1", userID, "G1", "goods one",
		decimal.NewFromInt(100), decimal.NewFromInt(20), decimal.NewFromInt(80), "app", "wallet")
	if err != nil {
		t.Fatalf("NewTradeOrder failed: %v", err)
	}
	tradeOrder.Status = status
	if status != types.TradeStatusCreate {
		now := time.Now()
		tradeOrder.PayTime = &now
	}
	if err := env.gormDB.Create(tradeOrder).Error; err != nil {
		t.Fatalf("failed to create trade order: %v", err)
	}
	return tradeOrder
}

func TestUnpaidRefundReleasesSlotAndQuota(t *testing.T) {
	env := newTestEnv(t, gateway.NewReliablePaymentGateway())
	env.seedOrder(t, "O1", 3, 2)
	env.seedTradeOrder(t, "T1", "O1", "U2", types.TradeStatusCreate)
	if _, err := env.accounts.EnsureAccount("U2", "ACT1", 1); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if ok, err := env.accounts.TryDeduct("U2", "ACT1"); err != nil || !ok {
		t.Fatalf("TryDeduct failed: ok=%v err=%v", ok, err)
	}

	if err := env.service.RefundTradeOrder(context.Background(), "T1", "user abandoned"); err != nil {
		t.Fatalf("RefundTradeOrder failed: %v", err)
	}

	tradeOrder, err := env.db.GetTradeOrder("T1")
	if err != nil {
		t.Fatalf("GetTradeOrder failed: %v", err)
	}
	if tradeOrder.Status != types.TradeStatusTimeout {
		t.Errorf("expected TIMEOUT, got %s", tradeOrder.Status)
	}

	ord, err := env.orders.GetOrder("O1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if ord.LockCount != 1 {
		t.Errorf("expected slot released, lockCount=%d", ord.LockCount)
	}

	acct, err := env.accounts.GetAccount("U2", "ACT1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.TakeLimitCountUsed != 0 {
		t.Errorf("expected quota compensated, used=%d", acct.TakeLimitCountUsed)
	}

	// No money moved, so the gateway saw nothing.
	if env.transport.Pending() != 0 {
		t.Errorf("expected no retry scheduled, got %d", env.transport.Pending())
	}
}

func TestPaidRefundKeepsStateOnGatewayFailure(t *testing.T) {
	env := newTestEnv(t, gateway.FailingPaymentGateway{})
	env.seedOrder(t, "O1", 3, 2)
	env.seedTradeOrder(t, "T1", "O1", "U2", types.TradeStatusPaid)
	env.gormDB.Model(&types.Order{}).Where("order_id = ?", "O1").Update("complete_count", 1)

	if err := env.service.RefundTradeOrder(context.Background(), "T1", "user requested refund"); err != nil {
		t.Fatalf("RefundTradeOrder failed: %v", err)
	}

	// The local transition lands even though the gateway call failed.
	tradeOrder, err := env.db.GetTradeOrder("T1")
	if err != nil {
		t.Fatalf("GetTradeOrder failed: %v", err)
	}
	if tradeOrder.Status != types.TradeStatusRefund {
		t.Errorf("expected REFUND, got %s", tradeOrder.Status)
	}
	if tradeOrder.RefundReason != "user requested refund" {
		t.Errorf("unexpected refund reason: %s", tradeOrder.RefundReason)
	}

	if env.transport.Pending() != 1 {
		t.Fatalf("expected one retry scheduled, got %d", env.transport.Pending())
	}
}

func TestRetryGatewayRefundDeadLettersAfterCap(t *testing.T) {
	env := newTestEnv(t, gateway.FailingPaymentGateway{})
	env.seedOrder(t, "O1", 3, 2)
	env.seedTradeOrder(t, "T1", "O1", "U2", types.TradeStatusRefund)
	ctx := context.Background()

	// Below the cap the task is rescheduled.
	err := env.service.RetryGatewayRefund(ctx, delay.RefundRetry{
		TradeOrderID: "T1", Reason: "user requested refund", Attempts: 2,
	})
	if err != nil {
		t.Fatalf("RetryGatewayRefund failed: %v", err)
	}
	if env.transport.Pending() != 1 {
		t.Fatalf("expected a rescheduled retry, got %d pending", env.transport.Pending())
	}

	// At the cap it is parked instead.
	err = env.service.RetryGatewayRefund(ctx, delay.RefundRetry{
		TradeOrderID: "T1", Reason: "user requested refund", Attempts: MaxRefundAttempts,
	})
	if err != nil {
		t.Fatalf("RetryGatewayRefund failed: %v", err)
	}

	deadLetters, err := env.service.ListDeadLetters()
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(deadLetters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(deadLetters))
	}
	if deadLetters[0].TradeOrderID != "T1" || deadLetters[0].Attempts != MaxRefundAttempts {
		t.Errorf("unexpected dead letter: %+v", deadLetters[0])
	}
	if deadLetters[0].LastError == "" {
		t.Error("expected the gateway error to be recorded")
	}
}

func TestRetryDroppedWhenNoLongerRefunding(t *testing.T) {
	env := newTestEnv(t, gateway.FailingPaymentGateway{})
	env.seedOrder(t, "O1", 3, 2)
	env.seedTradeOrder(t, "T1", "O1", "U2", types.TradeStatusSettled)

	err := env.service.RetryGatewayRefund(context.Background(), delay.RefundRetry{
		TradeOrderID: "T1", Reason: "stale task", Attempts: 1,
	})
	if err != nil {
		t.Fatalf("RetryGatewayRefund failed: %v", err)
	}
	if env.transport.Pending() != 0 {
		t.Errorf("expected stale retry dropped, got %d pending", env.transport.Pending())
	}
}

func TestRefundIsNoOpOnTerminalTradeOrder(t *testing.T) {
	env := newTestEnv(t, gateway.NewReliablePaymentGateway())
	env.seedOrder(t, "O1", 3, 2)
	env.seedTradeOrder(t, "T1", "O1", "U2", types.TradeStatusSettled)

	if err := env.service.RefundTradeOrder(context.Background(), "T1", "late request"); err != nil {
		t.Fatalf("expected terminal refund to be a no-op, got: %v", err)
	}

	tradeOrder, err := env.db.GetTradeOrder("T1")
	if err != nil {
		t.Fatalf("GetTradeOrder failed: %v", err)
	}
	if tradeOrder.Status != types.TradeStatusSettled {
		t.Errorf("expected SETTLED untouched, got %s", tradeOrder.Status)
	}
}

func TestTimeoutCheckDropsPaidTradeOrder(t *testing.T) {
	env := newTestEnv(t, gateway.NewReliablePaymentGateway())
	env.seedOrder(t, "O1", 3, 2)
	env.seedTradeOrder(t, "T1", "O1", "U2", types.TradeStatusPaid)

	if err := env.service.TimeoutUnpaidTradeOrder(context.Background(), "T1"); err != nil {
		t.Fatalf("TimeoutUnpaidTradeOrder failed: %v", err)
	}

	// A paid participant must never be timed out by the deferred check.
	tradeOrder, err := env.db.GetTradeOrder("T1")
	if err != nil {
		t.Fatalf("GetTradeOrder failed: %v", err)
	}
	if tradeOrder.Status != types.TradeStatusPaid {
		t.Errorf("expected PAID untouched, got %s", tradeOrder.Status)
	}
}

func TestRequestRefundWindow(t *testing.T) {
	t.Run("fresh unpaid order refunds", func(t *testing.T) {
		env := newTestEnv(t, gateway.NewReliablePaymentGateway())
		env.seedOrder(t, "O1", 3, 2)
		env.seedTradeOrder(t, "T1", "O1", "U2", types.TradeStatusCreate)

		if err := env.service.RequestRefund(context.Background(), "T1", "changed my mind"); err != nil {
			t.Fatalf("RequestRefund failed: %v", err)
		}
		tradeOrder, err := env.db.GetTradeOrder("T1")
		if err != nil {
			t.Fatalf("GetTradeOrder failed: %v", err)
		}
		if tradeOrder.Status != types.TradeStatusTimeout {
			t.Errorf("expected TIMEOUT, got %s", tradeOrder.Status)
		}
	})

	t.Run("stale unpaid order refused", func(t *testing.T) {
		env := newTestEnv(t, gateway.NewReliablePaymentGateway())
		env.seedOrder(t, "O1", 3, 2)
		env.seedTradeOrder(t, "T1", "O1", "U2", types.TradeStatusCreate)
		stale := time.Now().Add(-UnpaidRefundWindow - time.Minute)
		if err := env.gormDB.Model(&types.TradeOrder{}).Where("trade_order_id = ?", "T1").
			Update("created_at", stale).Error; err != nil {
			t.Fatalf("backdate failed: %v", err)
		}

		err := env.service.RequestRefund(context.Background(), "T1", "too late")
		rej, ok := types.AsRejection(err)
		if !ok || rej.Code != types.RejectRefundWindowClosed {
			t.Fatalf("expected refund window rejection, got: %v", err)
		}
		tradeOrder, err := env.db.GetTradeOrder("T1")
		if err != nil {
			t.Fatalf("GetTradeOrder failed: %v", err)
		}
		if tradeOrder.Status != types.TradeStatusCreate {
			t.Errorf("expected CREATE untouched, got %s", tradeOrder.Status)
		}
	})

	t.Run("paid order past team deadline refused", func(t *testing.T) {
		env := newTestEnv(t, gateway.NewReliablePaymentGateway())
		env.seedOrder(t, "O1", 3, 2)
		if err := env.gormDB.Model(&types.Order{}).Where("order_id = ?", "O1").
			Update("deadline_time", time.Now().Add(-time.Minute)).Error; err != nil {
			t.Fatalf("expire failed: %v", err)
		}
		env.seedTradeOrder(t, "T1", "O1", "U2", types.TradeStatusPaid)

		err := env.service.RequestRefund(context.Background(), "T1", "too late")
		rej, ok := types.AsRejection(err)
		if !ok || rej.Code != types.RejectRefundWindowClosed {
			t.Fatalf("expected refund window rejection, got: %v", err)
		}
	})

	t.Run("settled and timed out refused, refund replay passes", func(t *testing.T) {
		env := newTestEnv(t, gateway.NewReliablePaymentGateway())
		env.seedOrder(t, "O1", 3, 2)
		env.seedTradeOrder(t, "T1", "O1", "U2", types.TradeStatusSettled)
		env.seedTradeOrder(t, "T2", "O1", "U3", types.TradeStatusTimeout)
		env.seedTradeOrder(t, "T3", "O1", "U4", types.TradeStatusRefund)
		ctx := context.Background()

		for _, id := range []string{"T1", "T2"} {
			err := env.service.RequestRefund(ctx, id, "late request")
			rej, ok := types.AsRejection(err)
			if !ok || rej.Code != types.RejectRefundWindowClosed {
				t.Fatalf("expected refund window rejection for %s, got: %v", id, err)
			}
		}
		if err := env.service.RequestRefund(ctx, "T3", "replay"); err != nil {
			t.Fatalf("expected refunded order replay to pass, got: %v", err)
		}
	})
}

func TestTeamRefundMarksOrderFailed(t *testing.T) {
	payGW := gateway.NewReliablePaymentGateway()
	env := newTestEnv(t, payGW)
	env.seedOrder(t, "O1", 5, 3)
	env.gormDB.Model(&types.Order{}).Where("order_id = ?", "O1").Update("complete_count", 2)
	env.seedTradeOrder(t, "T1", "O1", "U1", types.TradeStatusPaid)
	env.seedTradeOrder(t, "T2", "O1", "U2", types.TradeStatusPaid)
	env.seedTradeOrder(t, "T3", "O1", "U3", types.TradeStatusCreate)

	if err := env.service.RefundFailedOrder(context.Background(), "O1", "deadline passed"); err != nil {
		t.Fatalf("RefundFailedOrder failed: %v", err)
	}

	ord, err := env.orders.GetOrder("O1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if ord.Status != types.OrderStatusFailed {
		t.Errorf("expected FAILED, got %s", ord.Status)
	}

	for id, want := range map[string]string{
		"T1": types.TradeStatusRefund,
		"T2": types.TradeStatusRefund,
		"T3": types.TradeStatusTimeout,
	} {
		tradeOrder, err := env.db.GetTradeOrder(id)
		if err != nil {
			t.Fatalf("GetTradeOrder failed: %v", err)
		}
		if tradeOrder.Status != want {
			t.Errorf("expected %s %s, got %s", id, want, tradeOrder.Status)
		}
	}

	if payGW.RefundCount() != 2 {
		t.Errorf("expected 2 gateway refunds, got %d", payGW.RefundCount())
	}
}

func TestTeamRefundRejectsSuccessfulOrder(t *testing.T) {
	env := newTestEnv(t, gateway.NewReliablePaymentGateway())
	env.seedOrder(t, "O1", 2, 2)
	env.gormDB.Model(&types.Order{}).Where("order_id = ?", "O1").
		Updates(map[string]interface{}{"status": types.OrderStatusSuccess, "complete_count": 2})

	err := env.service.RefundFailedOrder(context.Background(), "O1", "mistake")
	rejection, ok := types.AsRejection(err)
	if !ok || rejection.Code != types.RejectInvalidTransition {
		t.Fatalf("expected rejection for successful team, got: %v", err)
	}
}
