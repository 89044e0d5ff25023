package settlement

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

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
	db        *Database
	inventory *gateway.MemoryInventory
	bus       *events.Bus
}

func newTestEnv(t *testing.T, blacklisted []string) *testEnv {
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

	if err := gormDB.AutoMigrate(&types.Order{}, &types.TradeOrder{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	bus := events.NewBus()
	inventory := gateway.NewMemoryInventory()
	service := NewService(gormDB, bus, lock.NewMemoryLocker(), inventory, blacklisted)

	return &testEnv{
		gormDB:    gormDB,
		service:   service,
		orders:    order.NewDatabase(gormDB),
		db:        NewDatabase(gormDB),
		inventory: inventory,
		bus:       bus,
	}
}

// seedTeam creates a pending order with lockCount fully reserved and one
// CREATE trade order per participant.
func (env *testEnv) seedTeam(t *testing.T, orderID string, targetCount, lockCount int) []string {
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

	var tradeOrderIDs []string
	for i := 0; i < lockCount; i++ {
		id := fmt.Sprintf("%s-T%d", orderID, i+1)
		tradeOrder, err := types.NewTradeOrder(id, "OUT-"+id, orderID, ord.TeamID, "ACT1",
			fmt.Sprintf("U%d", i+1), "G1", "goods one",
			decimal.NewFromInt(100), decimal.NewFromInt(20), decimal.NewFromInt(80),
			"app", "wallet")
		if err != nil {
			t.Fatalf("NewTradeOrder failed: %v", err)
		}
		if err := env.gormDB.Create(tradeOrder).Error; err != nil {
			t.Fatalf("failed to create trade order: %v", err)
		}
		tradeOrderIDs = append(tradeOrderIDs, id)
	}
	return tradeOrderIDs
}

func TestHandlePaymentSuccessIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ids := env.seedTeam(t, "O1", 3, 2)
	ctx := context.Background()

	if err := env.service.HandlePaymentSuccess(ctx, ids[0]); err != nil {
		t.Fatalf("first payment failed: %v", err)
	}
	// Replayed callback for the same trade order is acknowledged silently.
	if err := env.service.HandlePaymentSuccess(ctx, ids[0]); err != nil {
		t.Fatalf("replayed payment should be a no-op, got: %v", err)
	}

	ord, err := env.orders.GetOrder("O1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if ord.CompleteCount != 1 {
		t.Errorf("expected completeCount=1 after replay, got %d", ord.CompleteCount)
	}

	tradeOrder, err := env.db.GetTradeOrder(ids[0])
	if err != nil {
		t.Fatalf("GetTradeOrder failed: %v", err)
	}
	if tradeOrder.Status != types.TradeStatusPaid {
		t.Errorf("expected PAID, got %s", tradeOrder.Status)
	}
	if tradeOrder.PayTime == nil {
		t.Error("expected pay time to be set")
	}
}

func TestFinalPaymentCompletesTeam(t *testing.T) {
	env := newTestEnv(t, nil)
	ids := env.seedTeam(t, "O1", 3, 3)
	ctx := context.Background()

	for _, id := range ids {
		if err := env.service.HandlePaymentSuccess(ctx, id); err != nil {
			t.Fatalf("payment for %s failed: %v", id, err)
		}
	}

	ord, err := env.orders.GetOrder("O1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if ord.Status != types.OrderStatusSuccess {
		t.Errorf("expected SUCCESS after final payment, got %s", ord.Status)
	}
	if ord.CompleteCount != 3 {
		t.Errorf("expected completeCount=3, got %d", ord.CompleteCount)
	}
}

func TestSettleCompletedOrderIsReRunnable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inventory.SetStock("G1", 10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := env.inventory.Freeze(ctx, "G1", 1); err != nil {
			t.Fatalf("Freeze failed: %v", err)
		}
	}

	ids := env.seedTeam(t, "O1", 3, 3)
	for _, id := range ids {
		if err := env.service.HandlePaymentSuccess(ctx, id); err != nil {
			t.Fatalf("payment for %s failed: %v", id, err)
		}
	}

	if err := env.service.SettleCompletedOrder(ctx, "O1"); err != nil {
		t.Fatalf("settlement failed: %v", err)
	}
	for _, id := range ids {
		tradeOrder, err := env.db.GetTradeOrder(id)
		if err != nil {
			t.Fatalf("GetTradeOrder failed: %v", err)
		}
		if tradeOrder.Status != types.TradeStatusSettled {
			t.Errorf("expected %s SETTLED, got %s", id, tradeOrder.Status)
		}
		if tradeOrder.SettlementTime == nil {
			t.Errorf("expected settlement time for %s", id)
		}
	}

	_, frozen := env.inventory.Stock("G1")
	if frozen != 0 {
		t.Errorf("expected frozen stock fully deducted, got %d", frozen)
	}

	// Second pass finds nothing PAID and changes nothing.
	if err := env.service.SettleCompletedOrder(ctx, "O1"); err != nil {
		t.Fatalf("re-run settlement failed: %v", err)
	}
}

func TestSettleSkipsPendingOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTeam(t, "O1", 3, 2)

	if err := env.service.SettleCompletedOrder(context.Background(), "O1"); err != nil {
		t.Fatalf("expected pending order settlement to be a no-op, got: %v", err)
	}
}

func TestSubscriberSettlesWhenTeamFills(t *testing.T) {
	env := newTestEnv(t, nil)
	env.service.RegisterSubscribers(env.bus)
	ids := env.seedTeam(t, "O1", 2, 2)
	ctx := context.Background()

	for _, id := range ids {
		if err := env.service.HandlePaymentSuccess(ctx, id); err != nil {
			t.Fatalf("payment for %s failed: %v", id, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		tradeOrder, err := env.db.GetTradeOrder(ids[1])
		if err != nil {
			t.Fatalf("GetTradeOrder failed: %v", err)
		}
		if tradeOrder.Status == types.TradeStatusSettled {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("settlement never triggered, last status %s", tradeOrder.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCallbackAmountMustMatchSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	ids := env.seedTeam(t, "O1", 3, 1)
	ctx := context.Background()

	err := env.service.HandlePaymentSuccessByOutTradeNo(ctx, "OUT-"+ids[0], decimal.NewFromInt(70))
	rejection, ok := types.AsRejection(err)
	if !ok || rejection.Code != types.RejectAmountMismatch {
		t.Fatalf("expected amount mismatch rejection, got: %v", err)
	}

	if err := env.service.HandlePaymentSuccessByOutTradeNo(ctx, "OUT-"+ids[0], decimal.NewFromInt(80)); err != nil {
		t.Fatalf("matching amount should succeed, got: %v", err)
	}
}

func TestBlacklistedChannelRejected(t *testing.T) {
	env := newTestEnv(t, []string{"app:wallet"})
	ids := env.seedTeam(t, "O1", 3, 1)

	err := env.service.HandlePaymentSuccess(context.Background(), ids[0])
	rejection, ok := types.AsRejection(err)
	if !ok || rejection.Code != types.RejectChannelBlocked {
		t.Fatalf("expected channel blocked rejection, got: %v", err)
	}

	tradeOrder, err := env.db.GetTradeOrder(ids[0])
	if err != nil {
		t.Fatalf("GetTradeOrder failed: %v", err)
	}
	if tradeOrder.Status != types.TradeStatusCreate {
		t.Errorf("expected trade order untouched, got %s", tradeOrder.Status)
	}
}
