package order

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ksred/groupbuy-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Shared in-memory database, one connection so concurrent writers
	// serialize instead of tripping sqlite's table lock.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&types.Order{}, &types.TradeOrder{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedOrder(t *testing.T, db *Database, targetCount, lockCount int) *types.Order {
	t.Helper()
	order, err := types.NewOrder("O1", "TEAM1", "ACT1", "G1", "U1", types.GroupTypeReal,
		targetCount, decimal.NewFromInt(100), decimal.NewFromInt(20), decimal.NewFromInt(80),
		time.Now().Add(time.Hour), "app", "wallet")
	if err != nil {
		t.Fatalf("NewOrder failed: %v", err)
	}
	order.LockCount = lockCount
	if err := db.CreateOrder(order); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	return order
}

func TestTryReserveSlotNoOversubscription(t *testing.T) {
	db := NewDatabase(newTestDB(t))
	seedOrder(t, db, 5, 1) // leader holds slot one, four remain

	const joiners = 20
	var wg sync.WaitGroup
	results := make(chan bool, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.TryReserveSlot("O1")
			if err != nil {
				t.Errorf("TryReserveSlot error: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	reserved := 0
	for ok := range results {
		if ok {
			reserved++
		}
	}
	if reserved != 4 {
		t.Errorf("expected exactly 4 reservations, got %d", reserved)
	}

	order, err := db.GetOrder("O1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if order.LockCount != 5 {
		t.Errorf("expected lockCount=5, got %d", order.LockCount)
	}
}

func TestTryReserveSlotGuards(t *testing.T) {
	t.Run("expired deadline", func(t *testing.T) {
		db := NewDatabase(newTestDB(t))
		order := seedOrder(t, db, 3, 1)
		order.DeadlineTime = time.Now().Add(-time.Minute)
		if err := db.db.Save(order).Error; err != nil {
			t.Fatalf("save failed: %v", err)
		}

		ok, err := db.TryReserveSlot("O1")
		if err != nil {
			t.Fatalf("TryReserveSlot error: %v", err)
		}
		if ok {
			t.Error("expected reservation past deadline to fail")
		}
	})

	t.Run("non pending status", func(t *testing.T) {
		db := NewDatabase(newTestDB(t))
		order := seedOrder(t, db, 3, 1)
		order.Status = types.OrderStatusFailed
		if err := db.db.Save(order).Error; err != nil {
			t.Fatalf("save failed: %v", err)
		}

		ok, err := db.TryReserveSlot("O1")
		if err != nil {
			t.Fatalf("TryReserveSlot error: %v", err)
		}
		if ok {
			t.Error("expected reservation on failed team to fail")
		}
	})
}

func TestTryCompleteSlotFlipsExactlyOnce(t *testing.T) {
	db := NewDatabase(newTestDB(t))
	seedOrder(t, db, 3, 3) // fully reserved, nobody paid

	var wg sync.WaitGroup
	completions := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			completed, _, err := db.TryCompleteSlot("O1")
			if err != nil {
				t.Errorf("TryCompleteSlot error: %v", err)
				return
			}
			completions <- completed
		}()
	}
	wg.Wait()
	close(completions)

	flips := 0
	for completed := range completions {
		if completed {
			flips++
		}
	}
	if flips != 1 {
		t.Errorf("expected exactly one completion flip, got %d", flips)
	}

	order, err := db.GetOrder("O1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if order.Status != types.OrderStatusSuccess {
		t.Errorf("expected SUCCESS, got %s", order.Status)
	}
	if order.CompleteCount != 3 {
		t.Errorf("expected completeCount=3, got %d", order.CompleteCount)
	}
	if order.CompletedTime == nil {
		t.Error("expected completed time to be set")
	}

	// The team is full and successful; another completion must be refused.
	if _, _, err := db.TryCompleteSlot("O1"); err == nil {
		t.Error("expected completing a successful team to fail")
	}
}

func TestTryCompleteSlotRefusesExpiredTeam(t *testing.T) {
	db := NewDatabase(newTestDB(t))
	order := seedOrder(t, db, 3, 3)
	order.DeadlineTime = time.Now().Add(-time.Hour)
	if err := db.db.Save(order).Error; err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// A payment callback landing after the deadline must not convert the
	// slot, regardless of what a prior read of the order showed.
	if _, _, err := db.TryCompleteSlot("O1"); err == nil {
		t.Fatal("expected completing an expired team to fail")
	}

	reloaded, err := db.GetOrder("O1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if reloaded.CompleteCount != 0 {
		t.Errorf("expected completeCount untouched, got %d", reloaded.CompleteCount)
	}
	if reloaded.Status != types.OrderStatusPending {
		t.Errorf("expected PENDING, got %s", reloaded.Status)
	}
}

func TestReleaseSlotFloorsAtCompleteCount(t *testing.T) {
	db := NewDatabase(newTestDB(t))
	order := seedOrder(t, db, 5, 3)
	order.CompleteCount = 2
	if err := db.db.Save(order).Error; err != nil {
		t.Fatalf("save failed: %v", err)
	}

	ok, err := db.ReleaseSlot("O1")
	if err != nil {
		t.Fatalf("ReleaseSlot error: %v", err)
	}
	if !ok {
		t.Fatal("expected first release to succeed")
	}

	// lockCount is now equal to completeCount; further releases are no-ops.
	ok, err = db.ReleaseSlot("O1")
	if err != nil {
		t.Fatalf("ReleaseSlot error: %v", err)
	}
	if ok {
		t.Error("expected release at the floor to be refused")
	}

	reloaded, err := db.GetOrder("O1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if reloaded.LockCount != 2 {
		t.Errorf("expected lockCount=2, got %d", reloaded.LockCount)
	}
}

func TestMarkVirtualSuccess(t *testing.T) {
	db := NewDatabase(newTestDB(t))
	order := seedOrder(t, db, 5, 2)
	order.GroupType = types.GroupTypeVirtual
	if err := db.db.Save(order).Error; err != nil {
		t.Fatalf("save failed: %v", err)
	}

	ok, err := db.MarkVirtualSuccess("O1")
	if err != nil {
		t.Fatalf("MarkVirtualSuccess error: %v", err)
	}
	if !ok {
		t.Fatal("expected virtual completion to succeed")
	}

	// Idempotent: the team is no longer pending.
	ok, err = db.MarkVirtualSuccess("O1")
	if err != nil {
		t.Fatalf("MarkVirtualSuccess error: %v", err)
	}
	if ok {
		t.Error("expected second virtual completion to be refused")
	}
}

func TestFindExpiredPending(t *testing.T) {
	gormDB := newTestDB(t)
	db := NewDatabase(gormDB)

	expired, err := types.NewOrder("O1", "TEAM1", "ACT1", "G1", "U1", types.GroupTypeReal, 3,
		decimal.NewFromInt(100), decimal.NewFromInt(20), decimal.NewFromInt(80),
		time.Now().Add(-time.Minute), "app", "wallet")
	if err != nil {
		t.Fatalf("NewOrder failed: %v", err)
	}
	live, err := types.NewOrder("O2", "TEAM2", "ACT1", "G1", "U2", types.GroupTypeReal, 3,
		decimal.NewFromInt(100), decimal.NewFromInt(20), decimal.NewFromInt(80),
		time.Now().Add(time.Hour), "app", "wallet")
	if err != nil {
		t.Fatalf("NewOrder failed: %v", err)
	}
	for _, o := range []*types.Order{expired, live} {
		if err := db.CreateOrder(o); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}
	}

	found, err := db.FindExpiredPending(10)
	if err != nil {
		t.Fatalf("FindExpiredPending error: %v", err)
	}
	if len(found) != 1 || found[0].OrderID != "O1" {
		t.Errorf("expected only the expired order, got %v", found)
	}
}
