package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
)

// TestRebaseRemaining tests remaining recomputation on allocation changes
func TestRebaseRemaining(t *testing.T) {
	tests := []struct {
		name          string
		oldAllocation string
		oldRemaining  string
		newAllocation string
		want          string
	}{
		{"raise keeps deployed amount", "1000", "600", "1500", "1100"},
		{"lower keeps deployed amount", "1000", "600", "800", "400"},
		{"lower below deployed floors at zero", "1000", "200", "500", "0"},
		{"nothing deployed tracks new allocation", "1000", "1000", "250", "250"},
		{"fully deployed stays at zero", "500", "0", "1000", "500"},
		{"unchanged allocation is a no-op", "1000", "600", "1000", "600"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RebaseRemaining(dec(tt.oldAllocation), dec(tt.oldRemaining), dec(tt.newAllocation))
			if !decEquals(got, tt.want) {
				t.Errorf("RebaseRemaining(%s, %s, %s) = %s, want %s",
					tt.oldAllocation, tt.oldRemaining, tt.newAllocation, got, tt.want)
			}
		})
	}
}

// TestLedgerDebitCredit tests the basic reserve/release roundtrip
func TestLedgerDebitCredit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	ledger := NewLedger(store)

	cfg, err := store.CreateCopyConfig(ctx, &models.CopyConfig{
		UserID:              "0xuser",
		TraderAddress:       "0xtrader",
		Allocation:          dec("1000"),
		RemainingAllocation: dec("1000"),
		CopyRatio:           dec("50"),
		IsActive:            true,
	})
	if err != nil {
		t.Fatalf("create config failed: %v", err)
	}

	remaining, err := ledger.Debit(ctx, cfg.ID, dec("25"))
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if !decEquals(remaining, "975") {
		t.Errorf("remaining after debit = %s, want 975", remaining)
	}

	// Losing close: full size comes back, loss lands in total_pnl
	if err := ledger.Credit(ctx, cfg.ID, dec("25"), dec("-5.77")); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	after, _ := store.GetCopyConfig(ctx, cfg.ID)
	if !decEquals(after.RemainingAllocation, "1000") {
		t.Errorf("remaining after credit = %s, want 1000", after.RemainingAllocation)
	}
	if !decEquals(after.TotalPnL, "-5.77") {
		t.Errorf("total pnl = %s, want -5.77", after.TotalPnL)
	}

	// Forgetting the lock entry must not break later operations
	ledger.Forget(cfg.ID)
	if _, err := ledger.Debit(ctx, cfg.ID, dec("10")); err != nil {
		t.Errorf("debit after Forget failed: %v", err)
	}
}

// TestLedgerConcurrentDebits tests that contended debits never overdraw
func TestLedgerConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	ledger := NewLedger(store)

	cfg, _ := store.CreateCopyConfig(ctx, &models.CopyConfig{
		UserID:              "0xuser",
		TraderAddress:       "0xtrader",
		Allocation:          dec("100"),
		RemainingAllocation: dec("100"),
		CopyRatio:           dec("100"),
		IsActive:            true,
	})

	// Two goroutines race to take 60 from 100: exactly one can win
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit(ctx, cfg.ID, dec("60"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var rejected int
	for err := range errs {
		if errors.Is(err, storage.ErrInsufficientAllocation) {
			rejected++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if rejected != 1 {
		t.Errorf("expected exactly 1 rejection, got %d", rejected)
	}

	after, _ := store.GetCopyConfig(ctx, cfg.ID)
	if !decEquals(after.RemainingAllocation, "40") {
		t.Errorf("remaining = %s, want 40", after.RemainingAllocation)
	}
}

// TestLedgerSerializesComputeThenCommit tests the read-size-debit sequence
func TestLedgerSerializesComputeThenCommit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	ledger := NewLedger(store)

	cfg, _ := store.CreateCopyConfig(ctx, &models.CopyConfig{
		UserID:              "0xuser",
		TraderAddress:       "0xtrader",
		Allocation:          dec("100"),
		RemainingAllocation: dec("100"),
		CopyRatio:           dec("100"),
		IsActive:            true,
	})

	// Each goroutine sizes its debit from the remaining it reads, taking all
	// of it. Serialized, the first drains the config and the rest see zero;
	// interleaved reads would all see 100 and nine debits would bounce.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ledger.WithConfig(cfg.ID, func() error {
				fresh, err := store.GetCopyConfig(ctx, cfg.ID)
				if err != nil {
					return err
				}
				if !fresh.RemainingAllocation.IsPositive() {
					return nil
				}
				_, err = store.DebitAllocation(ctx, cfg.ID, fresh.RemainingAllocation)
				return err
			})
			if err != nil {
				t.Errorf("sequence failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := store.CallCount("DebitAllocation"); got != 1 {
		t.Errorf("expected exactly 1 debit, got %d", got)
	}
	after, _ := store.GetCopyConfig(ctx, cfg.ID)
	if !after.RemainingAllocation.IsZero() {
		t.Errorf("remaining = %s, want 0", after.RemainingAllocation)
	}
}

// TestLedgerPerConfigIsolation tests that configs do not share a lock
func TestLedgerPerConfigIsolation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	ledger := NewLedger(store)

	first, _ := store.CreateCopyConfig(ctx, &models.CopyConfig{
		UserID:              "0xuser",
		TraderAddress:       "0xaaa",
		Allocation:          dec("100"),
		RemainingAllocation: dec("100"),
		CopyRatio:           dec("100"),
	})
	second, _ := store.CreateCopyConfig(ctx, &models.CopyConfig{
		UserID:              "0xuser",
		TraderAddress:       "0xbbb",
		Allocation:          dec("100"),
		RemainingAllocation: dec("100"),
		CopyRatio:           dec("100"),
	})

	held := make(chan struct{})
	release := make(chan struct{})
	go ledger.WithConfig(first.ID, func() error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := ledger.Debit(ctx, second.ID, dec("10"))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("debit failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("debit on another config should not wait for the held lock")
	}
}
