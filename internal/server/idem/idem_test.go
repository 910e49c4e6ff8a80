package idem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Johnsonbros/zeke/internal/server/kv"
)

func TestClaimFirstAndDuplicate(t *testing.T) {
	ctx := context.Background()
	guard := NewMemory()

	first, err := guard.Claim(ctx, "task:1:update:abc")
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if first.IsDuplicate {
		t.Error("First claim flagged as duplicate")
	}

	for i := 0; i < 3; i++ {
		dup, err := guard.Claim(ctx, "task:1:update:abc")
		if err != nil {
			t.Fatalf("Claim() failed: %v", err)
		}
		if !dup.IsDuplicate {
			t.Errorf("Claim %d not flagged as duplicate", i+2)
		}
	}

	// A different key is a different operation
	other, err := guard.Claim(ctx, "task:1:update:def")
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if other.IsDuplicate {
		t.Error("Claim of a fresh key flagged as duplicate")
	}
}

func TestClaimReplaysRecordedOutcome(t *testing.T) {
	ctx := context.Background()
	guard := NewMemory()

	first, err := guard.Claim(ctx, "key-1")
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if first.IsDuplicate {
		t.Fatal("First claim flagged as duplicate")
	}

	// Before the outcome is recorded a duplicate carries none
	dup, err := guard.Claim(ctx, "key-1")
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if !dup.IsDuplicate {
		t.Fatal("Second claim not flagged as duplicate")
	}
	if dup.Outcome != nil {
		t.Errorf("Duplicate before Record() carries outcome %s", dup.Outcome)
	}

	if err := guard.Record(ctx, "key-1", []byte(`{"version":7}`)); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	dup, err = guard.Claim(ctx, "key-1")
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if !dup.IsDuplicate {
		t.Fatal("Claim after Record() not flagged as duplicate")
	}
	if string(dup.Outcome) != `{"version":7}` {
		t.Errorf("Duplicate outcome = %s, want recorded result", dup.Outcome)
	}
}

func TestClaimEmptyKey(t *testing.T) {
	guard := NewMemory()
	if _, err := guard.Claim(context.Background(), ""); err == nil {
		t.Error("Claim() with empty key succeeded")
	}
}

func TestClaimConcurrent(t *testing.T) {
	ctx := context.Background()
	guard := NewMemory()

	const claimers = 50

	var wg sync.WaitGroup
	results := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := guard.Claim(ctx, "contested")
			if err != nil {
				t.Errorf("Claim() failed: %v", err)
				return
			}
			results <- c.IsDuplicate
		}()
	}
	wg.Wait()
	close(results)

	firsts := 0
	for isDup := range results {
		if !isDup {
			firsts++
		}
	}
	if firsts != 1 {
		t.Errorf("Expected exactly 1 first-time claim, got %d", firsts)
	}
}

func TestReleaseFreesKey(t *testing.T) {
	ctx := context.Background()
	guard := NewMemory()

	first, err := guard.Claim(ctx, "key-1")
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if first.IsDuplicate {
		t.Fatal("First claim flagged as duplicate")
	}

	// Execution failed; the key goes back
	if err := guard.Release(ctx, "key-1"); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	retry, err := guard.Claim(ctx, "key-1")
	if err != nil {
		t.Fatalf("Claim() after release failed: %v", err)
	}
	if retry.IsDuplicate {
		t.Error("Claim after release flagged as duplicate")
	}
}

func TestReleaseMissingKey(t *testing.T) {
	guard := NewMemory()
	if err := guard.Release(context.Background(), "never-claimed"); err != nil {
		t.Errorf("Release() of unclaimed key failed: %v", err)
	}
}

func TestClaimAfterWindowExpires(t *testing.T) {
	ctx := context.Background()
	guard, err := New(kv.NewMemory(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	first, err := guard.Claim(ctx, "key-1")
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if first.IsDuplicate {
		t.Fatal("First claim flagged as duplicate")
	}

	time.Sleep(120 * time.Millisecond)

	// Outside the window the key may execute again
	again, err := guard.Claim(ctx, "key-1")
	if err != nil {
		t.Fatalf("Claim() after expiry failed: %v", err)
	}
	if again.IsDuplicate {
		t.Error("Claim after window expiry flagged as duplicate")
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(nil, 0); err == nil {
		t.Error("New() with nil store succeeded")
	}
}
