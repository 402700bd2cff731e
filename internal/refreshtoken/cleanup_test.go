package refreshtoken

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"calotrack/backend/internal/logging"
)

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakePurger) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.n, f.err
}

func (f *fakePurger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestCleaner_RunOnceAppliesGrace(t *testing.T) {
	p := &fakePurger{n: 3}
	c := NewCleaner(p, time.Hour, 24*time.Hour, logging.Discard())
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	c.nowF = func() time.Time { return now }

	n, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
	if want := now.Add(-24 * time.Hour); !p.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.cutoffs[0], want)
	}
}

func TestCleaner_RunOnceError(t *testing.T) {
	p := &fakePurger{err: errors.New("db down")}
	c := NewCleaner(p, time.Hour, 0, logging.Discard())
	if _, err := c.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce should return the store error")
	}
}

func TestCleaner_RunTicksUntilCancelled(t *testing.T) {
	p := &fakePurger{}
	c := NewCleaner(p, 5*time.Millisecond, 0, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for p.calls() < 2 {
		select {
		case <-deadline:
			t.Fatal("cleaner did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCleaner_DisabledInterval(t *testing.T) {
	p := &fakePurger{}
	NewCleaner(p, 0, 0, logging.Discard()).Run(context.Background())
	if p.calls() != 0 {
		t.Error("disabled cleaner should not purge")
	}
}
