package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntilReady(t *testing.T) {
	calls := 0
	outcome, err := Until(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Ready {
		t.Errorf("expected Ready, got %s", outcome)
	}
	if calls != 3 {
		t.Errorf("expected 3 probe calls, got %d", calls)
	}
}

func TestUntilTimeout(t *testing.T) {
	outcome, err := Until(context.Background(), time.Millisecond, 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Timeout {
		t.Errorf("expected Timeout, got %s", outcome)
	}
}

func TestUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	outcome, err := Until(ctx, time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if outcome != Cancelled {
		t.Errorf("expected Cancelled, got %s", outcome)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestUntilProbeError(t *testing.T) {
	probeErr := errors.New("backend gone")
	outcome, err := Until(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, probeErr
	})
	if outcome != Ready {
		t.Errorf("expected Ready outcome slot on probe error, got %s", outcome)
	}
	if !errors.Is(err, probeErr) {
		t.Errorf("expected probe error, got %v", err)
	}
}

func TestUntilProbesImmediately(t *testing.T) {
	start := time.Now()
	outcome, err := Until(context.Background(), time.Hour, time.Hour, func(ctx context.Context) (bool, error) {
		return true, nil
	})
	if err != nil || outcome != Ready {
		t.Fatalf("expected immediate Ready, got %s err=%v", outcome, err)
	}
	if time.Since(start) > time.Second {
		t.Error("first probe should not wait for the interval")
	}
}
