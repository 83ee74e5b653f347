package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestGroup_ConcurrentCallersShareOneExecution(t *testing.T) {
	g := NewGroup[map[string]int](zerolog.Nop())

	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (map[string]int, error) {
		calls.Add(1)
		<-release
		return map[string]int{"appointments": 3}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]map[string]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Do(context.Background(), "dashboard:42", producer)
		}(i)
	}

	// Let every caller join before the producer settles.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 producer call, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, errs[i])
		}
		if results[i]["appointments"] != 3 {
			t.Errorf("caller %d: unexpected result %v", i, results[i])
		}
	}
}

func TestGroup_PostSettlementCallRunsProducerAgain(t *testing.T) {
	g := NewGroup[int](zerolog.Nop())

	var calls atomic.Int32
	producer := func(ctx context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	first, err := g.Do(context.Background(), "k", producer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := g.Do(context.Background(), "k", producer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != 1 || second != 2 {
		t.Errorf("expected fresh producer runs (1, 2), got (%d, %d)", first, second)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 producer calls, got %d", calls.Load())
	}
}

func TestGroup_FailurePropagatesToAllJoinedCallers(t *testing.T) {
	g := NewGroup[string](zerolog.Nop())

	wantErr := errors.New("upstream unavailable")
	release := make(chan struct{})
	producer := func(ctx context.Context) (string, error) {
		<-release
		return "", wantErr
	}

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Do(context.Background(), "k", producer)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Errorf("caller %d: expected shared error, got %v", i, err)
		}
	}
}

func TestGroup_IndependentKeys(t *testing.T) {
	g := NewGroup[string](zerolog.Nop())

	var calls atomic.Int32
	producer := func(key string) func(context.Context) (string, error) {
		return func(ctx context.Context) (string, error) {
			calls.Add(1)
			if key == "bad" {
				return "", fmt.Errorf("key %s failed", key)
			}
			return key, nil
		}
	}

	if _, err := g.Do(context.Background(), "bad", producer("bad")); err == nil {
		t.Error("expected failure for bad key")
	}
	got, err := g.Do(context.Background(), "good", producer("good"))
	if err != nil {
		t.Fatalf("one key's failure must not affect another: %v", err)
	}
	if got != "good" {
		t.Errorf("unexpected result %q", got)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 producer calls, got %d", calls.Load())
	}
}

func TestGroup_DetachedCallerDoesNotTearDownFlight(t *testing.T) {
	g := NewGroup[string](zerolog.Nop())

	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (string, error) {
		calls.Add(1)
		select {
		case <-release:
			return "settled", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	detachedErr := make(chan error, 1)
	go func() {
		_, err := g.Do(ctx, "k", producer)
		detachedErr <- err
	}()

	survivorResult := make(chan string, 1)
	go func() {
		v, err := g.Do(context.Background(), "k", producer)
		if err != nil {
			t.Errorf("survivor: unexpected error: %v", err)
		}
		survivorResult <- v
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-detachedErr; !errors.Is(err, context.Canceled) {
		t.Errorf("detached caller: expected context.Canceled, got %v", err)
	}

	close(release)
	if got := <-survivorResult; got != "settled" {
		t.Errorf("survivor: expected settled value, got %q", got)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single shared producer call, got %d", calls.Load())
	}
}
