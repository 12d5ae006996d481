package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := New(Options{
		Name:      "test",
		Threshold: threshold,
		Cooldown:  cooldown,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       clock.now,
	})
	return b, clock
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestDo_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 10*time.Second)
	ctx := context.Background()

	for i := range 3 {
		if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v; want errBoom", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("state = %v; want open", b.State())
	}

	if err := b.Do(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("call while open = %v; want ErrOpen", err)
	}
}

func TestDo_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 10*time.Second)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, ok)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)

	if b.State() != Closed {
		t.Errorf("state = %v; interleaved success must reset the count", b.State())
	}
}

func TestDo_ProbeClosesAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(2, 10*time.Second)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	if b.State() != Open {
		t.Fatalf("state = %v; want open", b.State())
	}

	clock.advance(11 * time.Second)

	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if b.State() != Closed {
		t.Errorf("state after successful probe = %v; want closed", b.State())
	}
}

func TestDo_ProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, 10*time.Second)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	clock.advance(11 * time.Second)

	if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe call = %v; want errBoom", err)
	}
	if b.State() != Open {
		t.Fatalf("state after failed probe = %v; want open", b.State())
	}

	// Still within the new cooldown: reject.
	if err := b.Do(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("call after failed probe = %v; want ErrOpen", err)
	}
}

func TestDo_SingleProbeInHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(1, 10*time.Second)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clock.advance(11 * time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Do(ctx, func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	// A second call during the in-flight probe must be rejected.
	if err := b.Do(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent call during probe = %v; want ErrOpen", err)
	}
	close(release)
}
