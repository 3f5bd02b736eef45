package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestLimiter(opts Options) *Limiter {
	if opts.GlobalPerSecond == 0 {
		opts.GlobalPerSecond = 10_000
	}
	if opts.GlobalBurst == 0 {
		opts.GlobalBurst = 10_000
	}
	if opts.AcquireTimeout == 0 {
		opts.AcquireTimeout = 50 * time.Millisecond
	}
	return New(opts)
}

func TestWindowCapDenies(t *testing.T) {
	l := newTestLimiter(Options{MessagingPerMinute: 2})

	for i := 0; i < 2; i++ {
		if err := l.TryAcquire(CategoryMessaging); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	err := l.TryAcquire(CategoryMessaging)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.Category != CategoryMessaging {
		t.Fatalf("category = %s, want messaging", rle.Category)
	}
	if rle.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want > 0", rle.RetryAfter)
	}
}

func TestGlobalBucketExhaustsAndRefills(t *testing.T) {
	// Generous category window so only the global bucket gates. 5/s
	// refill means one token every 200ms.
	l := New(Options{
		GlobalPerSecond:    5,
		GlobalBurst:        2,
		MessagingPerMinute: 1000,
		AcquireTimeout:     50 * time.Millisecond,
	})

	for i := 0; i < 2; i++ {
		if err := l.TryAcquire(CategoryMessaging); err != nil {
			t.Fatalf("burst acquire %d: %v", i, err)
		}
	}

	err := l.TryAcquire(CategoryMessaging)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError on empty bucket, got %v", err)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfter > 250*time.Millisecond {
		t.Fatalf("RetryAfter = %v, want the time to the next refill", rle.RetryAfter)
	}

	// After one refill interval exactly one token is back.
	time.Sleep(250 * time.Millisecond)
	if err := l.TryAcquire(CategoryMessaging); err != nil {
		t.Fatalf("acquire after refill: %v", err)
	}
	if err := l.TryAcquire(CategoryMessaging); err == nil {
		t.Fatal("second acquire should be denied, only one token refilled")
	}

	s := l.StatsFor(CategoryMessaging)
	if s.Total != 5 || s.Denied != 2 {
		t.Fatalf("stats = %+v, want total 5 denied 2", s)
	}
}

func TestCategoriesIsolated(t *testing.T) {
	l := newTestLimiter(Options{MediaUploadPerMinute: 1, MessagingPerMinute: 100})

	if err := l.TryAcquire(CategoryMediaUpload); err != nil {
		t.Fatalf("first media acquire: %v", err)
	}
	if err := l.TryAcquire(CategoryMediaUpload); err == nil {
		t.Fatal("second media acquire should be denied")
	}
	// A full media window must not block messaging.
	if err := l.TryAcquire(CategoryMessaging); err != nil {
		t.Fatalf("messaging acquire: %v", err)
	}
}

func TestCategoryDenialRefundsGlobalToken(t *testing.T) {
	// Two global tokens, effectively no refill. If the denied media
	// request did not refund its token, messaging would find the
	// bucket empty.
	l := New(Options{
		GlobalPerSecond:      0.001,
		GlobalBurst:          2,
		MediaUploadPerMinute: 1,
		AcquireTimeout:       50 * time.Millisecond,
	})

	if err := l.TryAcquire(CategoryMediaUpload); err != nil {
		t.Fatalf("media acquire: %v", err)
	}
	if err := l.TryAcquire(CategoryMediaUpload); err == nil {
		t.Fatal("media window should be full")
	}
	if err := l.TryAcquire(CategoryMessaging); err != nil {
		t.Fatalf("messaging acquire after refund: %v", err)
	}
}

func TestAcquireTimesOutWhenWindowFull(t *testing.T) {
	l := newTestLimiter(Options{
		MessagingPerMinute: 1,
		AcquireTimeout:     30 * time.Millisecond,
	})

	if err := l.Acquire(context.Background(), CategoryMessaging); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	err := l.Acquire(context.Background(), CategoryMessaging)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("acquire returned after %v, want it to block until timeout", elapsed)
	}

	s := l.StatsFor(CategoryMessaging)
	if s.Total != 2 || s.Denied != 1 {
		t.Fatalf("stats = %+v, want total 2 denied 1", s)
	}
}

func TestThrottleBackoffGrowsAndResets(t *testing.T) {
	l := newTestLimiter(Options{BackoffMultiplier: 1.5, BackoffMax: 5 * time.Minute})

	l.ReportThrottle(CategoryMessaging)
	if b := l.StatsFor(CategoryMessaging).CurrentBackoff; b != time.Second {
		t.Fatalf("backoff after 1 throttle = %v, want 1s", b)
	}

	l.ReportThrottle(CategoryMessaging)
	if b := l.StatsFor(CategoryMessaging).CurrentBackoff; b != 1500*time.Millisecond {
		t.Fatalf("backoff after 2 throttles = %v, want 1.5s", b)
	}

	l.ReportSuccess(CategoryMessaging)
	if b := l.StatsFor(CategoryMessaging).CurrentBackoff; b != 0 {
		t.Fatalf("backoff after success = %v, want 0", b)
	}
}

func TestThrottleBackoffCapped(t *testing.T) {
	l := newTestLimiter(Options{BackoffMultiplier: 10, BackoffMax: 2 * time.Second})

	for i := 0; i < 5; i++ {
		l.ReportThrottle(CategoryTemplateSync)
	}
	if b := l.StatsFor(CategoryTemplateSync).CurrentBackoff; b != 2*time.Second {
		t.Fatalf("backoff = %v, want capped at 2s", b)
	}
}

func TestThrottlePenaltyBlocksAcquire(t *testing.T) {
	l := newTestLimiter(Options{AcquireTimeout: 20 * time.Millisecond})

	l.ReportThrottle(CategoryMessaging) // 1s penalty, longer than the timeout
	err := l.Acquire(context.Background(), CategoryMessaging)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError during penalty, got %v", err)
	}

	l.ReportSuccess(CategoryMessaging)
	if err := l.Acquire(context.Background(), CategoryMessaging); err != nil {
		t.Fatalf("acquire after penalty cleared: %v", err)
	}
}
