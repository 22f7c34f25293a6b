package llmerrors

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifyByStatus(t *testing.T) {
	cases := []struct {
		name     string
		transErr error
		status   int
		apiMsg   string
		want     Kind
	}{
		{"rate limit status", nil, 429, "", KindRateLimit},
		{"server error", nil, 500, "", KindAPIError},
		{"bad request", nil, 400, "", KindAPIError},
		{"unknown status", nil, 204, "", KindOther},
		{"rate limit message fallback", nil, 200, "You have hit the rate limit", KindRateLimit},
		{"deadline exceeded", context.DeadlineExceeded, 0, "", KindTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyByStatus(tc.transErr, tc.status, tc.apiMsg)
			if got != tc.want {
				t.Errorf("ClassifyByStatus() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRetryConfigDelayBacksOffAndCaps(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2.0, Jitter: false}
	if d := cfg.Delay(1); d != time.Second {
		t.Errorf("attempt 1 delay = %v, want 1s", d)
	}
	if d := cfg.Delay(2); d != 2*time.Second {
		t.Errorf("attempt 2 delay = %v, want 2s", d)
	}
	if d := cfg.Delay(10); d != 5*time.Second {
		t.Errorf("attempt 10 delay = %v, want capped at 5s", d)
	}
}

func TestKindOfUnclassifiedDefaultsToOther(t *testing.T) {
	if k := KindOf(errors.New("boom")); k != KindOther {
		t.Errorf("KindOf(plain error) = %v, want KindOther", k)
	}
}

func TestRetryConfigForClassifiedError(t *testing.T) {
	err := New(KindRateLimit, 429, "too many requests", nil)
	cfg := RetryConfigFor(err)
	if cfg != DefaultRetryConfigs[KindRateLimit] {
		t.Error("RetryConfigFor did not return the rate-limit policy")
	}
}
