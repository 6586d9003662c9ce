package replay

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRetryBase = 500 * time.Millisecond
	DefaultRetryMax  = 10 * time.Second
)

type retryPolicy struct {
	base time.Duration
	max  time.Duration
}

// delay returns the wait before retry number attempt. A server-provided
// Retry-After wins but is still capped at max.
func (p retryPolicy) delay(attempt int, retryAfter time.Duration) time.Duration {
	maxDelay := p.max
	if maxDelay <= 0 {
		maxDelay = DefaultRetryMax
	}
	if retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := p.base
	if delay <= 0 {
		delay = DefaultRetryBase
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// retryAfterFrom reads Retry-After as delta seconds or an HTTP date. Past
// dates and garbage mean no hint.
func retryAfterFrom(header http.Header) time.Duration {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	return max(time.Until(at), 0)
}

// sleep blocks for d or until ctx ends. A non-positive d only reports ctx.
func (p retryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
