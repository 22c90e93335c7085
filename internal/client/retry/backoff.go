package retry

import (
	"math/rand/v2"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// MaxDelay caps a single backoff pause
const MaxDelay = 30 * time.Second

// jitterPercent - максимальная добавка к экспоненциальной паузе
const jitterPercent = 10

// NewBackoff returns the delay sequence between attempts:
// min(base * 2^(n-1) + jitter, MaxDelay) for retry n, with jitter up to 10% of the
// exponential term. maxAttempts counts the first try; zero means unlimited.
func NewBackoff(base time.Duration, maxAttempts int, jitter bool) goretry.Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}

	b := goretry.NewExponential(base)
	if jitter {
		b = withPositiveJitter(jitterPercent, b)
	}
	b = goretry.WithCappedDuration(MaxDelay, b)
	if maxAttempts > 0 {
		b = goretry.WithMaxRetries(uint64(maxAttempts-1), b)
	}
	return b
}

// withPositiveJitter добавляет к паузе случайное значение в [0, percent%].
// retry.WithJitterPercent дает +-, а пауза не должна быть короче экспоненты.
func withPositiveJitter(percent int64, next goretry.Backoff) goretry.Backoff {
	return goretry.BackoffFunc(func() (time.Duration, bool) {
		val, stop := next.Next()
		if stop {
			return 0, true
		}

		// Выше потолка добавка все равно будет срезана
		if val <= 0 || val >= MaxDelay {
			return val, false
		}

		spread := int64(val) / 100 * percent
		if spread <= 0 {
			return val, false
		}
		return val + time.Duration(rand.Int64N(spread+1)), false
	})
}
