// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Retryer is adapted from the teacher's v2/rag/retry.go exponential-backoff
// retryer, generalized from a fixed list of retryable error substrings to
// asking the active Backend to classify the failure (§4.5: "classify the
// exit code/stderr per-backend").
package backend

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures the backend retry wrapper.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// Retryer runs an operation with exponential backoff on retryable errors.
type Retryer struct {
	cfg RetryConfig
}

// NewRetryer builds a Retryer, filling in sane defaults for zero fields.
func NewRetryer(cfg RetryConfig) *Retryer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.BackoffMultiplier <= 1.0 {
		cfg.BackoffMultiplier = 2.0
	}
	return &Retryer{cfg: cfg}
}

// Do runs fn, retrying on retryable errors with exponential backoff and
// jitter. Non-retryable errors propagate on first occurrence.
func (r *Retryer) Do(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt >= r.cfg.MaxRetries {
			return lastErr
		}

		delay := r.backoff(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (r *Retryer) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(r.cfg.InitialBackoff) * math.Pow(r.cfg.BackoffMultiplier, float64(attempt)))
	if delay > r.cfg.MaxBackoff {
		delay = r.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Float64() * float64(delay) * 0.1)
	if rand.Float64() < 0.5 {
		delay -= jitter
	} else {
		delay += jitter
	}
	return delay
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.backend.IsRetryable(ec.exitCode, ec.logPath)
	}
	return false
}
