// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package flashmgr

import "time"

const (
	// TimeWindowMargin is added to every operation duration when asking
	// for a time window.
	TimeWindowMargin = 1 * time.Millisecond

	// WriteDuration covers programming a full buffer in one window.
	WriteDuration = 1 * time.Millisecond

	// EraseDuration covers erasing one sector.
	EraseDuration = 4 * time.Millisecond

	TimeWindowWriteRequest = WriteDuration + TimeWindowMargin
	TimeWindowEraseRequest = EraseDuration + TimeWindowMargin

	// DefaultWindowRetries is the number of consecutive windows without
	// progress before an operation is reported as failed.
	DefaultWindowRetries = 3

	// DefaultRequestRetries is the number of consecutive refused window
	// requests before an operation is reported as failed.
	DefaultRequestRetries = 100

	// DefaultRetryDelay separates a refused window request from the next one.
	DefaultRetryDelay = TimeWindowEraseRequest
)

// Config holds the flash manager tuning.
type Config struct {
	WriteWindow    time.Duration
	EraseWindow    time.Duration
	WindowRetries  int
	RequestRetries int
	RetryDelay     time.Duration

	// after runs fn once d has elapsed
	after func(d time.Duration, fn func())
}

func defaultConfig() Config {
	return Config{
		WriteWindow:    TimeWindowWriteRequest,
		EraseWindow:    TimeWindowEraseRequest,
		WindowRetries:  DefaultWindowRetries,
		RequestRetries: DefaultRequestRetries,
		RetryDelay:     DefaultRetryDelay,
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Option is a functional option for configuring the Manager.
type Option func(*Config)

// WithWriteWindow sets the window duration requested for write operations.
func WithWriteWindow(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.WriteWindow = d
		}
	}
}

// WithEraseWindow sets the window duration requested for each sector erase.
func WithEraseWindow(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.EraseWindow = d
		}
	}
}

// WithWindowRetries sets how many windows in a row may pass without progress
// before the running operation fails.
func WithWindowRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.WindowRetries = n
		}
	}
}

// WithRequestRetries sets how many window requests in a row the synchronizer
// may refuse before the running operation fails.
func WithRequestRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.RequestRetries = n
		}
	}
}

// WithRetryDelay sets the pause after a refused window request.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.RetryDelay = d
		}
	}
}

// WithRetryTimer replaces the time.AfterFunc based scheduling of the next
// window request after a refusal.
func WithRetryTimer(after func(d time.Duration, fn func())) Option {
	return func(c *Config) {
		if after != nil {
			c.after = after
		}
	}
}
