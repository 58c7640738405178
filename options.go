// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package threadpool

import (
	"runtime"
	"time"

	"github.com/joeycumines/logiface"
)

// poolOptions holds configuration options for Pool creation.
type poolOptions struct {
	logger          *logiface.Logger[logiface.Event]
	panicLogRates   map[time.Duration]int
	eventBufferSize int
	cpuCount        int
}

// --- Pool Options ---

// Option configures a Pool instance.
type Option interface {
	applyPool(*poolOptions) error
}

// poolOptionImpl implements Option.
type poolOptionImpl struct {
	applyPoolFunc func(*poolOptions) error
}

func (o *poolOptionImpl) applyPool(opts *poolOptions) error {
	return o.applyPoolFunc(opts)
}

// WithLogger sets the logger used by the pool and its workers.
// A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPanicLogRates sets the rate limits applied, per user context, to the
// logging of recovered callback panics. The rates follow the rules of
// catrate.NewLimiter. An empty map disables the limiting.
func WithPanicLogRates(rates map[time.Duration]int) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		for d, n := range rates {
			if d <= 0 || n <= 0 {
				return invalidArgument("panic log rate %d per %s", n, d)
			}
		}
		opts.panicLogRates = rates
		return nil
	}}
}

// WithEventBufferSize sets the number of kernel events fetched per wait.
func WithEventBufferSize(n int) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		if n <= 0 {
			return invalidArgument("event buffer size %d", n)
		}
		opts.eventBufferSize = n
		return nil
	}}
}

// WithCPUCount overrides the CPU count used to assign workers to CPUs when
// the BindToCPU flag is set. It defaults to runtime.NumCPU.
func WithCPUCount(n int) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		if n <= 0 {
			return invalidArgument("cpu count %d", n)
		}
		opts.cpuCount = n
		return nil
	}}
}

// resolvePoolOptions applies Option instances to poolOptions.
func resolvePoolOptions(opts []Option) (*poolOptions, error) {
	cfg := &poolOptions{
		panicLogRates: map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		},
		eventBufferSize: 256,
		cpuCount:        runtime.NumCPU(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyPool(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
