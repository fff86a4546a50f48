// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/hibiken/asynq"

	"github.com/schmalle/secman-outdated/pkg/core/config"
	"github.com/schmalle/secman-outdated/pkg/core/registry"
)

// Option is a function, which configures the [Worker].
type Option func(conf *asynq.Config)

// Worker wraps an [asynq.Server] and [asynq.ServeMux] with additional
// convenience methods for task handlers.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// WithLogLevel is an [Option], which configures the log level of the [Worker].
func WithLogLevel(level asynq.LogLevel) Option {
	opt := func(conf *asynq.Config) {
		conf.LogLevel = level
	}

	return opt
}

// WithErrorHandler is an [Option], which configures the [Worker] to use the
// specified [asynq.ErrorHandler].
func WithErrorHandler(handler asynq.ErrorHandler) Option {
	opt := func(conf *asynq.Config) {
		conf.ErrorHandler = handler
	}

	return opt
}

// WithBaseContext is an [Option], which configures the function providing
// the base context of task handlers.
func WithBaseContext(f func() context.Context) Option {
	opt := func(conf *asynq.Config) {
		conf.BaseContext = f
	}

	return opt
}

// NewFromConfig creates a new [Worker] based on the provided
// [config.WorkerConfig] spec.
func NewFromConfig(r asynq.RedisConnOpt, conf config.WorkerConfig, opts ...Option) *Worker {
	concurrency := conf.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	queues := conf.Queues
	if len(queues) == 0 {
		queues = map[string]int{
			config.DefaultQueueName: 1,
		}
	}

	asynqConfig := asynq.Config{
		Concurrency:    concurrency,
		Queues:         queues,
		StrictPriority: conf.StrictPriority,
	}

	for _, opt := range opts {
		opt(&asynqConfig)
	}

	worker := &Worker{
		server: asynq.NewServer(r, asynqConfig),
		mux:    asynq.NewServeMux(),
	}

	return worker
}

// UseMiddlewares configures the [Worker] to use the given middlewares.
func (w *Worker) UseMiddlewares(mw ...asynq.MiddlewareFunc) {
	w.mux.Use(mw...)
}

// Handle registers the handler for the given task name.
func (w *Worker) Handle(name string, handler asynq.Handler) {
	w.mux.Handle(name, handler)
}

// HandlersFromRegistry registers all task handlers from the given registry.
func (w *Worker) HandlersFromRegistry(reg *registry.Registry[string, asynq.Handler]) {
	_ = reg.Range(func(name string, handler asynq.Handler) error {
		slog.Info("registering task", "name", name)
		w.Handle(name, handler)

		return nil
	})
}

// Run starts the worker and blocks until an OS signal is received.
func (w *Worker) Run() error {
	return w.server.Run(w.mux)
}

// Shutdown gracefully shuts down the worker.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}
