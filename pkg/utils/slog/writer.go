// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package slog

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/schmalle/secman-outdated/pkg/core/config"
)

// NewWriter returns the [io.Writer] for log events based on the provided
// [config.LoggingConfig] spec. Log events always go to the console writer and
// additionally to a rotating log file, if one has been configured.
//
// The returned [io.Closer] releases the log file and must be called on
// shutdown.
func NewWriter(console io.Writer, conf config.LogFileConfig) (io.Writer, io.Closer, error) {
	if conf.Path == "" {
		return console, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(conf.Path), 0o750); err != nil {
		return nil, nil, err
	}

	maxSize := conf.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}

	file := &lumberjack.Logger{
		Filename:   conf.Path,
		MaxSize:    maxSize,
		MaxBackups: conf.MaxBackups,
		MaxAge:     conf.MaxAgeDays,
		Compress:   conf.Compress,
	}

	return io.MultiWriter(console, file), file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
