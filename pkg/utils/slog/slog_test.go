// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package slog_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schmalle/secman-outdated/pkg/core/config"
	slogutils "github.com/schmalle/secman-outdated/pkg/utils/slog"
)

func TestNewFromConfig(t *testing.T) {
	testCases := []struct {
		desc    string
		conf    config.LoggingConfig
		wantErr error
	}{
		{
			desc:    "defaults",
			conf:    config.LoggingConfig{},
			wantErr: nil,
		},
		{
			desc:    "json debug",
			conf:    config.LoggingConfig{Level: "debug", Format: "json"},
			wantErr: nil,
		},
		{
			desc:    "invalid level",
			conf:    config.LoggingConfig{Level: "verbose"},
			wantErr: slogutils.ErrInvalidLogLevel,
		},
		{
			desc:    "invalid format",
			conf:    config.LoggingConfig{Format: "xml"},
			wantErr: slogutils.ErrInvalidLogFormat,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			var buf bytes.Buffer
			_, err := slogutils.NewFromConfig(&buf, tc.conf)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("want error %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestNewFromConfigAttributes(t *testing.T) {
	var buf bytes.Buffer
	conf := config.LoggingConfig{
		Format:     "json",
		Attributes: map[string]string{"component": "outdated"},
	}

	logger, err := slogutils.NewFromConfig(&buf, conf)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	logger.Info("hello")

	var event map[string]any
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("cannot decode log event: %s", err)
	}

	if event["component"] != "outdated" {
		t.Fatalf("want component attribute, got %v", event)
	}
}

func TestNewWriterWithFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "outdated.log")
	w, closer, err := slogutils.NewWriter(&console, config.LogFileConfig{Path: path})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if _, err := w.Write([]byte("event\n")); err != nil {
		t.Fatalf("cannot write: %s", err)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("cannot close: %s", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("cannot read log file: %s", err)
	}

	if !strings.Contains(string(data), "event") || !strings.Contains(console.String(), "event") {
		t.Fatalf("want event in both console and file")
	}
}
