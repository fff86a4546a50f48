// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package severity_test

import (
	"errors"
	"testing"

	"github.com/schmalle/secman-outdated/pkg/outdated/severity"
)

func TestNormalize(t *testing.T) {
	testCases := []struct {
		raw  string
		want severity.Severity
	}{
		{"9.8 Critical", severity.Critical},
		{"CRITICAL", severity.Critical},
		{"7.5 High", severity.High},
		{"high", severity.High},
		{"Moderate", severity.Medium},
		{"5.3", severity.Medium},
		{"3.1 Low", severity.Low},
		{"0.1", severity.Low},
		{"9.0", severity.Critical},
		{"7.0", severity.High},
		{"4.0", severity.Medium},
		{"0.0", severity.Unknown},
		{"Informational", severity.Unknown},
		{"", severity.Unknown},
		{"n/a", severity.Unknown},
	}

	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			got := severity.Normalize(tc.raw)
			if got != tc.want {
				t.Fatalf("Normalize(%q) == %s, want %s", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	testCases := []struct {
		name    string
		want    severity.Severity
		wantErr error
	}{
		{"High", severity.High, nil},
		{"critical", severity.Critical, nil},
		{" LOW ", severity.Low, nil},
		{"medium", severity.Medium, nil},
		{"unknown", severity.Unknown, severity.ErrInvalidSeverity},
		{"severe", severity.Unknown, severity.ErrInvalidSeverity},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := severity.Parse(tc.name)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("want error %v, got %v", tc.wantErr, err)
			}
			if got != tc.want {
				t.Fatalf("Parse(%q) == %s, want %s", tc.name, got, tc.want)
			}
		})
	}
}

func TestCounts(t *testing.T) {
	var counts severity.Counts
	for _, s := range []severity.Severity{severity.High, severity.Low, severity.Unknown, severity.Low} {
		counts.Add(s)
	}

	if counts.Total() != 3 {
		t.Fatalf("want total 3, got %d", counts.Total())
	}

	if counts.Worst() != severity.High {
		t.Fatalf("want worst HIGH, got %s", counts.Worst())
	}
}
