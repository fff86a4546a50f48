// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package severity normalizes the free-text CVSS severities recorded by the
// ingestion pipeline into the four severity tiers of the materialized view.
package severity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSeverity is returned when parsing an unknown severity name.
var ErrInvalidSeverity = errors.New("invalid severity")

// Severity is a severity tier. Higher values are more severe.
type Severity int

const (
	// Unknown is the severity of vulnerabilities which could not be
	// classified. Such vulnerabilities are not counted.
	Unknown Severity = iota
	Low
	Medium
	High
	Critical
)

var names = map[Severity]string{
	Unknown:  "UNKNOWN",
	Low:      "LOW",
	Medium:   "MEDIUM",
	High:     "HIGH",
	Critical: "CRITICAL",
}

// String implements the [fmt.Stringer] interface.
func (s Severity) String() string {
	name, ok := names[s]
	if !ok {
		return names[Unknown]
	}

	return name
}

// MarshalText implements the [encoding.TextMarshaler] interface.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Parse parses a severity tier name, e.g. "High" or "critical". Unknown is
// not accepted.
func Parse(name string) (Severity, error) {
	needle := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range names {
		if s != Unknown && n == needle {
			return s, nil
		}
	}

	return Unknown, fmt.Errorf("%w: %q", ErrInvalidSeverity, name)
}

// keywords are checked in order, so that the most severe keyword wins.
var keywords = []struct {
	word     string
	severity Severity
}{
	{"critical", Critical},
	{"high", High},
	{"medium", Medium},
	{"moderate", Medium},
	{"low", Low},
}

// Normalize maps a raw CVSS severity such as "9.8 Critical", "HIGH" or "5.3"
// to its tier. A keyword takes precedence over a numeric score.
func Normalize(raw string) Severity {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return Unknown
	}

	for _, kw := range keywords {
		if strings.Contains(value, kw.word) {
			return kw.severity
		}
	}

	for _, field := range strings.Fields(value) {
		score, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}

		return FromScore(score)
	}

	return Unknown
}

// FromScore maps a CVSS base score to its tier.
func FromScore(score float64) Severity {
	switch {
	case score >= 9.0:
		return Critical
	case score >= 7.0:
		return High
	case score >= 4.0:
		return Medium
	case score > 0:
		return Low
	default:
		return Unknown
	}
}

// Counts holds per-tier vulnerability counts.
type Counts struct {
	Critical int
	High     int
	Medium   int
	Low      int
}

// Add increments the counter of the given tier. Unknown is ignored and
// reported as false.
func (c *Counts) Add(s Severity) bool {
	switch s {
	case Critical:
		c.Critical++
	case High:
		c.High++
	case Medium:
		c.Medium++
	case Low:
		c.Low++
	default:
		return false
	}

	return true
}

// Total returns the sum of all tiers.
func (c Counts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low
}

// Worst returns the most severe tier with a non-zero count.
func (c Counts) Worst() Severity {
	switch {
	case c.Critical > 0:
		return Critical
	case c.High > 0:
		return High
	case c.Medium > 0:
		return Medium
	case c.Low > 0:
		return Low
	default:
		return Unknown
	}
}
