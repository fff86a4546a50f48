// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package scope_test

import (
	"context"
	"errors"
	"testing"

	"github.com/schmalle/secman-outdated/pkg/core/config"
	"github.com/schmalle/secman-outdated/pkg/outdated/scope"
)

func TestStaticResolve(t *testing.T) {
	resolver := scope.NewStatic(config.ScopeConfig{
		Admins: []string{"Root"},
		Principals: map[string][]string{
			"alice": {"workgroup:ops", "owner:alice"},
		},
	})

	testCases := []struct {
		desc             string
		principal        string
		wantUnrestricted bool
		wantIDs          int
		wantErr          error
	}{
		{"admin", "root", true, 0, nil},
		{"scoped principal", "Alice", false, 2, nil},
		{"unknown principal", "mallory", false, 0, nil},
		{"empty principal", " ", false, 0, scope.ErrNoPrincipal},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			s, err := resolver.Resolve(context.Background(), tc.principal)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("want error %v, got %v", tc.wantErr, err)
			}
			if s.Unrestricted != tc.wantUnrestricted {
				t.Fatalf("want unrestricted %v, got %v", tc.wantUnrestricted, s.Unrestricted)
			}
			if len(s.Identifiers) != tc.wantIDs {
				t.Fatalf("want %d identifiers, got %v", tc.wantIDs, s.Identifiers)
			}
		})
	}
}

func TestScopeNarrow(t *testing.T) {
	s := scope.Restricted("workgroup:ops", "owner:alice")

	if got := s.Narrow("workgroup:ops"); len(got.Identifiers) != 1 || got.Identifiers[0] != "workgroup:ops" {
		t.Fatalf("want scope narrowed to workgroup:ops, got %v", got)
	}

	if got := s.Narrow("workgroup:finance"); !got.IsEmpty() {
		t.Fatalf("want empty scope for identifier outside of scope, got %v", got)
	}

	if got := scope.Unrestricted().Narrow("workgroup:finance"); got.Unrestricted || got.Identifiers[0] != "workgroup:finance" {
		t.Fatalf("want unrestricted scope narrowed to identifier, got %v", got)
	}

	if got := s.Narrow(""); len(got.Identifiers) != 2 {
		t.Fatalf("want scope unchanged for empty identifier, got %v", got)
	}
}

func TestScopeAllows(t *testing.T) {
	s := scope.Restricted("workgroup:ops")

	if !s.Allows([]string{"owner:bob", "workgroup:ops"}) {
		t.Fatalf("want asset in workgroup:ops to be visible")
	}

	if s.Allows([]string{"owner:bob"}) {
		t.Fatalf("want asset outside of scope to be hidden")
	}

	if !scope.Unrestricted().Allows(nil) {
		t.Fatalf("want unrestricted scope to see everything")
	}
}
