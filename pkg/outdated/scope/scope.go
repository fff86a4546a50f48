// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package scope defines the visible-asset scope of a principal and a
// resolver backed by static configuration.
package scope

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/schmalle/secman-outdated/pkg/core/config"
)

// ErrNoPrincipal is returned when resolving the scope of an empty principal.
var ErrNoPrincipal = errors.New("no principal")

// Scope is the set of assets visible to a principal. An unrestricted scope
// sees every asset; otherwise an asset is visible when it carries at least
// one of the identifiers.
type Scope struct {
	Unrestricted bool
	Identifiers  []string
}

// Unrestricted returns the scope of administrative principals.
func Unrestricted() Scope {
	return Scope{Unrestricted: true}
}

// Restricted returns a scope limited to the given identifiers.
func Restricted(ids ...string) Scope {
	out := slices.Clone(ids)
	slices.Sort(out)

	return Scope{Identifiers: slices.Compact(out)}
}

// IsEmpty returns true, if the scope sees no asset at all.
func (s Scope) IsEmpty() bool {
	return !s.Unrestricted && len(s.Identifiers) == 0
}

// Contains returns true, if the scope includes the given identifier.
func (s Scope) Contains(id string) bool {
	return s.Unrestricted || slices.Contains(s.Identifiers, id)
}

// Allows returns true, if an asset carrying the given tags is visible.
func (s Scope) Allows(tags []string) bool {
	if s.Unrestricted {
		return true
	}

	return slices.ContainsFunc(tags, s.Contains)
}

// Narrow intersects the scope with a single identifier requested by the
// caller. The result is empty, if the identifier is outside of the scope.
func (s Scope) Narrow(id string) Scope {
	if id == "" {
		return s
	}
	if !s.Contains(id) {
		return Restricted()
	}

	return Restricted(id)
}

// Resolver resolves the scope of a principal.
type Resolver interface {
	Resolve(ctx context.Context, principal string) (Scope, error)
}

// Static is a [Resolver] backed by [config.ScopeConfig]. Unknown principals
// resolve to an empty scope.
type Static struct {
	admins     []string
	principals map[string][]string
}

var _ Resolver = &Static{}

// NewStatic creates a new [Static] resolver.
func NewStatic(conf config.ScopeConfig) *Static {
	principals := make(map[string][]string, len(conf.Principals))
	for name, ids := range conf.Principals {
		principals[strings.ToLower(name)] = ids
	}

	admins := make([]string, 0, len(conf.Admins))
	for _, name := range conf.Admins {
		admins = append(admins, strings.ToLower(name))
	}

	return &Static{admins: admins, principals: principals}
}

// Resolve implements the [Resolver] interface.
func (s *Static) Resolve(_ context.Context, principal string) (Scope, error) {
	name := strings.ToLower(strings.TrimSpace(principal))
	if name == "" {
		return Scope{}, ErrNoPrincipal
	}

	if slices.Contains(s.admins, name) {
		return Unrestricted(), nil
	}

	return Restricted(s.principals[name]...), nil
}
