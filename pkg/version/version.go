// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package version provides the version of the application.
package version

// Version is the version of the application, set at build time via
// -ldflags "-X github.com/schmalle/secman-outdated/pkg/version.Version=...".
var Version = "v0.1.0-dev"
