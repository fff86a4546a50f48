// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	_ "github.com/schmalle/secman-outdated/pkg/outdated/models"
	_ "github.com/schmalle/secman-outdated/pkg/outdated/tasks"
)
