// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for affinity packages.
//
// [RequireReceive], [RequireClosed], and [RequireNoReceive] wrap the
// select-with-deadline pattern so tests do not call time.After directly.
// They are the only place where tests use wall-clock timeouts; behavior
// under test is timed with clock.Fake instead.
//
// [UniqueID] produces distinct identifiers for tests that need them.
//
// Helpers call t.Fatalf on failure.
package testutil
