// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the affinity server configuration.
//
// Configuration comes from a single file named by the AFFINITY_CONFIG
// environment variable ([Load]) or a --config flag ([LoadFile]). There
// is no search path. Files ending in .json or .jsonc are read as JSONC
// (comments and trailing commas allowed); anything else is YAML.
//
// The file may carry development, staging, and production sections
// that override base values when [Config].Environment matches. The
// development latency shim only exists in development: every other
// environment forces debug.latency to zero after overrides are applied.
//
// ${VAR} and ${VAR:-default} are expanded in server.listen.
//
// Key exports:
//
//   - [Config] with [Route] entries mapping paths to an affinity [Mode]
//   - [Default] for development defaults
//   - [Load], [LoadFile], and [Parse]
package config
