// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package main is the entry point for the visor plugin runtime.
package main

import (
	"fmt"
	"os"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// hostVersion is what plugin manifests' requires is checked against. Dev
// builds accept every plugin.
func hostVersion() string {
	if version == "dev" {
		return ""
	}
	return version
}

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
