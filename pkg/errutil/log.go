// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs err at error level. See LogErrorAt.
func LogError(logger *slog.Logger, msg string, err error) {
	LogErrorAt(context.Background(), logger, slog.LevelError, msg, err)
}

// LogErrorAt logs an error at the given level with structured context if
// it's an oops error. For oops errors it adds the code, domain and context;
// for standard errors it logs the error string.
func LogErrorAt(ctx context.Context, logger *slog.Logger, level slog.Level, msg string, err error, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	if !logger.Enabled(ctx, level) {
		return
	}

	out := append([]any{"error", err.Error()}, attrs...)
	if oopsErr, ok := oops.AsOops(err); ok {
		if code := oopsErr.Code(); code != nil && code != "" {
			out = append(out, "code", code)
		}
		if domain := oopsErr.Domain(); domain != "" {
			out = append(out, "domain", domain)
		}
		if c := oopsErr.Context(); len(c) > 0 {
			out = append(out, "context", c)
		}
	}
	logger.Log(ctx, level, msg, out...)
}
