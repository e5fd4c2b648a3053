// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package hostfunc

import (
	"context"
	"log/slog"

	"github.com/tsuzuki-app/tsuzuki/pkg/extractor"
)

// maxLogMessageBytes caps sandbox log messages so a misbehaving extension
// cannot flood the host log with one call.
const maxLogMessageBytes = 8 << 10

// LogSink forwards sandbox log messages into the host logger, attributed to
// the emitting extension.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a sink. A nil logger falls back to slog.Default at call
// time so the sink picks up logger reconfiguration.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Log writes one extension message at the mapped level. Unknown levels are
// treated as info.
func (s *LogSink) Log(ctx context.Context, ext string, level uint32, msg string) {
	if len(msg) > maxLogMessageBytes {
		msg = msg[:maxLogMessageBytes]
	}

	var lvl slog.Level
	switch level {
	case extractor.LogDebug:
		lvl = slog.LevelDebug
	case extractor.LogWarn:
		lvl = slog.LevelWarn
	case extractor.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(ctx, lvl, msg, "extension", ext)
}
