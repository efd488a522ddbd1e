package accessgate

import (
	"context"

	"github.com/nhalm/canonlog"
)

// logFields adds fields to the request log line when Handler(WithCanonlog()) is active.
func logFields(ctx context.Context, fields map[string]any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, fields)
	}
}

// logError adds err to the request log line when Handler(WithCanonlog()) is active.
func logError(ctx context.Context, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.ErrorAdd(ctx, err)
	}
}
