package substrate

import (
	"context"
	"log/slog"

	"github.com/flowstep-io/flowstep/internal/activity"
)

// RegisterBuiltins registers the built-in activities every deployment gets:
// echo, log, and fetch-project. Embedding applications register their own
// domain activities on top.
func RegisterBuiltins(l *Local) {
	l.RegisterActivity("echo", echoActivity)
	l.RegisterActivity("log", logActivity(l.logger))
	l.RegisterActivity("fetch-project", fetchProjectActivity)
}

// echoActivity returns its fully resolved parameters, hydrated fetch
// bindings included. Useful for wiring specs together and in tests.
func echoActivity(ctx context.Context, inv *activity.Invocation) (any, error) {
	return inv.Params, nil
}

// logActivity writes its parameters to the run log and passes them through.
func logActivity(logger *slog.Logger) ActivityHandler {
	return func(ctx context.Context, inv *activity.Invocation) (any, error) {
		logger.InfoContext(ctx, "workflow log", slog.Any("params", inv.Params))
		return inv.Params, nil
	}
}

// fetchProjectActivity resolves the project owning the invocation's object.
func fetchProjectActivity(ctx context.Context, inv *activity.Invocation) (any, error) {
	project, err := inv.FetchProject(ctx)
	if err != nil {
		return nil, err
	}
	return project, nil
}
