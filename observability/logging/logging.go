package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup builds the JSON logger the vault services share and installs it as the
// process default. Every line carries the service name plus the deployment
// environment when one is set; non-production environments also log at debug
// so the loop engine's per-iteration records stay visible during development.
func Setup(service, env string) *slog.Logger {
	env = strings.TrimSpace(env)

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       levelFor(env),
		ReplaceAttr: renameCoreAttrs,
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	base := slog.New(handler).With(args...)
	slog.SetDefault(base)

	// Route the standard library logger through the same handler so stray
	// log.Printf calls keep the structured shape.
	bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

func levelFor(env string) slog.Level {
	switch strings.ToLower(env) {
	case "prod", "production":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// renameCoreAttrs maps slog's built-in keys onto the field names the log
// pipeline indexes on.
func renameCoreAttrs(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	}
	return attr
}
