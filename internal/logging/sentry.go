package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// sentryDSN can be baked in via ldflags for release builds. With no DSN
// configured, crash reporting stays off regardless of settings.
var sentryDSN = ""

var sentryEnabled bool

// InitSentry initializes Sentry crash reporting. Opt-in: enabled via user
// settings or CARD_AGENT_SENTRY=1; CARD_AGENT_SENTRY=0 forces it off. The
// DSN can be overridden via CARD_AGENT_SENTRY_DSN.
func InitSentry(version string, crashReportingEnabled bool) bool {
	enabled := crashReportingEnabled
	switch os.Getenv("CARD_AGENT_SENTRY") {
	case "1":
		enabled = true
	case "0":
		enabled = false
	}
	if !enabled {
		return false
	}

	dsn := os.Getenv("CARD_AGENT_SENTRY_DSN")
	if dsn == "" {
		dsn = sentryDSN
	}
	if dsn == "" {
		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "card-agent@" + version,
		Environment:      environment(),
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}

	sentryEnabled = true
	return true
}

func environment() string {
	if env := os.Getenv("CARD_AGENT_ENVIRONMENT"); env != "" {
		return env
	}
	return "production"
}

// FlushSentry flushes buffered events. Call before exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CapturePanic sends a panic and stack trace to Sentry. Flushes immediately
// since the process may be about to die.
func CapturePanic(panicValue interface{}, stack []byte, context string) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", context)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		switch v := panicValue.(type) {
		case error:
			sentry.CaptureException(v)
		case string:
			sentry.CaptureMessage(v)
		default:
			sentry.CaptureMessage(fmt.Sprintf("%v", v))
		}
	})

	sentry.Flush(2 * time.Second)
}

// CaptureError sends an error to Sentry with extra context fields.
func CaptureError(err error, context string, fields map[string]any) {
	if !sentryEnabled || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_context", context)
		for k, v := range fields {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}
