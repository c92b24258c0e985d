package errtrack

import (
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"auto_feed_publisher/config"
)

var enabled atomic.Bool

// Init configures Sentry error tracking. An empty DSN leaves it disabled.
func Init(cfg config.SentryConfig) error {
	if cfg.DSN == "" {
		log.Println("[ERRTRACK] Sentry DSN not provided, error tracking disabled")
		enabled.Store(false)
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Debug:            cfg.Environment == "development",
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if event.Tags == nil {
				event.Tags = make(map[string]string)
			}
			event.Tags["service"] = "auto_feed_publisher"
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	enabled.Store(true)
	log.Printf("[ERRTRACK] Sentry initialized (environment=%s)", cfg.Environment)
	return nil
}

func IsEnabled() bool {
	return enabled.Load()
}

// CaptureError reports err with extra context values.
func CaptureError(err error, context map[string]interface{}) {
	if !IsEnabled() || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for key, value := range context {
			scope.SetContext(key, map[string]interface{}{key: value})
		}
		scope.SetLevel(sentry.LevelError)
		sentry.CaptureException(err)
	})
}

func CaptureMessage(message string, context map[string]interface{}) {
	if !IsEnabled() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for key, value := range context {
			scope.SetContext(key, map[string]interface{}{key: value})
		}
		scope.SetLevel(sentry.LevelWarning)
		sentry.CaptureMessage(message)
	})
}

// Recover stops a panic, logs its stack and reports it. onPanic, when set,
// receives the recovered value as an error.
func Recover(logger *log.Logger, where string, onPanic func(error)) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("panic in %s: %v", where, r)
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[ERRTRACK] Panic recovered in %s: %v\n%s", where, r, debug.Stack())
	if IsEnabled() {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelFatal)
			scope.SetContext("panic", map[string]interface{}{"where": where, "recovered_value": fmt.Sprintf("%v", r)})
			sentry.CaptureException(err)
		})
	}
	if onPanic != nil {
		onPanic(err)
	}
}

// SafeGo runs fn in a goroutine that cannot crash the process.
func SafeGo(logger *log.Logger, where string, fn func()) {
	go func() {
		defer Recover(logger, where, nil)
		fn()
	}()
}

func Flush(timeout time.Duration) bool {
	if !IsEnabled() {
		return true
	}
	return sentry.Flush(timeout)
}
