package bundler

import (
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/getsentry/sentry-go"

	"github.com/AvaProtocol/ap-bundler/version"
)

const InternalError = "Internal Error"

// initSentry reads the dsn from config, SENTRY_DSN overrides it.
func (b *Bundler) initSentry() bool {
	dsn := b.config.SentryDsn
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		dsn = v
	}
	if dsn == "" {
		b.logger.Info("sentry dsn not configured, Sentry integration is disabled")
		return false
	}

	env := os.Getenv("SENTRY_ENVIRONMENT")
	if env == "" {
		env = "production"
		if b.config.Environment == sdklogging.Development {
			env = "development"
		}
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		ServerName:       b.config.ServerName,
		Environment:      env,
		Release:          version.Get() + "@" + version.Commit(),
		AttachStacktrace: true,
		TracesSampleRate: 1.0,
	}); err != nil {
		b.logger.Errorf("Sentry initialization failed: %v", err)
		return false
	}

	b.logger.Infof("Sentry initialized successfully for environment: %s", env)
	return true
}

// goSafe runs fn in a goroutine that reports a panic to Sentry before crashing.
func goSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sentry.CurrentHub().Recover(r)
				sentryFlushSafely(2 * time.Second)
				panic(r)
			}
		}()
		fn()
	}()
}

func sentryFlushSafely(timeout time.Duration) {
	if sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.Flush(timeout)
}
