// Package logger re-exports the eigensdk logger so packages only import it from here.
package logger

import (
	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

type Logger = sdklogging.Logger

// Component returns a child of log tagged with the component name. A nil log
// yields a logger that drops everything.
func Component(log Logger, name string) Logger {
	return EnsureLogger(log).With("component", name)
}

func EnsureLogger(log Logger) Logger {
	if log == nil {
		return NewNoOpLogger()
	}
	return log
}

func NewNoOpLogger() Logger {
	return discard{}
}

type discard struct{}

func (discard) Debug(msg string, tags ...any)        {}
func (discard) Info(msg string, tags ...any)         {}
func (discard) Warn(msg string, tags ...any)         {}
func (discard) Error(msg string, tags ...any)        {}
func (discard) Fatal(msg string, tags ...any)        {}
func (discard) Debugf(template string, args ...any)  {}
func (discard) Infof(template string, args ...any)   {}
func (discard) Warnf(template string, args ...any)   {}
func (discard) Errorf(template string, args ...any)  {}
func (discard) Fatalf(template string, args ...any)  {}
func (d discard) With(tags ...any) sdklogging.Logger { return d }

func (d discard) WithComponent(name string) sdklogging.Logger   { return d }
func (d discard) WithName(name string) sdklogging.Logger        { return d }
func (d discard) WithServiceName(name string) sdklogging.Logger { return d }
func (d discard) WithHostName(name string) sdklogging.Logger    { return d }
func (discard) Sync() error                                     { return nil }
