// Package zlog constructs the shared zap.Logger used across this module,
// following the same pattern ap.iotd's zapSetup uses: an AtomicLevel that a
// host binary can flip at runtime, a development encoder config by default,
// and a Sugar() front door for call sites that want printf-style args.
package zlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger at the given level. level follows zapcore's
// names ("debug", "info", "warn", "error"); an unrecognized name falls back
// to "info".
func New(level string) (*zap.Logger, error) {
	atom := zap.NewAtomicLevel()
	if err := atom.UnmarshalText([]byte(level)); err != nil {
		atom.SetLevel(zapcore.InfoLevel)
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = atom
	cfg.DisableStacktrace = true

	return cfg.Build()
}

// Must wraps New, panicking on construction failure. Intended for host
// binaries' main() wiring, not for use inside library code.
func Must(level string) *zap.Logger {
	l, err := New(level)
	if err != nil {
		panic(err)
	}
	return l
}

// Nop returns a logger that discards everything, for package tests that
// need to satisfy a *zap.Logger parameter without asserting on output.
func Nop() *zap.Logger {
	return zap.NewNop()
}
