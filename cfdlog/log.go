// Package cfdlog centralizes subsystem logger construction so every
// package in the daemon gets a btclog.Logger without wiring up a backend
// itself.
package cfdlog

import (
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// Disabled is a logger that writes nothing. Packages default to it so
// that importing a package in a test binary never panics on a nil
// logger before InitLogRotator/SubLogger runs.
var Disabled = btclog.Disabled

var (
	backendLog *btclog.Backend
	logRotator *rotator.Rotator
	subLoggers = make(map[string]btclog.Logger)
)

// InitLogRotator initializes the logging rotator to write logs to
// logFile and create roll files in the same directory. It must be
// called before the package-level log rotator variables are used.
func InitLogRotator(logFile string, maxLogFileSize int, maxLogFiles int) error {
	logDir, _ := splitDir(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return err
	}

	r, err := rotator.New(logFile, int64(maxLogFileSize*1024), false, maxLogFiles)
	if err != nil {
		return err
	}

	logRotator = r
	backendLog = btclog.NewBackend(logWriter{})

	return nil
}

type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

func splitDir(path string) (dir, file string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return ".", path
}

// SubLogger returns a fresh logger for the named subsystem, backed by
// the shared rotating backend. Call InitLogRotator first; if it hasn't
// been called the returned logger is a real logger writing to stdout
// only, which is fine for tests and cfdcli.
func SubLogger(subsystem string) btclog.Logger {
	if backendLog == nil {
		backendLog = btclog.NewBackend(logWriter{})
	}
	logger := backendLog.Logger(subsystem)
	logger.SetLevel(btclog.LevelInfo)
	subLoggers[subsystem] = logger
	return logger
}

// SetLevel sets the log level on every logger previously handed out by
// SubLogger.
func SetLevel(level btclog.Level) {
	for _, logger := range subLoggers {
		logger.SetLevel(level)
	}
}

// Flush flushes the rotator, if one was initialized.
func Flush() {
	if logRotator != nil {
		logRotator.Close()
	}
}
