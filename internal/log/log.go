// Package log provides the process logger used by every pcapkit component.
package log

import (
	"sync"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	once   sync.Once
	mu     sync.RWMutex
	logger Logger = newDefault()
)

// GetLogger returns the process logger. It is usable before Init.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init replaces the default logger using cfg. Only the first call has effect.
func Init(cfg *LoggerConfig) (err error) {
	once.Do(func() {
		var l Logger
		l, err = New(cfg)
		if err != nil {
			return
		}
		mu.Lock()
		logger = l
		mu.Unlock()
	})
	return err
}

// Close flushes and closes the log file of the process logger, if any. The
// logger keeps writing to the console afterwards.
func Close() error {
	mu.RLock()
	defer mu.RUnlock()
	if a, ok := logger.(*logrusAdapter); ok && a.out != nil {
		return a.out.Close()
	}
	return nil
}

// OrDefault returns l, or the process logger when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return GetLogger()
	}
	return l
}
