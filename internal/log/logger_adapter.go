package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPattern = "%time [%level] %caller: %msg %field\n"
	DefaultTime    = "2006-01-02 15:04:05.000"
)

type LoggerConfig struct {
	Pattern string     `mapstructure:"pattern" yaml:"pattern"`
	Time    string     `mapstructure:"time" yaml:"time"`
	Level   string     `mapstructure:"level" yaml:"level"`
	Caller  bool       `mapstructure:"caller" yaml:"caller"`
	File    FileConfig `mapstructure:"file" yaml:"file"`
}

type logrusAdapter struct {
	entry *logrus.Entry
	out   io.Closer
}

func newDefault() Logger {
	l, _ := newWithOutput(&LoggerConfig{Level: "info"}, os.Stdout)
	return l
}

// New builds a logger from cfg writing to stdout plus the optional log file.
func New(cfg *LoggerConfig) (Logger, error) {
	var file FileConfig
	if cfg != nil {
		file = cfg.File
	}
	out, err := newOutput(os.Stdout, file)
	if err != nil {
		return nil, err
	}
	return newWithOutput(cfg, out)
}

func newWithOutput(cfg *LoggerConfig, out io.Writer) (Logger, error) {
	if cfg == nil {
		cfg = &LoggerConfig{}
	}
	pattern, timeLayout := cfg.Pattern, cfg.Time
	if pattern == "" {
		pattern = DefaultPattern
	}
	if timeLayout == "" {
		timeLayout = DefaultTime
	}

	l := logrus.New()
	l.SetFormatter(&formatter{
		pattern: pattern,
		time:    timeLayout,
	})
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetReportCaller(cfg.Caller)
	l.SetOutput(out)

	a := &logrusAdapter{entry: logrus.NewEntry(l)}
	if c, ok := out.(io.Closer); ok {
		a.out = c
	}
	return a, nil
}

func (l *logrusAdapter) Print(args ...interface{})                 { l.entry.Print(args...) }
func (l *logrusAdapter) Printf(format string, args ...interface{}) { l.entry.Printf(format, args...) }

func (l *logrusAdapter) Trace(args ...interface{})                 { l.entry.Trace(args...) }
func (l *logrusAdapter) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }

func (l *logrusAdapter) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusAdapter) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *logrusAdapter) Info(args ...interface{})                 { l.entry.Info(args...) }
func (l *logrusAdapter) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

func (l *logrusAdapter) Warn(args ...interface{})                 { l.entry.Warn(args...) }
func (l *logrusAdapter) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

func (l *logrusAdapter) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusAdapter) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusAdapter) Fatal(args ...interface{})                 { l.entry.Fatal(args...) }
func (l *logrusAdapter) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusAdapter) Panic(args ...interface{})                 { l.entry.Panic(args...) }
func (l *logrusAdapter) Panicf(format string, args ...interface{}) { l.entry.Panicf(format, args...) }

func (l *logrusAdapter) WithField(field string, value interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithField(field, value), out: l.out}
}
func (l *logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithFields(fields), out: l.out}
}
func (l *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{entry: l.entry.WithError(err), out: l.out}
}

func (l *logrusAdapter) IsTraceEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.TraceLevel)
}
func (l *logrusAdapter) IsDebugEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}
func (l *logrusAdapter) IsInfoEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.InfoLevel)
}
