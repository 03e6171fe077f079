package log

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig enables the rotating log file.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

func (c FileConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Filename == "" {
		return fmt.Errorf("log file requires 'filename'")
	}
	if c.MaxSize < 0 || c.MaxBackups < 0 || c.MaxAge < 0 {
		return fmt.Errorf("log file rotation limits must not be negative")
	}
	return nil
}

// output writes every log line to the console and, when enabled, to the
// rotating file. A failing sink does not keep the line from the others.
type output struct {
	console io.Writer
	file    *lumberjack.Logger
}

func newOutput(console io.Writer, file FileConfig) (*output, error) {
	if err := file.Validate(); err != nil {
		return nil, err
	}
	o := &output{console: console}
	if file.Enabled {
		o.file = &lumberjack.Logger{
			Filename:   file.Filename,
			MaxSize:    file.MaxSize,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAge,
			Compress:   file.Compress,
		}
	}
	return o, nil
}

func (o *output) Write(p []byte) (int, error) {
	var errs []error
	if o.console != nil {
		if _, err := o.console.Write(p); err != nil {
			errs = append(errs, err)
		}
	}
	if o.file != nil {
		if _, err := o.file.Write(p); err != nil {
			errs = append(errs, fmt.Errorf("log file %s: %w", o.file.Filename, err))
		}
	}
	return len(p), errors.Join(errs...)
}

// Close releases the log file, if any.
func (o *output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}
