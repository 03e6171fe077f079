package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatterPattern(t *testing.T) {
	f := &formatter{pattern: "%time [%level] %msg %field", time: "15:04:05"}
	entry := &logrus.Entry{
		Time:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "pool exhausted",
		Data:    logrus.Fields{"size": 8, "pool": "frames"},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "03:04:05 [WARNING] pool exhausted pool=frames,size=8", string(out))
}

func TestFormatterWithoutCaller(t *testing.T) {
	f := &formatter{pattern: "%caller %func", time: DefaultTime}
	out, err := f.Format(&logrus.Entry{Data: logrus.Fields{}})
	require.NoError(t, err)
	assert.Equal(t, "- -", string(out))
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithOutput(&LoggerConfig{Level: "debug", Pattern: "%level %msg %field\n"}, &buf)
	require.NoError(t, err)

	assert.True(t, l.IsDebugEnabled())
	assert.False(t, l.IsTraceEnabled())

	l.Trace("hidden")
	l.WithField("stream", "10.0.0.1:80").WithError(errors.New("boom")).Debugf("flushed %d bytes", 42)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "DEBUG flushed 42 bytes")
	assert.Contains(t, out, "error=boom,stream=10.0.0.1:80")
}

func TestLoggerInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithOutput(&LoggerConfig{Level: "loud"}, &buf)
	require.NoError(t, err)
	assert.True(t, l.IsInfoEnabled())
	assert.False(t, l.IsDebugEnabled())
}

func TestNewWithFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pcapkit.log")
	l, err := New(&LoggerConfig{
		Level:   "info",
		Pattern: "%msg\n",
		File:    FileConfig{Enabled: true, Filename: path, MaxSize: 1},
	})
	require.NoError(t, err)

	l.Info("written to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "written to file"))
}

func TestNewFileAppenderRequiresFilename(t *testing.T) {
	_, err := New(&LoggerConfig{File: FileConfig{Enabled: true}})
	assert.Error(t, err)
}

func TestGetLoggerBeforeInit(t *testing.T) {
	assert.NotNil(t, GetLogger())
	assert.Equal(t, GetLogger(), OrDefault(nil))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("console gone") }

func TestOutputKeepsFileWhenConsoleFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pcapkit.log")
	out, err := newOutput(failingWriter{}, FileConfig{Enabled: true, Filename: path})
	require.NoError(t, err)

	n, err := out.Write([]byte("frame\n"))
	assert.Equal(t, 6, n)
	assert.ErrorContains(t, err, "console gone")
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "frame\n", string(data))
}

func TestFileConfigValidate(t *testing.T) {
	assert.NoError(t, FileConfig{}.Validate())
	assert.Error(t, FileConfig{Enabled: true, Filename: "x.log", MaxAge: -1}.Validate())
}

func TestCloseWithoutFile(t *testing.T) {
	assert.NoError(t, Close())
}
