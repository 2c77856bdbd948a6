package svinit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSinkSplitsLines(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	stdout, stderr, err := LogSink{Logger: zap.New(core)}.Open("web")
	require.NoError(t, err)

	_, _ = stdout.Write([]byte("hello\nwor"))
	_, _ = stdout.Write([]byte("ld\r\npartial"))
	_, _ = stderr.Write([]byte("oops\n"))
	require.NoError(t, stdout.Close())
	require.NoError(t, stderr.Close())

	var lines []string
	for _, e := range logs.AllUntimed() {
		lines = append(lines, e.Message)
	}
	assert.Equal(t, []string{"hello", "world", "oops", "partial"}, lines)

	errLines := logs.FilterField(zap.String("stream", "stderr")).All()
	require.Len(t, errLines, 1)
	assert.Equal(t, "oops", errLines[0].Message)
	assert.Equal(t, 4, logs.FilterField(zap.String("service", "web")).Len())
}

func TestLogSinkFlushesLongLines(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := newLineWriter(zap.New(core))

	long := strings.Repeat("x", maxLine)
	_, _ = w.Write([]byte(long))
	assert.Equal(t, 1, logs.Len())
	require.NoError(t, w.Close())
	assert.Equal(t, 1, logs.Len())
}

func TestDirSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	sink := DirSink{Dir: dir}

	for i := 0; i < 2; i++ {
		stdout, stderr, err := sink.Open("db")
		require.NoError(t, err)
		_, _ = stdout.Write([]byte("out\n"))
		_, _ = stderr.Write([]byte("err\n"))
		_ = stdout.Close()
		_ = stderr.Close()
	}

	data, err := os.ReadFile(filepath.Join(dir, "db.log"))
	require.NoError(t, err)
	assert.Equal(t, "out\nerr\nout\nerr\n", string(data))
}
