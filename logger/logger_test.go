package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		entries = append(entries, m)
	}
	return entries
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Service: "relay", Level: zerolog.InfoLevel, Output: &buf})
	require.NoError(t, err)

	t.Run("writes service and fields", func(t *testing.T) {
		buf.Reset()
		log.Info("session opened", Field{Key: "session_id", Value: "abc"})

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 1)
		assert.Equal(t, "relay", entries[0]["service"])
		assert.Equal(t, "abc", entries[0]["session_id"])
		assert.Equal(t, "session opened", entries[0]["message"])
		assert.Equal(t, "info", entries[0]["level"])
	})

	t.Run("filters below level", func(t *testing.T) {
		buf.Reset()
		log.Debug("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("error values are rendered as strings", func(t *testing.T) {
		buf.Reset()
		log.Error("failed", Err(errors.New("boom")))

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 1)
		assert.Equal(t, "boom", entries[0]["error"])
	})

	t.Run("With attaches fields without changing parent", func(t *testing.T) {
		buf.Reset()
		child := log.With(Field{Key: "remote_addr", Value: "127.0.0.1:1"})
		child.Warn("child")
		log.Warn("parent")

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 2)
		assert.Equal(t, "127.0.0.1:1", entries[0]["remote_addr"])
		assert.NotContains(t, entries[1], "remote_addr")
		assert.NoError(t, child.Close())
	})
}

func TestNew_ConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Service: "relay", Level: zerolog.InfoLevel, Format: FormatConsole, Output: &buf})
	require.NoError(t, err)

	log.Info("hello", Field{Key: "k", Value: "v"})
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestNew_WithDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	log, err := New(Options{Service: "relay", Level: zerolog.InfoLevel, Dir: dir, Output: &buf})
	require.NoError(t, err)

	log.Info("to file")
	require.NoError(t, log.Close())
	require.NoError(t, log.Close(), "second close is a no-op")

	name := filepath.Join(dir, "relay_"+time.Now().Format(dateLayout)+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.Contains(t, buf.String(), "to file")
}

func TestNewNopLogger(t *testing.T) {
	log := NewNopLogger()
	require.NotNil(t, log)
	log.Info("nothing")
	log.With(Field{Key: "a", Value: 1}).Error("nothing")
	assert.NoError(t, log.Close())
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
	}
	for name, want := range cases {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestDailyFileWriter_Rotation(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	current := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	w, err := newDailyFileWriter("svc", dir, now)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("first\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "svc_2026-01-01.log"), w.CurrentLogFile())

	mu.Lock()
	current = current.Add(2 * time.Minute)
	mu.Unlock()

	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "svc_2026-01-02.log"), w.CurrentLogFile())

	first, err := os.ReadFile(filepath.Join(dir, "svc_2026-01-01.log"))
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(first))

	second, err := os.ReadFile(filepath.Join(dir, "svc_2026-01-02.log"))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(second))
}

func TestDailyFileWriter_WriteAfterClose(t *testing.T) {
	w, err := NewDailyFileWriter("svc", t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Empty(t, w.CurrentLogFile())
}
