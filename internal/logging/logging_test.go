package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDailyFileWriterCreatesExpectedFilename(t *testing.T) {
	dir := t.TempDir()
	w, err := newDailyFileWriter(dir)
	require.NoError(t, err)
	w.nowFunc = func() time.Time { return time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC) }
	require.NoError(t, w.rollIfNeeded())

	_, err = w.Write([]byte("[05/03/2024 10:00:00] hello\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, "05-03-2024.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestDailyFileWriterRollsOverOnDateChange(t *testing.T) {
	dir := t.TempDir()
	w, err := newDailyFileWriter(dir)
	require.NoError(t, err)

	day1 := time.Date(2024, 3, 5, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)
	w.nowFunc = func() time.Time { return day1 }
	_, err = w.Write([]byte("day one\n"))
	require.NoError(t, err)

	w.nowFunc = func() time.Time { return day2 }
	_, err = w.Write([]byte("day two\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(dir, "05-03-2024.log"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "06-03-2024.log"))
	require.NoError(t, err)
}

func TestNewUsesOctalPermissions(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "log")
	l, err := New(logDir)
	require.NoError(t, err)
	l.Emit("hello world")
	require.NoError(t, l.Close())

	info, err := os.Stat(logDir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}
