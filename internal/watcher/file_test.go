package watcher

import (
	"context"
	"os"
	"path"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createDummyFile(t *testing.T, base string) string {
	t.Helper()

	path := path.Join(base, "dummy.exe")
	err := os.WriteFile(path, []byte("foo_bar"), 0644)
	require.NoError(t, err)

	return path
}

// touch rewrites the file and moves its modification time forward so a
// polling watcher always sees the change
func touch(t *testing.T, path string, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
}

func signal(ch chan struct{}) func() {
	return func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func TestWrite(t *testing.T) {
	basePath := t.TempDir()
	filePath := createDummyFile(t, basePath)

	listener := NewFile(logrus.New(), 10*time.Millisecond)

	done := make(chan struct{}, 1)

	require.NoError(t, listener.HandleFunc(filePath, signal(done)))

	go listener.Run()
	listener.watcher.Wait()

	touch(t, filePath, "updated")

	select {
	case <-time.After(time.Second):
		t.Error("Timed out")
	case <-done:
	}

	assert.NoError(t, listener.Stop(context.Background()))
}

func TestReplacedByRename(t *testing.T) {
	basePath := t.TempDir()
	filePath := createDummyFile(t, basePath)

	listener := NewFile(logrus.New(), 10*time.Millisecond)

	done := make(chan struct{}, 1)

	require.NoError(t, listener.HandleFunc(filePath, signal(done)))

	go listener.Run()
	listener.watcher.Wait()

	tmp := path.Join(basePath, "dummy.tmp")
	touch(t, tmp, "replacement")
	require.NoError(t, os.Rename(tmp, filePath))

	select {
	case <-time.After(time.Second):
		t.Error("Timed out")
	case <-done:
	}

	assert.NoError(t, listener.Stop(context.Background()))
}

func TestSiblingIgnored(t *testing.T) {
	basePath := t.TempDir()
	filePath := createDummyFile(t, basePath)

	listener := NewFile(logrus.New(), 10*time.Millisecond)

	called := make(chan struct{}, 1)

	require.NoError(t, listener.HandleFunc(filePath, signal(called)))

	go listener.Run()
	listener.watcher.Wait()

	touch(t, path.Join(basePath, "other.exe"), "other")

	<-time.After(200 * time.Millisecond)

	assert.Len(t, called, 0)
	assert.NoError(t, listener.Stop(context.Background()))
}

func TestMultipleWatchersForSameFile(t *testing.T) {
	basePath := t.TempDir()
	filePath := createDummyFile(t, basePath)

	listener := NewFile(logrus.New(), 10*time.Millisecond)

	one := make(chan struct{}, 1)
	two := make(chan struct{}, 1)

	require.NoError(t, listener.HandleFunc(filePath, signal(one)))
	require.NoError(t, listener.HandleFunc(filePath, signal(two)))

	go listener.Run()
	listener.watcher.Wait()

	touch(t, filePath, "updated")

	select {
	case <-time.After(time.Second):
		t.Error("timeout")
	case <-one:
	}

	select {
	case <-time.After(time.Second):
		t.Error("timeout")
	case <-two:
	}

	assert.NoError(t, listener.Stop(context.Background()))
}

func TestWatchDirectoryReturnsError(t *testing.T) {
	listener := NewFile(logrus.New(), 10*time.Millisecond)

	err := listener.HandleFunc(t.TempDir(), func() {})

	assert.ErrorIs(t, err, ErrIsDirectory)
}

func TestWatchMissingFileReturnsError(t *testing.T) {
	listener := NewFile(logrus.New(), 10*time.Millisecond)

	err := listener.HandleFunc(path.Join(t.TempDir(), "missing.exe"), func() {})

	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStopBeforeRun(t *testing.T) {
	listener := NewFile(logrus.New(), 10*time.Millisecond)

	assert.NoError(t, listener.Stop(context.Background()))
	assert.ErrorIs(t, listener.Stop(context.Background()), ErrAlreadyClosed)
	assert.ErrorIs(t, listener.Run(), ErrAlreadyClosed)
}

func TestRunReturnsAfterStop(t *testing.T) {
	listener := NewFile(logrus.New(), 10*time.Millisecond)

	returned := make(chan error, 1)
	go func() {
		returned <- listener.Run()
	}()

	<-time.After(50 * time.Millisecond)
	require.NoError(t, listener.Stop(context.Background()))

	select {
	case err := <-returned:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Error("Run did not return")
	}
}
