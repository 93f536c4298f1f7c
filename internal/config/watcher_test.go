package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherSignalsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.config")
	if err := os.WriteFile(path, []byte("targetServer=https://x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	err := StartWatcher(ctx, path, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	// Give the watch a moment to attach before the write.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("targetServer=https://y\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("change was never signalled")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.config")
	if err := os.WriteFile(path, []byte("targetServer=https://x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	if err := StartWatcher(ctx, path, func() { changed <- struct{}{} }); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
		t.Fatal("unrelated file should not trigger the watcher")
	case <-time.After(500 * time.Millisecond):
	}
}
