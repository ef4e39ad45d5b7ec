package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSTriggerReportsWatchedFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "doc.md"), []byte("a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	trigger, err := newFSTrigger(root, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("new trigger: %v", err)
	}
	defer trigger.close()
	trigger.sync([]string{"doc.md"})

	if err := os.WriteFile(filepath.Join(root, "other.md"), []byte("b"), 0o644); err != nil {
		t.Fatalf("write other: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "doc.md"), []byte("c"), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}

	select {
	case path := <-trigger.Events():
		if path != "doc.md" {
			t.Fatalf("expected doc.md, got %q", path)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for trigger")
	}
}

func TestFSTriggerSyncRemovesDirectories(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "a"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	trigger, err := newFSTrigger(root, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("new trigger: %v", err)
	}
	defer trigger.close()

	trigger.sync([]string{"a/doc.md", "top.md"})
	if got := len(trigger.dirs); got != 2 {
		t.Fatalf("expected 2 watched dirs, got %d", got)
	}
	trigger.sync([]string{"top.md"})
	if got := len(trigger.dirs); got != 1 {
		t.Fatalf("expected 1 watched dir, got %d", got)
	}
	trigger.sync([]string{"missing/doc.md"})
	if got := len(trigger.dirs); got != 0 {
		t.Fatalf("expected missing dir to be skipped, got %d", got)
	}
}
