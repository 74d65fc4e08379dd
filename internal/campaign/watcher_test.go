package campaign

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFileWatcherReloadsManifestWrittenDirectlyToDisk(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir, zerolog.Nop())
	now := func() int64 { return 1000 }

	fw := NewFileWatcher(mgr, dir, now, zerolog.Nop())
	fw.Start()
	defer fw.Stop()

	if mgr.ActiveManifest() != nil {
		t.Fatal("expected no active manifest before any file is written")
	}

	// Simulate an operator dropping a replacement manifest directly at the
	// canonical path, bypassing IngestManifest/MQTT entirely.
	if err := mgr.writeManifest(simpleManifest("m1")); err != nil {
		t.Fatalf("writeManifest: %v", err)
	}

	deadline := time.After(time.Second)
	for mgr.ActiveManifest() == nil {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the watcher to hot-reload the manifest")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if mgr.ActiveManifest().ManifestID != "m1" {
		t.Fatalf("ManifestID = %q, want m1", mgr.ActiveManifest().ManifestID)
	}
}

func TestFileWatcherReloadsSchemeListWrittenDirectlyToDisk(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir, zerolog.Nop())
	mgr.IngestManifest(simpleManifest("m1"), 1000)

	fw := NewFileWatcher(mgr, dir, func() int64 { return 1000 }, zerolog.Nop())
	fw.Start()
	defer fw.Stop()

	c := alwaysTrueCampaign("c1", "m1", 1, 0, 100000)
	if err := mgr.writeSchemeList([]*Campaign{c}); err != nil {
		t.Fatalf("writeSchemeList: %v", err)
	}

	deadline := time.After(time.Second)
	for len(mgr.AllCampaigns()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the watcher to hot-reload the scheme list")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFileWatcherStartIsNoopOnMissingDirectory(t *testing.T) {
	mgr := NewManager(t.TempDir(), zerolog.Nop())
	fw := NewFileWatcher(mgr, "/nonexistent/path/for/sure", func() int64 { return 0 }, zerolog.Nop())
	fw.Start() // must not panic; watcher stays nil since Add fails
	fw.Stop()  // must not block when watcher was never started
}
