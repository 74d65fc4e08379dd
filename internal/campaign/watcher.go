package campaign

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileWatcher watches persistDir for an operator or local tool dropping a
// replacement DecoderManifest.bin or CollectionSchemeList.bin directly onto
// disk, and reloads it into the running Manager. This mirrors cloud-pushed
// IngestManifest/IngestCollectionSchemeList but serves local/dev deployments
// with no MQTT round trip, grounded on the teacher's ingest.FileWatcher
// (fsnotify + per-path debounce).
type FileWatcher struct {
	mgr *Manager
	dir string
	log zerolog.Logger
	now func() int64

	watcher *fsnotify.Watcher
	done    chan struct{}

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
}

func NewFileWatcher(mgr *Manager, persistDir string, now func() int64, log zerolog.Logger) *FileWatcher {
	return &FileWatcher{
		mgr:            mgr,
		dir:            persistDir,
		now:            now,
		log:            log.With().Str("component", "campaign_watcher").Logger(),
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Start begins watching persistDir. Non-fatal: a failure to create the
// fsnotify watcher is logged and leaves hot-reload disabled, since the
// Manager is already fully usable via MQTT-pushed Ingest* calls alone.
func (fw *FileWatcher) Start() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		fw.log.Warn().Err(err).Msg("failed to start manifest file watcher, hot-reload disabled")
		return
	}
	if err := w.Add(fw.dir); err != nil {
		fw.log.Warn().Err(err).Str("dir", fw.dir).Msg("failed to watch persistency directory")
		w.Close()
		return
	}
	fw.watcher = w
	go fw.watchLoop()
}

func (fw *FileWatcher) Stop() {
	if fw.watcher == nil {
		return
	}
	fw.watcher.Close()
	<-fw.done
}

func (fw *FileWatcher) watchLoop() {
	defer close(fw.done)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			switch filepath.Base(event.Name) {
			case manifestFile, schemeListFile:
				fw.scheduleReload(filepath.Base(event.Name))
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("campaign file watcher error")
		}
	}
}

// scheduleReload debounces by 200ms so a burst of Write/Create events for
// the same file only triggers one reload. Events for other names, such as a
// temp file later renamed onto the final name, are already dropped by
// watchLoop.
func (fw *FileWatcher) scheduleReload(name string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if t, ok := fw.debounceTimers[name]; ok {
		t.Reset(200 * time.Millisecond)
		return
	}
	fw.debounceTimers[name] = time.AfterFunc(200*time.Millisecond, func() {
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, name)
		fw.debounceMu.Unlock()
		fw.reload(name)
	})
}

func (fw *FileWatcher) reload(name string) {
	now := fw.now()
	var err error
	switch name {
	case manifestFile:
		err = fw.mgr.ReloadManifestFile(now)
	case schemeListFile:
		err = fw.mgr.ReloadSchemeListFile(now)
	}
	if err != nil {
		fw.log.Warn().Err(err).Str("file", name).Msg("failed to hot-reload campaign file")
		return
	}
	fw.log.Info().Str("file", name).Msg("reloaded campaign file from disk")
}
