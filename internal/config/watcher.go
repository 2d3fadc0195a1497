package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ModelsWatcher reloads the allow-list file whenever it changes on disk and hands
// the parsed table to onChange. Invalid edits are logged and ignored, so the last
// good table stays in effect.
type ModelsWatcher struct {
	watcher       *fsnotify.Watcher
	path          string
	onChange      func([]ProviderModels)
	debounceDelay time.Duration
	debounceTimer *time.Timer
	debounceMu    sync.Mutex
	stopChan      chan struct{}
	stopOnce      sync.Once
}

func WatchAllowedModels(path string, onChange func([]ProviderModels)) (*ModelsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Editors often replace the file, so the directory is watched instead.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	mw := &ModelsWatcher{
		watcher:       watcher,
		path:          filepath.Clean(path),
		onChange:      onChange,
		debounceDelay: 100 * time.Millisecond,
		stopChan:      make(chan struct{}),
	}
	go mw.watchLoop()
	log.Printf("[Models] Watching file: %s", path)
	return mw, nil
}

func (mw *ModelsWatcher) Stop() {
	mw.stopOnce.Do(func() {
		close(mw.stopChan)
		mw.watcher.Close()
	})
}

func (mw *ModelsWatcher) watchLoop() {
	for {
		select {
		case <-mw.stopChan:
			return
		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != mw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mw.debounceMu.Lock()
			if mw.debounceTimer != nil {
				mw.debounceTimer.Stop()
			}
			mw.debounceTimer = time.AfterFunc(mw.debounceDelay, mw.reload)
			mw.debounceMu.Unlock()
		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Models] Watcher error: %v", err)
		}
	}
}

func (mw *ModelsWatcher) reload() {
	table, err := LoadAllowedModels(mw.path)
	if err != nil {
		log.Printf("[Models] Reload failed, keeping previous allow-list: %v", err)
		return
	}
	log.Printf("[Models] Allow-list reloaded: %d providers", len(table))
	mw.onChange(table)
}
