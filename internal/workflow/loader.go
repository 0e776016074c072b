package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/mfields/calder/internal/log"
)

// Decode parses a workflow definition. JSON is the canonical editor format;
// YAML is accepted for hand-authored workflows.
func Decode(data []byte, format string) (*Workflow, error) {
	var wf Workflow
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("decoding workflow yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("decoding workflow json: %w", err)
		}
	}
	if err := wf.Build(); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}
	return &wf, nil
}

// Loader reads workflow files with a short-lived parse cache. The cache is
// invalidated by the file watcher, so repeated hotkey runs of the same
// workflow skip re-parsing while edits are picked up immediately.
type Loader struct {
	cache   *gocache.Cache
	watcher *fsnotify.Watcher
	done    chan struct{}
}

const (
	cacheTTL     = 5 * time.Minute
	cacheCleanup = 10 * time.Minute
)

// NewLoader creates a Loader. The watcher is optional; loading still works
// when the platform has no fsnotify support.
func NewLoader() *Loader {
	l := &Loader{
		cache: gocache.New(cacheTTL, cacheCleanup),
		done:  make(chan struct{}),
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn(log.CatWatch, "file watcher unavailable", "error", err)
		return l
	}
	l.watcher = w
	log.SafeGo("workflow.loader.watch", l.watchLoop)
	return l
}

// Load reads, decodes, and indexes the workflow at path.
func (l *Loader) Load(path string) (*Workflow, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	if cached, ok := l.cache.Get(abs); ok {
		return cached.(*Workflow), nil
	}

	data, err := os.ReadFile(abs) //nolint:gosec // G304: operator-supplied workflow path
	if err != nil {
		return nil, fmt.Errorf("reading workflow: %w", err)
	}

	format := strings.TrimPrefix(filepath.Ext(abs), ".")
	wf, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	if wf.ID == "" {
		wf.ID = abs
	}

	l.cache.Set(abs, wf, gocache.DefaultExpiration)
	if l.watcher != nil {
		if err := l.watcher.Add(abs); err != nil {
			log.Debug(log.CatWatch, "watch add failed", "path", abs, "error", err)
		}
	}
	return wf, nil
}

// watchLoop drops cache entries for files that changed on disk.
func (l *Loader) watchLoop() {
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				log.Debug(log.CatWatch, "workflow changed, invalidating cache", "path", ev.Name)
				l.cache.Delete(ev.Name)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Debug(log.CatWatch, "watcher error", "error", err)
		}
	}
}

// Close stops the watcher goroutine.
func (l *Loader) Close() {
	close(l.done)
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
}
