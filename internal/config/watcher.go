package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file whenever it changes on disk.
//
// The parent directory is watched rather than the file itself so that
// editors which save by renaming a temp file over the original are seen.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *log.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher for path. onChange receives every config that
// loads and validates; files that fail either are logged and ignored.
func NewWatcher(path string, onChange func(*Config), logger *log.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	if onChange == nil {
		return nil, fmt.Errorf("onChange cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		logger:   logger,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop stops watching and waits for the event loop to exit. Safe to call twice.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("WARNING: config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(nil, w.path)
	if err != nil {
		w.logger.Printf("WARNING: ignoring config change: %v", err)
		return
	}
	w.logger.Printf("Config reloaded from %s", w.path)
	w.onChange(cfg)
}
