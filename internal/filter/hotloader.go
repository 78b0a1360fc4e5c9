// CRC: crc-FilterHotLoader.md
package filter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReadFile loads a filter expression from path and checks that it compiles.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	expr := strings.TrimSpace(string(data))
	pred, err := Compile(expr)
	if err != nil {
		return "", err
	}
	pred.Close()
	return expr, nil
}

// HotLoader watches a filter file and reports every new expression that
// compiles. Invalid edits are logged and the previous expression stays.
type HotLoader struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(expr string)
	logger   *zap.Logger

	// Debouncing
	mu            sync.Mutex
	pendingSince  time.Time
	debounceDelay time.Duration
	last          string

	done chan struct{}
	wg   sync.WaitGroup
}

// NewHotLoader reads the initial expression from path. onChange runs on the
// loader's goroutine.
func NewHotLoader(path string, logger *zap.Logger, onChange func(expr string)) (*HotLoader, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	expr, err := ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("filter: %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HotLoader{
		path:          abs,
		watcher:       watcher,
		onChange:      onChange,
		logger:        logger.Named("filter").With(zap.String("file", abs)),
		debounceDelay: 100 * time.Millisecond,
		last:          expr,
		done:          make(chan struct{}),
	}, nil
}

// Expr returns the last expression loaded.
func (h *HotLoader) Expr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// SetDebounce sets how long the file must be quiet before it is reloaded.
func (h *HotLoader) SetDebounce(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.debounceDelay = d
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file on save are still seen.
func (h *HotLoader) Start() error {
	if err := h.watcher.Add(filepath.Dir(h.path)); err != nil {
		return err
	}
	h.wg.Add(2)
	go h.eventLoop()
	go h.debounceLoop()
	h.logger.Debug("watching filter file")
	return nil
}

// Stop stops watching and waits for the loader goroutines to exit.
func (h *HotLoader) Stop() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	close(h.done)
	err := h.watcher.Close()
	h.wg.Wait()
	return err
}

func (h *HotLoader) eventLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.handleEvent(event)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (h *HotLoader) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != h.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	h.mu.Lock()
	h.pendingSince = time.Now()
	h.mu.Unlock()
}

func (h *HotLoader) debounceLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.processPending()
		}
	}
}

func (h *HotLoader) processPending() {
	h.mu.Lock()
	if h.pendingSince.IsZero() || time.Since(h.pendingSince) < h.debounceDelay {
		h.mu.Unlock()
		return
	}
	h.pendingSince = time.Time{}
	h.mu.Unlock()

	expr, err := ReadFile(h.path)
	if err != nil {
		h.logger.Warn("filter not reloaded", zap.Error(err))
		return
	}
	h.mu.Lock()
	changed := expr != h.last
	h.last = expr
	h.mu.Unlock()
	if changed {
		h.logger.Info("filter reloaded", zap.String("filter", expr))
		h.onChange(expr)
	}
}
