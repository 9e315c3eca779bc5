// Package watcher raises an event when a game update makes a target's patch
// stale.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/bnema/ardysactl/internal/target"
)

// Checker evaluates whether a target needs to be patched again
type Checker interface {
	NeedsRepatch(ctx context.Context, t *target.Target) (stale bool, reason string)
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context, t *target.Target) (bool, string)

func (f CheckerFunc) NeedsRepatch(ctx context.Context, t *target.Target) (bool, string) {
	return f(ctx, t)
}

// Event is published when a target goes from patched to stale
type Event struct {
	Target *target.Target `json:"-"`
	Root   string         `json:"root"`
	Reason string         `json:"reason"`
	At     time.Time      `json:"at"`
}

// Options control a Watcher
type Options struct {
	// Debounce coalesces bursts of file events per target
	Debounce time.Duration
	// PollInterval re-evaluates every target when no file event arrives.
	// Zero disables polling.
	PollInterval time.Duration
	// Buffer is the capacity of the Events channel
	Buffer int
}

type watched struct {
	t     *target.Target
	files map[string]bool
	stale bool
	timer *time.Timer
}

// Watcher watches the patched files of registered targets
type Watcher struct {
	checker Checker
	opts    Options
	log     *log.Logger
	fsw     *fsnotify.Watcher

	mu      sync.Mutex
	targets map[string]*watched
	dirs    map[string]int

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts a watcher. Without fsnotify support it falls back to polling.
func New(checker Checker, opts Options, logger *log.Logger) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		checker: checker,
		opts:    opts,
		log:     logger,
		targets: make(map[string]*watched),
		dirs:    make(map[string]int),
		events:  make(chan Event, opts.Buffer),
		ctx:     ctx,
		cancel:  cancel,
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("File notifications unavailable, polling only", "error", err)
		if opts.PollInterval <= 0 {
			w.opts.PollInterval = time.Minute
		}
	} else {
		w.fsw = fsw
		w.wg.Add(1)
		go w.loop()
	}

	if w.opts.PollInterval > 0 {
		w.wg.Add(1)
		go w.poll()
	}
	return w
}

// Events returns the channel events are published on. It is closed by Close.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func watchedFiles(t *target.Target) []string {
	return []string{t.SignaturesPath, t.GameInfoPath, t.VersionDescriptorPath}
}

// Watch registers t. Watching a target twice is a no-op.
func (w *Watcher) Watch(t *target.Target) error {
	key := target.Key(t.Root)

	w.mu.Lock()
	if _, ok := w.targets[key]; ok {
		w.mu.Unlock()
		return nil
	}
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return context.Canceled
	}

	wt := &watched{t: t, files: make(map[string]bool)}
	for _, f := range watchedFiles(t) {
		f = filepath.Clean(f)
		wt.files[f] = true
		dir := filepath.Dir(f)
		if w.fsw != nil && w.dirs[dir] == 0 {
			if err := w.fsw.Add(dir); err != nil {
				w.log.Warn("Cannot watch directory", "dir", dir, "error", err)
			}
		}
		w.dirs[dir]++
	}
	w.targets[key] = wt
	w.mu.Unlock()

	// Baseline: a target that is already stale only fires after it was fresh once
	stale, _ := w.checker.NeedsRepatch(w.ctx, t)
	w.mu.Lock()
	wt.stale = stale
	w.mu.Unlock()

	w.log.Debug("Watching target", "target", t, "stale", stale)
	return nil
}

// Unwatch removes t
func (w *Watcher) Unwatch(t *target.Target) {
	key := target.Key(t.Root)

	w.mu.Lock()
	defer w.mu.Unlock()
	wt, ok := w.targets[key]
	if !ok {
		return
	}
	if wt.timer != nil {
		wt.timer.Stop()
	}
	delete(w.targets, key)

	for f := range wt.files {
		dir := filepath.Dir(f)
		w.dirs[dir]--
		if w.dirs[dir] <= 0 {
			delete(w.dirs, dir)
			if w.fsw != nil {
				_ = w.fsw.Remove(dir)
			}
		}
	}
}

// Trigger evaluates t now
func (w *Watcher) Trigger(t *target.Target) {
	w.evaluate(target.Key(t.Root))
}

// Close stops watching and closes Events
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		w.cancel()
		w.mu.Lock()
		for _, wt := range w.targets {
			if wt.timer != nil {
				wt.timer.Stop()
			}
		}
		w.mu.Unlock()
		if w.fsw != nil {
			err = w.fsw.Close()
		}
		w.wg.Wait()

		w.mu.Lock()
		close(w.events)
		w.targets = make(map[string]*watched)
		w.mu.Unlock()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			w.handle(filepath.Clean(ev.Name))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("File watcher error", "error", err)
		case <-w.ctx.Done():
			return
		}
	}
}

// handle schedules a debounced evaluation of every target owning name
func (w *Watcher) handle(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key, wt := range w.targets {
		if !wt.files[name] {
			continue
		}
		if wt.timer != nil {
			wt.timer.Reset(w.opts.Debounce)
			continue
		}
		wt.timer = time.AfterFunc(w.opts.Debounce, func() {
			w.mu.Lock()
			if cur, ok := w.targets[key]; ok {
				cur.timer = nil
			}
			w.mu.Unlock()
			w.evaluate(key)
		})
	}
}

func (w *Watcher) poll() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			keys := make([]string, 0, len(w.targets))
			for k := range w.targets {
				keys = append(keys, k)
			}
			w.mu.Unlock()
			for _, k := range keys {
				w.evaluate(k)
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// evaluate publishes an event when the target went from fresh to stale
func (w *Watcher) evaluate(key string) {
	if w.ctx.Err() != nil {
		return
	}
	w.mu.Lock()
	wt, ok := w.targets[key]
	w.mu.Unlock()
	if !ok {
		return
	}

	stale, reason := w.checker.NeedsRepatch(w.ctx, wt.t)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.targets[key]; !ok || w.ctx.Err() != nil {
		return
	}
	was := wt.stale
	wt.stale = stale
	if !stale || was {
		return
	}

	ev := Event{Target: wt.t, Root: wt.t.Root, Reason: reason, At: time.Now().UTC()}
	select {
	case w.events <- ev:
		w.log.Info("Patch went stale", "target", wt.t, "reason", reason)
	default:
		w.log.Warn("Dropping watcher event, channel full", "target", wt.t)
	}
}
