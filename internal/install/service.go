// Package install coordinates downloads, conflict resolution, archive
// merging and patching under one cancellable operation per game target.
package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/bnema/ardysactl/internal/cache"
	"github.com/bnema/ardysactl/internal/conflict"
	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/merger"
	"github.com/bnema/ardysactl/internal/patcher"
	"github.com/bnema/ardysactl/internal/payload"
	"github.com/bnema/ardysactl/internal/target"
	"github.com/bnema/ardysactl/internal/version"
)

// Options wires the collaborators of a Service
type Options struct {
	Cache   *cache.Cache
	Merger  *merger.Merger
	Patcher *patcher.Patcher
	Tracker *version.Tracker

	Conflicts   conflict.Policy
	LoadBearing *conflict.Matcher

	// MinFreeBytes is kept free on the game volume on top of the archive size
	MinFreeBytes uint64
	// BasePackageURL is revalidated by CheckForNewerPackage
	BasePackageURL string
	// CloneOutput receives git progress of git sources. May be nil.
	CloneOutput io.Writer
}

// Service runs operations against targets, at most one per target
type Service struct {
	opts   Options
	log    *log.Logger
	states *StateStore

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// New creates a service
func New(opts Options, logger *log.Logger) *Service {
	if opts.Merger == nil {
		opts.Merger = merger.New(nil, logger)
	}
	if opts.Patcher == nil {
		opts.Patcher = patcher.New(nil, logger)
	}
	if opts.Tracker == nil {
		opts.Tracker = version.NewTracker(logger)
	}
	if opts.Conflicts.Strategy == "" {
		opts.Conflicts.Strategy = conflict.HigherPriority
	}
	return &Service{
		opts:    opts,
		log:     logger,
		states:  NewStateStore(),
		locks:   make(map[string]*sync.Mutex),
		running: make(map[string]context.CancelFunc),
	}
}

// acquire takes the target lock without waiting. The returned context is
// cancelled by Shutdown.
func (s *Service) acquire(ctx context.Context, t *target.Target) (context.Context, func(), error) {
	key := target.Key(t.Root)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, fmt.Errorf("%w: service is shutting down", errs.ErrCancelled)
	}
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	if !lock.TryLock() {
		return nil, nil, fmt.Errorf("%w: %s", errs.ErrBusy, t)
	}

	opCtx, cancel := context.WithCancel(ctx)
	s.running[key] = cancel
	s.wg.Add(1)

	release := func() {
		cancel()
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
		lock.Unlock()
		s.wg.Done()
	}
	return opCtx, release, nil
}

// Running reports whether an operation holds the lock of t
func (s *Service) Running(t *target.Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[target.Key(t.Root)]
	return ok
}

// Shutdown cancels running operations and waits for them until ctx is done
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("operations still running after grace period: %w", ctx.Err())
	}
}

// session is the scratch space of one operation
type session struct {
	id  string
	dir string
}

func newSession(t *target.Target) (*session, error) {
	id := uuid.NewString()
	dir := filepath.Join(t.ScratchDir(), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &session{id: id, dir: dir}, nil
}

func (ss *session) close() {
	_ = os.RemoveAll(ss.dir)
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}
	return nil
}

// Install downloads, merges and patches sources into t
func (s *Service) Install(ctx context.Context, t *target.Target, sources []ContentSource, opts InstallOptions, progress Progress) OperationResult {
	if err := ValidateSources(sources); err != nil {
		return failedResult(err, nil)
	}

	ctx, release, err := s.acquire(ctx, t)
	if err != nil {
		return failedResult(err, nil)
	}
	defer release()

	res := s.install(ctx, t, sources, opts, progress)
	s.record(t, "install", res)
	return res
}

func (s *Service) install(ctx context.Context, t *target.Target, sources []ContentSource, opts InstallOptions, progress Progress) OperationResult {
	progress.emit(Event{Stage: StagePrepare})

	if err := t.CheckWritable(); err != nil {
		return failedResult(err, nil)
	}

	fp := fingerprint(sources, opts.Mode.String())
	st, err := s.states.Load(t)
	if err != nil {
		s.log.Warn("Install state unreadable, treating target as fresh", "error", err)
	}
	if !opts.Force && st.Fingerprint == fp && !st.Disabled {
		if info := s.DetailedStatus(ctx, t); info.Status == Ready {
			s.log.Info("Selection already installed", "target", t)
			return OperationResult{Success: true, Message: "Already up to date"}
		}
	}

	sess, err := newSession(t)
	if err != nil {
		return failedResult(err, nil)
	}
	defer sess.close()
	s.log.Debug("Session started", "id", sess.id, "sources", len(sources), "mode", opts.Mode)

	// Download
	var failed []FailedItem
	var firstErr error
	paths := make(map[string]string, len(sources))
	for i, src := range sources {
		if err := checkpoint(ctx); err != nil {
			return failedResult(err, failed)
		}
		p, err := s.fetch(ctx, sess, src)
		progress.emit(Event{Stage: StageDownload, Current: i + 1, Total: len(sources), Item: src.DisplayName()})
		if err != nil {
			if errs.IsCancelled(err) || errs.IsTargetWide(err) {
				return failedResult(err, failed)
			}
			s.log.Warn("Source download failed", "source", src.ID, "error", err)
			failed = append(failed, failedItem(src.DisplayName(), err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		paths[src.ID] = p
	}
	if len(paths) == 0 {
		return failedResult(fmt.Errorf("no content could be downloaded: %w", firstErr), failed)
	}

	// Resolve
	if err := checkpoint(ctx); err != nil {
		return failedResult(err, failed)
	}
	progress.emit(Event{Stage: StageResolve})
	var selected []ContentSource
	for _, src := range sources {
		if _, ok := paths[src.ID]; ok {
			selected = append(selected, src)
		}
	}
	plan, resolved, err := s.resolve(ctx, st, selected, opts.Mode)
	if err != nil {
		return failedResult(err, failed)
	}

	// Disk space
	need := s.opts.MinFreeBytes
	for _, p := range paths {
		need += sizeOf(p)
	}
	if opts.Mode == merger.AddToCurrent {
		need += sizeOf(t.ArchivePath)
	}
	if err := t.CheckFreeSpace(ctx, need); err != nil {
		return failedResult(err, failed)
	}

	// Merge
	if err := checkpoint(ctx); err != nil {
		return failedResult(err, failed)
	}
	progress.emit(Event{Stage: StageMerge})
	inputs := make([]merger.Input, 0, len(selected))
	for _, src := range selected {
		inputs = append(inputs, merger.Input{ID: src.ID, Priority: src.Priority, Path: paths[src.ID]})
	}
	built, err := s.opts.Merger.Build(ctx, t, inputs, merger.Options{
		Mode:    opts.Mode,
		Allow:   plan.Allow,
		Exclude: plan.Exclude,
	}, sess.dir)
	if built != nil {
		for _, src := range selected {
			if ferr, ok := built.Failed[src.ID]; ok {
				failed = append(failed, failedItem(src.DisplayName(), ferr))
			}
		}
	}
	if err != nil {
		if built != nil {
			built.Discard()
		}
		return failedResult(err, failed)
	}

	if err := checkpoint(ctx); err != nil {
		built.Discard()
		return failedResult(err, failed)
	}

	// Commit
	progress.emit(Event{Stage: StageCommit})
	commit, err := built.Commit()
	if err != nil {
		return failedResult(err, failed)
	}

	// Patch
	progress.emit(Event{Stage: StagePatch})
	if err := s.patchAfterCommit(ctx, t); err != nil {
		if rerr := commit.Rollback(); rerr != nil {
			s.log.Error("Failed to roll back archive", "error", rerr)
		}
		return failedResult(err, failed)
	}
	commit.Finalize()

	installed := installedAfter(st, selected, built, plan, opts.Mode)
	if err := s.states.Update(t, func(state *State) {
		state.Fingerprint = fp
		state.Disabled = false
		state.Installed = installed
	}); err != nil {
		s.log.Warn("Failed to save install state", "error", err)
	}

	progress.emit(Event{Stage: StagePatch, Done: true})

	ok := len(selected) - countFailed(built)
	msg := fmt.Sprintf("Installed %d of %d items", ok, len(sources))
	if len(resolved) > 0 {
		msg += fmt.Sprintf(", resolved %d conflicts", len(resolved))
	}
	s.log.Info("Install complete", "target", t, "entries", built.Entries, "failed", len(failed))
	return OperationResult{Success: true, Message: msg, FailedItems: failed}
}

func countFailed(r *merger.Result) int {
	if r == nil {
		return 0
	}
	return len(r.Failed)
}

func sizeOf(p string) uint64 {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return 0
	}
	return uint64(info.Size())
}

// fetch makes the payload of src available locally
func (s *Service) fetch(ctx context.Context, sess *session, src ContentSource) (string, error) {
	switch {
	case src.LocalPath != "":
		if _, err := os.Stat(src.LocalPath); err != nil {
			return "", fmt.Errorf("%w: %v", errs.ErrPayloadInvalid, err)
		}
		return src.LocalPath, nil

	case src.GitURL != "":
		dest := filepath.Join(sess.dir, "git-"+src.ID)
		if err := payload.Clone(ctx, src.GitURL, dest, s.opts.CloneOutput); err != nil {
			return "", err
		}
		if rev, err := payload.Revision(dest); err == nil {
			s.log.Debug("Cloned source", "source", src.ID, "revision", rev)
		}
		return dest, nil
	}

	if s.opts.Cache == nil {
		return "", fmt.Errorf("%w: no asset cache configured", errs.ErrNetworkUnavailable)
	}
	var lastErr error
	for _, u := range src.URLs {
		p, err := s.opts.Cache.Get(ctx, u)
		if err == nil {
			return p, nil
		}
		if errs.IsCancelled(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// resolve detects and resolves conflicts among selected sources and, when
// adding to the current archive, the sources already installed
func (s *Service) resolve(ctx context.Context, st State, selected []ContentSource, mode merger.Mode) (*conflict.Plan, []conflict.ResolvedClaim, error) {
	var csources []conflict.Source
	present := make(map[string]bool)
	for _, src := range selected {
		csources = append(csources, conflictSource(src, false))
		present[src.ID] = true
	}
	if mode == merger.AddToCurrent {
		for _, in := range st.Installed {
			if present[in.ID] {
				for i := range csources {
					if csources[i].ID == in.ID {
						csources[i].Installed = true
					}
				}
				continue
			}
			csources = append(csources, conflict.Source{
				ID:        in.ID,
				Name:      in.Name,
				Priority:  in.Priority,
				UpdatedAt: in.UpdatedAt,
				Claims:    in.Claims,
				Installed: true,
			})
		}
	}

	found := conflict.Detect(csources, s.opts.LoadBearing)
	if len(found) == 0 {
		return conflict.NewPlan(nil), nil, nil
	}
	for _, c := range found {
		s.log.Info("Conflict detected", "id", c.ID, "severity", c.Severity, "sources", c.Sources)
	}

	resolved, err := conflict.ResolveAll(ctx, found, csources, s.opts.Conflicts)
	if err != nil {
		return nil, nil, err
	}
	for _, r := range resolved {
		s.log.Debug("Conflict resolved", "id", r.ConflictID, "strategy", r.Strategy, "winners", r.Winners)
	}
	return conflict.NewPlan(resolved), resolved, nil
}

// installedAfter computes the installed list once a build is committed
func installedAfter(st State, selected []ContentSource, built *merger.Result, plan *conflict.Plan, mode merger.Mode) []InstalledSource {
	byID := make(map[string]InstalledSource)
	if mode == merger.AddToCurrent {
		for _, in := range st.Installed {
			byID[in.ID] = in
		}
	}
	for _, src := range selected {
		if _, bad := built.Failed[src.ID]; bad || plan.Exclude[src.ID] {
			continue
		}
		byID[src.ID] = InstalledSource{
			ID:        src.ID,
			Name:      src.DisplayName(),
			Priority:  src.Priority,
			UpdatedAt: src.UpdatedAt,
			Claims:    src.Claims,
		}
	}
	for id := range plan.Exclude {
		delete(byID, id)
	}

	out := make([]InstalledSource, 0, len(byID))
	for _, in := range byID {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// patchAfterCommit runs a Full patch and records the version snapshot
func (s *Service) patchAfterCommit(ctx context.Context, t *target.Target) error {
	result, err := s.opts.Patcher.Apply(ctx, t, patcher.Full)
	if err != nil {
		return err
	}
	s.log.Debug("Patch finished", "result", result)
	s.snapshot(t, patcher.Full)
	return nil
}

func (s *Service) snapshot(t *target.Target, mode patcher.Mode) {
	if mode == patcher.Quick {
		if err := s.opts.Tracker.MarkSignatureApplied(t); err != nil {
			s.log.Warn("Failed to record signature state", "error", err)
		}
		return
	}
	info, err := s.opts.Tracker.GetVersionInfo(t)
	if err != nil {
		s.log.Warn("Cannot read game version", "error", err)
		return
	}
	if err := s.opts.Tracker.SaveSnapshot(t, info); err != nil {
		s.log.Warn("Failed to save version snapshot", "error", err)
	}
	if err := s.opts.Tracker.SavePatchedDescriptor(t); err != nil {
		s.log.Warn("Failed to cache version descriptor", "error", err)
	}
}

func (s *Service) record(t *target.Target, op string, res OperationResult) {
	err := s.states.Update(t, func(st *State) {
		st.LastOperation = op
		st.Message = res.Message
		st.ErrorKind = res.ErrorKind
		switch {
		case res.Success:
			st.Outcome = OutcomeCompleted
		case res.Cancelled:
			st.Outcome = OutcomeCancelled
		default:
			st.Outcome = OutcomeFailed
		}
	})
	if err != nil {
		s.log.Warn("Failed to save operation state", "error", err)
	}
}

func (s *Service) recordErr(t *target.Target, op string, err error) {
	if err == nil {
		s.record(t, op, OperationResult{Success: true, Message: op + " completed"})
		return
	}
	if errors.Is(err, errs.ErrBusy) {
		return
	}
	s.record(t, op, failedResult(err, nil))
}

// ManualInstall installs a user supplied archive file after validating it
func (s *Service) ManualInstall(ctx context.Context, t *target.Target, archivePath string, progress Progress) (ok bool, err error) {
	if valid, reason := merger.Validate(archivePath); !valid {
		return false, fmt.Errorf("%w: %s", errs.ErrArchiveCorrupt, reason)
	}

	ctx, release, err := s.acquire(ctx, t)
	if err != nil {
		return false, err
	}
	defer release()
	defer func() { s.recordErr(t, "manual-install", err) }()

	progress.emit(Event{Stage: StagePrepare})
	if err := t.CheckWritable(); err != nil {
		return false, err
	}
	if err := t.CheckFreeSpace(ctx, sizeOf(archivePath)+s.opts.MinFreeBytes); err != nil {
		return false, err
	}
	if err := checkpoint(ctx); err != nil {
		return false, err
	}

	progress.emit(Event{Stage: StageCommit})
	staged, err := s.opts.Merger.Stage(t, archivePath)
	if err != nil {
		return false, err
	}
	if err := checkpoint(ctx); err != nil {
		staged.Discard()
		return false, err
	}
	commit, err := staged.Commit()
	if err != nil {
		return false, err
	}

	progress.emit(Event{Stage: StagePatch})
	if err := s.patchAfterCommit(ctx, t); err != nil {
		if rerr := commit.Rollback(); rerr != nil {
			s.log.Error("Failed to roll back archive", "error", rerr)
		}
		return false, err
	}
	commit.Finalize()

	src := LocalSource(archivePath)
	if err := s.states.Update(t, func(st *State) {
		st.Disabled = false
		st.Fingerprint = ""
		st.Installed = []InstalledSource{{ID: src.ID, Name: src.Name, UpdatedAt: src.UpdatedAt}}
	}); err != nil {
		s.log.Warn("Failed to save install state", "error", err)
	}
	progress.emit(Event{Stage: StagePatch, Done: true})
	s.log.Info("Manual install complete", "archive", archivePath, "target", t)
	return true, nil
}

// Disable reverts the game patches and removes the merged archive
func (s *Service) Disable(ctx context.Context, t *target.Target) (ok bool, err error) {
	ctx, release, err := s.acquire(ctx, t)
	if err != nil {
		return false, err
	}
	defer release()
	defer func() { s.recordErr(t, "disable", err) }()

	if err := t.CheckWritable(); err != nil {
		return false, err
	}
	if err := checkpoint(ctx); err != nil {
		return false, err
	}
	// Once the game files are reverted the archive must go too, so nothing
	// past this point observes cancellation
	if _, err := s.opts.Patcher.Revert(ctx, t); err != nil {
		return false, err
	}

	if err := os.Remove(t.ArchivePath); err != nil && !os.IsNotExist(err) {
		if os.IsPermission(err) {
			return false, fmt.Errorf("%w: %v", errs.ErrPermissionDenied, err)
		}
		return false, fmt.Errorf("failed to remove archive: %w", err)
	}

	if err := s.states.Update(t, func(st *State) {
		st.Disabled = true
		st.Fingerprint = ""
		st.Installed = nil
	}); err != nil {
		return false, err
	}
	s.log.Info("Mods disabled", "target", t)
	return true, nil
}

// Restore copies the newest backup of every patched file back into place
func (s *Service) Restore(ctx context.Context, t *target.Target) (restored []string, err error) {
	ctx, release, err := s.acquire(ctx, t)
	if err != nil {
		return nil, err
	}
	defer release()
	defer func() { s.recordErr(t, "restore", err) }()

	if err := t.CheckWritable(); err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	restored, err = s.opts.Patcher.RestoreBackups(t)
	if err != nil {
		return nil, err
	}
	s.log.Info("Backups restored", "target", t, "files", len(restored))
	return restored, nil
}

// Patch applies the game patches in mode
func (s *Service) Patch(ctx context.Context, t *target.Target, mode patcher.Mode, progress Progress) (result patcher.Result, err error) {
	ctx, release, err := s.acquire(ctx, t)
	if err != nil {
		return patcher.Failed, err
	}
	defer release()
	defer func() { s.recordErr(t, "patch", err) }()

	if err := t.CheckWritable(); err != nil {
		return patcher.Failed, err
	}
	progress.emit(Event{Stage: StagePatch})

	result, err = s.opts.Patcher.Apply(ctx, t, mode)
	if err != nil {
		return result, err
	}
	if result == patcher.Success || (result == patcher.AlreadyPatched && mode == patcher.Full) {
		s.snapshot(t, mode)
	}
	if err := s.states.Update(t, func(st *State) { st.Disabled = false }); err != nil {
		s.log.Warn("Failed to save patch state", "error", err)
	}
	progress.emit(Event{Stage: StagePatch, Done: true})
	return result, nil
}

// CheckForNewerPackage revalidates the base package against the server
func (s *Service) CheckForNewerPackage(ctx context.Context, t *target.Target) (hasNewer, hasLocal bool, err error) {
	hasLocal = t.HasArchive()
	if s.opts.Cache == nil || s.opts.BasePackageURL == "" {
		return false, hasLocal, nil
	}

	fresh, err := s.opts.Cache.Check(ctx, s.opts.BasePackageURL)
	if err != nil {
		return false, hasLocal, err
	}
	switch fresh {
	case cache.Missing:
		hasNewer = true
	case cache.Stale:
		hasNewer = true
	}
	s.log.Debug("Base package checked", "freshness", fresh, "local", hasLocal)
	return hasNewer, hasLocal, nil
}

// IsRequiredFilePresent reports whether the merged archive is installed
func (s *Service) IsRequiredFilePresent(t *target.Target) bool {
	return t.HasArchive()
}
