package engine

import (
	"context"
	"errors"
	"time"

	"github.com/steveyegge/foldersync/internal/announce"
	"github.com/steveyegge/foldersync/internal/diskspace"
	"github.com/steveyegge/foldersync/internal/metadata"
	"github.com/steveyegge/foldersync/internal/vcs"
)

// startup loads history and pushes anything left over from the last run.
// The first poll tick after startup checks the remote.
func (e *Engine) startup(ctx, work context.Context) {
	e.refreshChangeSets(work)

	e.mu.Lock()
	e.nextPoll = time.Now()
	e.mu.Unlock()

	if e.announcer != nil && !e.announcer.IsConnected() && !e.announcer.IsConnecting() {
		e.announcer.Connect()
	}

	if e.HasUnsyncedChanges() || e.hasLocalChanges(work) {
		e.logger.Info("syncing changes made while offline")
		e.syncUpLoop(ctx, work)
	}
}

// ===================
// Settle
// ===================

func (e *Engine) startBuffering() {
	e.window = e.window[:0]

	e.mu.Lock()
	e.buffering = true
	e.mu.Unlock()

	e.logger.Debug("activity detected")
	e.emit(Event{Type: EventChangesDetected})
}

// sample records the tree size and reports whether the window is settled:
// the last SettleSamples samples are all equal.
func (e *Engine) sample() bool {
	size, err := e.opts.Sizer()
	if err != nil {
		e.logger.Debug("failed to measure tree", "error", err)
		size = -1
	}

	e.window = append(e.window, size)
	if n := len(e.window) - e.opts.SettleSamples; n > 0 {
		e.window = e.window[n:]
	}
	if len(e.window) < e.opts.SettleSamples {
		return false
	}
	for _, s := range e.window[1:] {
		if s != e.window[0] {
			return false
		}
	}
	return true
}

func (e *Engine) settled(ctx, work context.Context) {
	e.mu.Lock()
	e.buffering = false
	e.mu.Unlock()

	if e.hasLocalChanges(work) {
		e.syncUpLoop(ctx, work)
	} else if e.Status() != StatusError {
		e.setStatus(StatusIdle)
	}

	if e.deferred {
		e.onAnnouncement(work)
	}
}

// ===================
// Poll
// ===================

func (e *Engine) pollTick(ctx context.Context) {
	a := e.announcer
	if a != nil && !a.IsConnected() && !a.IsConnecting() {
		a.Connect()
	}

	if e.IsBuffering() {
		return
	}

	e.mu.Lock()
	due := !time.Now().Before(e.nextPoll)
	e.mu.Unlock()

	if due {
		if e.HasUnsyncedChanges() && e.ErrorStatus() != ErrorUnreadableFiles {
			e.syncUp(ctx)
		}

		e.mu.Lock()
		e.lastPoll = time.Now()
		e.nextPoll = e.lastPoll.Add(e.pollInterval)
		e.mu.Unlock()

		if e.hasRemoteChanges(ctx) {
			e.syncDown(ctx, true)
		}
		if a != nil && a.IsConnected() {
			e.setPollInterval(e.opts.PollLong)
		}
	}

	// an earlier push may have been cut short without an error
	if e.HasUnsyncedChanges() && e.ErrorStatus() == ErrorNone {
		e.syncUp(ctx)
	}
}

// ===================
// Announcements and retries
// ===================

func (e *Engine) onAnnouncement(ctx context.Context) {
	if e.IsBuffering() {
		e.deferred = true
		return
	}
	e.deferred = false

	e.mu.Lock()
	a := e.pending
	e.pending = nil
	e.mu.Unlock()
	if a == nil {
		return
	}

	rev, err := e.backend.CurrentRevision(ctx)
	if err == nil && rev == a.Message {
		e.logger.Debug("announcement matches current revision", "revision", rev)
		return
	}
	e.logger.Info("remote change announced", "revision", a.Message)
	e.syncDown(ctx, true)
}

func (e *Engine) forceRetry(ctx context.Context) {
	if e.ErrorStatus() == ErrorNone {
		return
	}
	e.logger.Info("retrying after error", "reason", e.ErrorStatus())
	if err := e.syncUp(ctx); err != nil {
		return
	}
	e.syncDown(ctx, false)
}

// ===================
// Sync up
// ===================

// syncUpLoop syncs up until no local changes remain or a sync fails.
func (e *Engine) syncUpLoop(ctx, work context.Context) {
	for ctx.Err() == nil {
		if err := e.syncUp(work); err != nil {
			return
		}
		if !e.hasLocalChanges(work) {
			return
		}
	}
}

// syncUp commits and pushes local changes. A failed push is retried once
// after a sync-down, since the remote may have moved on.
func (e *Engine) syncUp(ctx context.Context) error {
	resume := e.pauseWatcher()
	defer resume()

	e.setStatus(StatusSyncingUp)
	e.setUnsynced(true)

	rev, err := e.commitAndPush(ctx)
	metricSyncs.WithLabelValues(e.name, directionUp, syncResult(err)).Inc()
	if err == nil {
		e.syncUpDone(ctx, rev)
		return nil
	}
	if errors.Is(err, vcs.ErrUnreadableFiles) {
		e.unreadable(err)
		return err
	}

	e.logger.Warn("sync up failed, fetching before retry", "error", err)
	if downErr := e.syncDown(ctx, false); downErr != nil && errorStatusFor(downErr) == errorStatusFor(err) {
		// the sync-down already reported the same failure
		e.setPollInterval(e.opts.PollShort)
		return err
	}

	e.setStatus(StatusSyncingUp)
	rev, err = e.commitAndPush(ctx)
	metricSyncs.WithLabelValues(e.name, directionUp, syncResult(err)).Inc()
	if err == nil {
		e.syncUpDone(ctx, rev)
		return nil
	}
	if errors.Is(err, vcs.ErrUnreadableFiles) {
		e.unreadable(err)
		return err
	}

	e.fail(err)
	e.setPollInterval(e.opts.PollShort)
	return err
}

func (e *Engine) commitAndPush(ctx context.Context) (string, error) {
	if err := e.checkDisk(); err != nil {
		return "", err
	}
	if err := e.backend.StageAll(ctx); err != nil {
		return "", err
	}

	statuses, err := e.backend.Status(ctx)
	if err != nil {
		return "", err
	}
	message := vcs.CommitMessage(statuses)
	if message == "" {
		message = "Changes"
	}

	rev, committed, err := e.backend.Commit(ctx, message)
	if err != nil {
		return "", err
	}
	if committed {
		e.logger.Info("committed", "revision", rev, "message", message)
	}

	if err := e.backend.Push(ctx, e.progressFunc()); err != nil {
		return "", err
	}

	if rev == "" {
		if rev, err = e.backend.CurrentRevision(ctx); err != nil {
			return "", err
		}
	}
	return rev, nil
}

func (e *Engine) syncUpDone(ctx context.Context, rev string) {
	e.refreshChangeSets(ctx)
	e.setUnsynced(false)
	e.setPollInterval(e.opts.PollLong)

	e.mu.Lock()
	e.lastSync = time.Now()
	e.mu.Unlock()

	e.setStatus(StatusIdle)

	if e.announcer != nil && rev != "" {
		e.announcer.Announce(announce.Announcement{FolderID: e.meta.Identifier(), Message: rev})
	}
	e.logger.Info("pushed", "revision", rev)
	e.emit(Event{Type: EventPushingFinished, Revision: rev})
}

// unreadable stops syncing up without entering the Error state; the user
// has to fix permissions and retry.
func (e *Engine) unreadable(err error) {
	e.logger.Warn("unreadable files, sync up stopped", "error", err)

	e.mu.Lock()
	e.errorStatus = ErrorUnreadableFiles
	e.mu.Unlock()

	e.setStatus(StatusIdle)
}

// ===================
// Sync down
// ===================

// syncDown fetches and merges remote changes. With allowSyncUp, local
// changes left by the merge (conflict copies, unpushed commits) are
// pushed right away.
func (e *Engine) syncDown(ctx context.Context, allowSyncUp bool) error {
	resume := e.pauseWatcher()
	defer resume()

	e.setStatus(StatusSyncingDown)

	// the merge commits pending edits, which then have to be pushed
	if e.hasLocalChanges(ctx) {
		e.setUnsynced(true)
	}

	before, beforeErr := e.backend.CurrentRevision(ctx)

	outcome, err := e.fetchAndMerge(ctx)
	metricSyncs.WithLabelValues(e.name, directionDown, syncResult(err)).Inc()
	if err != nil {
		e.refreshChangeSets(ctx)
		e.fail(err)
		return err
	}

	e.mu.Lock()
	e.errorStatus = ErrorNone
	e.lastSync = time.Now()
	e.mu.Unlock()

	if outcome.Kind == vcs.MergeConflictsResolved {
		metricConflicts.WithLabelValues(e.name).Add(float64(len(outcome.Renamed)))
		for _, r := range outcome.Renamed {
			e.logger.Info("conflict resolved", "path", r.Path, "copy", r.ConflictPath)
		}
		e.emit(Event{Type: EventConflictResolved, Renamed: outcome.Renamed})
	}

	e.refreshChangeSets(ctx)

	if beforeErr == nil {
		if after, err := e.backend.CurrentRevision(ctx); err == nil && after != before {
			e.announceIncoming(before)
		}
	}

	if allowSyncUp {
		if outcome.Kind == vcs.MergeConflictsResolved || e.HasUnsyncedChanges() || e.hasLocalChanges(ctx) {
			if err := e.syncUp(ctx); err != nil {
				return nil
			}
		}
	}

	e.setStatus(StatusIdle)
	return nil
}

// announceIncoming emits NewChangeSet for the newest change set since
// before that another user made. Local commits rebased on top are skipped.
func (e *Engine) announceIncoming(before string) {
	for _, cs := range e.ChangeSets() {
		if cs.Revision == before {
			return
		}
		if e.isLocalAuthor(cs.Author) {
			continue
		}
		if !cs.OnlyTouches(metadata.IdentifierFile) {
			e.emit(Event{Type: EventNewChangeSet, Revision: cs.Revision, ChangeSet: &cs})
		}
		return
	}
}

func (e *Engine) fetchAndMerge(ctx context.Context) (vcs.MergeOutcome, error) {
	if err := e.checkDisk(); err != nil {
		return vcs.MergeOutcome{}, err
	}
	if err := e.backend.Fetch(ctx, e.progressFunc()); err != nil {
		return vcs.MergeOutcome{}, err
	}
	return e.backend.MergeOrRebase(ctx)
}

// ===================
// Helpers
// ===================

func (e *Engine) fail(err error) {
	reason := errorStatusFor(err)

	e.mu.Lock()
	e.errorStatus = reason
	e.mu.Unlock()

	e.logger.Error("sync failed", "reason", reason, "error", err)
	e.setStatus(StatusError)
}

func (e *Engine) checkDisk() error {
	err := diskspace.Check(e.backend.Root(), e.opts.MinFreeBytes)
	if err != nil && errors.Is(err, diskspace.ErrInsufficient) {
		return vcs.NewError(vcs.KindDiskSpaceExceeded, "disk space check", err)
	}
	return err
}

func (e *Engine) refreshChangeSets(ctx context.Context) {
	sets, err := e.backend.Log(ctx, e.opts.LogLimit)
	if err != nil {
		e.logger.Warn("failed to read history", "error", err)
		return
	}
	e.mu.Lock()
	e.changeSets = sets
	e.mu.Unlock()
}

func (e *Engine) hasLocalChanges(ctx context.Context) bool {
	ok, err := e.backend.HasLocalChanges(ctx)
	if err != nil {
		e.logger.Warn("failed to check local changes", "error", err)
		return false
	}
	return ok
}

func (e *Engine) hasRemoteChanges(ctx context.Context) bool {
	ok, err := e.backend.HasRemoteChanges(ctx)
	if err != nil {
		e.logger.Debug("failed to check remote changes", "error", err)
		return false
	}
	return ok
}

// pauseWatcher disables the watcher while the engine writes to the tree.
// Calls nest; the watcher is enabled again when the outermost resume runs.
func (e *Engine) pauseWatcher() (resume func()) {
	if e.watcherPauses == 0 {
		e.watcher.Disable()
	}
	e.watcherPauses++
	return func() {
		e.watcherPauses--
		if e.watcherPauses == 0 {
			// activity signalled while paused came from our own writes
			select {
			case <-e.activity:
			default:
			}
			e.watcher.Enable()
		}
	}
}
