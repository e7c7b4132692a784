package prefstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
	"github.com/Ranponim/kpi-frontend-sub001/internal/syncengine"
)

// Init loads the document: read the local envelope, race a server fetch
// against the load deadline, and reconcile the two copies. Calling Init
// again cancels any background work left by the previous call; the most
// recent call wins.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("store is closed")
	}
	if s.initCancel != nil {
		s.initCancel()
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	s.initCancel = cancel
	s.state.Loading = true
	s.state.SyncStatus = SyncSyncing
	s.notifyLocked()
	s.mu.Unlock()

	// The server fetch runs alongside the local read; fetchServer bounds it
	// with the load deadline.
	type serverFetch struct {
		doc *settings.UserSettings
		err error
	}
	fetched := make(chan serverFetch, 1)
	go func() {
		doc, err := s.fetchServer(ctx)
		fetched <- serverFetch{doc: doc, err: err}
	}()
	localDoc := s.loadLocal(ctx)
	fetch := <-fetched
	serverDoc, serverErr := fetch.doc, fetch.err

	var adopted *settings.UserSettings
	persistAdopted := false
	pushAfter := false

	s.mu.Lock()
	switch {
	case serverDoc != nil && localDoc != nil:
		diffs := syncengine.Diff(localDoc, serverDoc)
		if len(diffs) == 0 {
			adopted = serverDoc
		} else {
			res := syncengine.Resolve(syncengine.ResolveInput{
				Local:    localDoc,
				Server:   serverDoc,
				Diffs:    diffs,
				Strategy: syncengine.StrategyHybridMetadata,
			})
			s.lastStrategy = res.Strategy
			switch res.Action {
			case syncengine.ActionApplyServer:
				adopted = serverDoc
			case syncengine.ActionApplyLocal:
				adopted = localDoc
				pushAfter = true
			case syncengine.ActionApplyMerge:
				merged := syncengine.Resolve(syncengine.ResolveInput{
					Local:    localDoc,
					Server:   serverDoc,
					Diffs:    diffs,
					Strategy: syncengine.StrategySmartMerge,
				})
				if merged.MergedSettings != nil && !merged.RequiresReview {
					adopted = merged.MergedSettings
					pushAfter = true
				} else {
					adopted = localDoc
					s.flagReviewLocked(merged.Reasoning)
				}
			case syncengine.ActionUseDefaults:
				adopted = settings.Defaults(s.userID)
				s.flagReviewLocked(res.Reasoning)
			default:
				// Review cases keep the local copy in memory until the
				// user resolves.
				adopted = localDoc
				s.flagReviewLocked(res.Reasoning)
			}
		}
		persistAdopted = true
		s.state.SyncStatus = SyncIdle

	case serverDoc != nil:
		adopted = serverDoc
		persistAdopted = true
		s.state.SyncStatus = SyncIdle

	case serverErr != nil && localDoc != nil:
		plan := syncengine.PlanInitialSyncFailure(true, serverErr)
		adopted = localDoc
		s.state.SyncStatus = SyncPolling
		s.logger.Info("initial sync failed", zap.String("plan", plan.Message), zap.Error(serverErr))
		s.wg.Add(1)
		go s.backgroundRefetch(bgCtx, plan.RetryDelays, serverErr)

	case serverErr != nil:
		plan := syncengine.PlanInitialSyncFailure(false, serverErr)
		adopted = settings.Defaults(s.userID)
		result := s.policy.Handle(ctx, serverErr, syncengine.ContextInitialLoad, syncengine.HandleOptions{})
		s.state.LastError = &result.Analysis
		s.state.SyncStatus = SyncError
		s.logger.Warn("initial sync failed with no local copy",
			zap.String("plan", plan.Message), zap.Error(serverErr))

	case localDoc != nil:
		// No remote configured, or the server has no copy yet.
		adopted = localDoc
		pushAfter = s.remote != nil
		s.state.SyncStatus = SyncIdle

	default:
		adopted = settings.Defaults(s.userID)
		pushAfter = s.remote != nil
		s.state.SyncStatus = SyncIdle
	}

	s.doc = adopted
	s.state.ValidationErrors = settings.Validate(s.doc, s.knownPegs)
	s.state.Loading = false
	s.state.Dirty = false
	s.notifyLocked()
	s.mu.Unlock()

	if persistAdopted {
		s.persistLocal(adopted)
	}
	if pushAfter {
		saveCtx, saveCancel := context.WithTimeout(ctx, s.saveTimeout)
		defer saveCancel()
		if err := s.save(saveCtx, syncengine.ContextInitialLoad); err != nil {
			s.logger.Warn("initial push failed", zap.Error(err))
		}
	}
	return nil
}

// loadLocal reads and decodes the local envelope. A corrupted envelope is
// cleared and surfaced as a warning; the caller proceeds without it.
func (s *Store) loadLocal(ctx context.Context) *settings.UserSettings {
	data, err := s.local.Read()
	if errors.Is(err, syncengine.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warn("local read failed", zap.Error(err))
		return nil
	}
	doc, err := s.codec.Decode(data)
	if err != nil {
		plan := syncengine.PlanCorruptedLocal()
		if plan.ClearLocal {
			if clearErr := s.local.Clear(); clearErr != nil {
				s.logger.Warn("clearing corrupted envelope failed", zap.Error(clearErr))
			}
		}
		result := s.policy.Handle(ctx, err, syncengine.ContextInitialLoad, syncengine.HandleOptions{})
		s.mu.Lock()
		s.state.LastError = &result.Analysis
		s.notifyLocked()
		s.mu.Unlock()
		s.logger.Warn("local envelope corrupted", zap.String("plan", plan.Message), zap.Error(err))
		return nil
	}
	return doc
}

// fetchServer loads the server copy under the init deadline. A 404 means
// the user has no server copy yet and is not a failure.
func (s *Store) fetchServer(ctx context.Context) (*settings.UserSettings, error) {
	if s.remote == nil {
		return nil, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()
	wire, err := s.remote.LoadPreference(fetchCtx, s.userID)
	if errors.Is(err, syncengine.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return settings.FromWire(wire), nil
}

// backgroundRefetch walks the retry ladder after booting from the local
// copy, reconciling with the server as soon as it answers.
func (s *Store) backgroundRefetch(ctx context.Context, delays []time.Duration, lastErr error) {
	defer s.wg.Done()
	for _, delay := range delays {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		serverDoc, err := s.fetchServer(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if serverDoc != nil {
			s.reconcileServerEcho(settings.ToWire(serverDoc))
		}
		s.mu.Lock()
		if s.state.SyncStatus == SyncPolling {
			s.state.SyncStatus = SyncIdle
		}
		s.notifyLocked()
		s.mu.Unlock()
		return
	}
	result := s.policy.Handle(ctx, lastErr, syncengine.ContextBackgroundSync, syncengine.HandleOptions{})
	s.mu.Lock()
	s.state.LastError = &result.Analysis
	if s.state.SyncStatus == SyncPolling {
		s.state.SyncStatus = SyncError
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// persistLocal writes a freshly adopted document to local storage without
// running the full save cycle.
func (s *Store) persistLocal(doc *settings.UserSettings) {
	envelope, data, err := s.codec.Encode(doc)
	if err != nil {
		s.logger.Warn("persist encode failed", zap.Error(err))
		return
	}
	if err := s.local.Write(data); err != nil {
		s.logger.Warn("persist write failed", zap.Error(err))
		return
	}
	content, err := ContentChecksum(envelope.Payload)
	if err != nil {
		s.logger.Warn("persist hash failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.lastSavedContent = content
	s.state.LastSaved = s.now()
	s.mu.Unlock()
}

func (s *Store) flagReviewLocked(reason string) {
	s.state.LastError = &syncengine.Analysis{
		Kind:     syncengine.KindSyncConflict,
		Severity: syncengine.SeverityWarning,
		Context:  syncengine.ContextInitialLoad,
		Message:  reason,
	}
}

// SetOnline drives the offline half of the status machine. Going offline
// starts the change counter; coming back runs the offline recovery plan
// and drains any pending changes when the plan allows automatic sync.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	if !online {
		if s.state.SyncStatus != SyncOffline {
			s.offlineSince = s.now()
			s.offlineChanges = 0
			s.state.SyncStatus = SyncOffline
			s.notifyLocked()
		}
		s.mu.Unlock()
		return
	}
	if s.state.SyncStatus != SyncOffline {
		s.mu.Unlock()
		return
	}
	offlineFor := s.now().Sub(s.offlineSince)
	plan := syncengine.PlanOfflineRecovery(offlineFor, s.offlineChanges)
	s.state.SyncStatus = SyncWaiting
	dirty := s.state.Dirty
	s.minAutoConfidence = plan.MinConfidence
	s.notifyLocked()
	s.mu.Unlock()

	if plan.ManualReview {
		s.mu.Lock()
		s.state.LastError = &syncengine.Analysis{
			Kind:     syncengine.KindSyncConflict,
			Severity: syncengine.SeverityWarning,
			Context:  syncengine.ContextBackgroundSync,
			Message:  plan.Message,
		}
		s.state.SyncStatus = SyncIdle
		s.notifyLocked()
		s.mu.Unlock()
		return
	}
	if dirty {
		ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
		defer cancel()
		if err := s.save(ctx, syncengine.ContextBackgroundSync); err != nil {
			s.logger.Warn("offline drain failed", zap.Error(err))
		}
	} else {
		s.mu.Lock()
		if s.state.SyncStatus == SyncWaiting {
			s.state.SyncStatus = SyncIdle
		}
		s.notifyLocked()
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.minAutoConfidence = 0
	s.mu.Unlock()
}

// HandleSiblingMessage reacts to a conflict broadcast from another tab.
// Very recent sibling writes are accepted with an undo snapshot, somewhat
// recent ones surface as a pending prompt, and stale ones are dropped.
func (s *Store) HandleSiblingMessage(msg ConflictMessage) {
	if msg.Type != MessageTypeConflictResolved || msg.ResolvedSettings == nil {
		return
	}
	if msg.TabID == s.tabID {
		return
	}
	age := time.Duration(0)
	if ts, ok := parseRFC3339(msg.Timestamp); ok {
		age = s.now().Sub(ts)
		if age < 0 {
			age = 0
		}
	}
	plan := syncengine.PlanSiblingConflict(age)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	rebroadcast := false
	switch plan.Decision {
	case syncengine.SiblingAccept:
		// Identical content means this tab already converged; echoing it
		// back would keep the message bouncing between siblings.
		if len(syncengine.Diff(s.doc, msg.ResolvedSettings)) == 0 {
			break
		}
		s.applySiblingLocked(msg, plan.OfferUndo)
		rebroadcast = plan.Broadcast
	case syncengine.SiblingPrompt:
		pending := msg
		s.state.PendingSibling = &pending
		s.notifyLocked()
	default:
		s.logger.Debug("stale sibling change ignored",
			zap.String("tabId", msg.TabID), zap.Duration("age", age))
	}
	s.mu.Unlock()

	if rebroadcast {
		s.rebroadcastSibling(msg)
	}
}

// rebroadcastSibling announces an accepted sibling resolution on the shared
// channel under this tab's id. The original timestamp is preserved so the
// message ages out instead of circulating as a fresh change.
func (s *Store) rebroadcastSibling(msg ConflictMessage) {
	if s.broadcaster == nil {
		return
	}
	out := ConflictMessage{
		Type:             MessageTypeConflictResolved,
		ResolvedSettings: msg.ResolvedSettings,
		Strategy:         msg.Strategy,
		TabID:            s.tabID,
		Timestamp:        msg.Timestamp,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.broadcaster.Publish(ctx, out); err != nil {
		s.logger.Debug("sibling rebroadcast failed", zap.Error(err))
	}
}

func (s *Store) applySiblingLocked(msg ConflictMessage, offerUndo bool) {
	if offerUndo {
		s.undoDoc = s.doc.Clone()
	}
	s.cancelDebounceLocked()
	s.doc = msg.ResolvedSettings.Clone()
	// The sibling already persisted this document; the local key holds it.
	s.lastSavedContent = ""
	s.state.Dirty = false
	s.state.PendingSibling = nil
	s.state.ValidationErrors = settings.Validate(s.doc, s.knownPegs)
	s.notifyLocked()
}

// AcceptSibling applies the pending sibling change from a prompt and
// announces the resolution to the other siblings.
func (s *Store) AcceptSibling() error {
	s.mu.Lock()
	if s.state.PendingSibling == nil {
		s.mu.Unlock()
		return fmt.Errorf("no pending sibling change")
	}
	msg := *s.state.PendingSibling
	s.applySiblingLocked(msg, true)
	s.mu.Unlock()
	s.rebroadcastSibling(msg)
	return nil
}

// DismissSibling keeps the local copy and clears the pending prompt. The
// local copy is marked dirty so the next save reasserts it.
func (s *Store) DismissSibling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.PendingSibling == nil {
		return
	}
	s.state.PendingSibling = nil
	s.state.Dirty = true
	s.notifyLocked()
	s.armDebounceLocked()
}

// Undo restores the document snapshot taken before the last accepted
// sibling change and persists it.
func (s *Store) Undo(ctx context.Context) error {
	s.mu.Lock()
	if s.undoDoc == nil {
		s.mu.Unlock()
		return fmt.Errorf("nothing to undo")
	}
	s.cancelDebounceLocked()
	s.doc = s.undoDoc
	s.undoDoc = nil
	s.state.Dirty = true
	s.state.ValidationErrors = settings.Validate(s.doc, s.knownPegs)
	s.notifyLocked()
	s.mu.Unlock()
	return s.save(ctx, syncengine.ContextSave)
}

// Close stops background work and detaches from the broadcast channel.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelDebounceLocked()
	if s.initCancel != nil {
		s.initCancel()
	}
	cancel := s.broadcastCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}
