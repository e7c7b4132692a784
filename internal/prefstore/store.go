package prefstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
	"github.com/Ranponim/kpi-frontend-sub001/internal/syncengine"
)

// SyncStatus is the store's synchronization state machine.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncPolling SyncStatus = "polling"
	SyncSyncing SyncStatus = "syncing"
	SyncWaiting SyncStatus = "waiting"
	SyncOffline SyncStatus = "offline"
	SyncError   SyncStatus = "error"
)

// State is the observable store state handed to subscribers.
type State struct {
	Loading               bool
	Saving                bool
	Dirty                 bool
	LastSaved             time.Time
	SyncStatus            SyncStatus
	LocalStorageAvailable bool
	ValidationErrors      []settings.Issue
	LastError             *syncengine.Analysis
	PendingSibling        *ConflictMessage
}

// Options configures a Store. Local is required; everything else has a
// usable default.
type Options struct {
	UserID      string
	Local       LocalStore
	Remote      syncengine.RemoteClient
	Broadcaster Broadcaster
	Logger      *zap.Logger
	Codec       *Codec
	Policy      *syncengine.Policy
	TabID       string

	// DebounceWindow coalesces updates into one save; default 1 s.
	DebounceWindow time.Duration
	// SaveTimeout bounds one save cycle; default 15 s.
	SaveTimeout time.Duration
	// LoadTimeout is the server-fetch deadline during Init; default 5 s.
	LoadTimeout time.Duration

	// KnownPegs enables advisory selected-PEG validation when non-empty.
	KnownPegs []string

	Now func() time.Time
}

// Store owns the single mutable settings document. Every other component
// works on snapshots. All transitions are serialized on the store mutex
// and subscribers are notified synchronously, in insertion order, before
// the mutating call returns; subscriber callbacks must not call back into
// the store's write surface.
type Store struct {
	mu sync.Mutex

	userID      string
	tabID       string
	local       LocalStore
	remote      syncengine.RemoteClient
	broadcaster Broadcaster
	logger      *zap.Logger
	codec       *Codec
	policy      *syncengine.Policy
	now         func() time.Time

	debounceWindow time.Duration
	saveTimeout    time.Duration
	loadTimeout    time.Duration
	knownPegs      []string

	doc   *settings.UserSettings
	state State

	subscribers []storeSubscriber
	nextSubID   int

	debounceTimer *time.Timer
	saving        bool
	queuedSave    bool

	// lastSavedContent is the content hash of the last persisted document,
	// used to suppress saves that would rewrite identical content.
	lastSavedContent string

	initCancel      context.CancelFunc
	broadcastCancel func()

	undoDoc        *settings.UserSettings
	offlineSince   time.Time
	offlineChanges int
	lastStrategy   syncengine.Strategy

	// minAutoConfidence gates automatic adoption of resolver outcomes
	// after risky offline stretches; zero means no gate.
	minAutoConfidence float64

	closed bool
	wg     sync.WaitGroup
}

type storeSubscriber struct {
	id int
	fn func(State)
}

// New builds a store around the given collaborators and probes the local
// storage area.
func New(opts Options) (*Store, error) {
	if opts.Local == nil {
		return nil, fmt.Errorf("local store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	codec := opts.Codec
	if codec == nil {
		codec = NewCodec(CodecOptions{Now: opts.Now})
	}
	policy := opts.Policy
	if policy == nil {
		policy = syncengine.NewPolicy(syncengine.PolicyOptions{Logger: logger})
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tabID := opts.TabID
	if tabID == "" {
		tabID = uuid.NewString()
	}
	debounce := opts.DebounceWindow
	if debounce <= 0 {
		debounce = time.Second
	}
	saveTimeout := opts.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = 15 * time.Second
	}
	loadTimeout := opts.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = 5 * time.Second
	}

	s := &Store{
		userID:         opts.UserID,
		tabID:          tabID,
		local:          opts.Local,
		remote:         opts.Remote,
		broadcaster:    opts.Broadcaster,
		logger:         logger,
		codec:          codec,
		policy:         policy,
		now:            now,
		debounceWindow: debounce,
		saveTimeout:    saveTimeout,
		loadTimeout:    loadTimeout,
		knownPegs:      opts.KnownPegs,
		doc:            settings.Defaults(opts.UserID),
		state:          State{SyncStatus: SyncIdle},
		lastStrategy:   syncengine.StrategyHybridMetadata,
	}
	probe := s.local.Probe()
	s.state.LocalStorageAvailable = probe.Available
	if !probe.Available {
		s.logger.Warn("local storage unavailable", zap.Error(probe.Reason))
	}
	if s.broadcaster != nil {
		s.broadcastCancel = s.broadcaster.Subscribe(s.HandleSiblingMessage)
	}
	return s, nil
}

// TabID identifies this store instance on the broadcast channel.
func (s *Store) TabID() string { return s.tabID }

// Snapshot returns an immutable deep copy of the current document.
func (s *Store) Snapshot() *settings.UserSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// StateSnapshot returns a copy of the observable state.
func (s *Store) StateSnapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateCopyLocked()
}

func (s *Store) stateCopyLocked() State {
	copyState := s.state
	if s.state.ValidationErrors != nil {
		copyState.ValidationErrors = append([]settings.Issue(nil), s.state.ValidationErrors...)
	}
	return copyState
}

// Subscribe registers a listener invoked synchronously on every state
// transition, in registration order. The returned function unsubscribes.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers = append(s.subscribers, storeSubscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subscribers {
			if sub.id == id {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notifyLocked() {
	snapshot := s.stateCopyLocked()
	for _, sub := range s.subscribers {
		sub.fn(snapshot)
	}
}

// SectionView is a scoped read/update handle on one section.
type SectionView struct {
	Key      settings.SectionKey
	Settings any
	Update   func(value any) error
}

// Section returns a scoped view of one section of the document.
func (s *Store) Section(key settings.SectionKey) (SectionView, error) {
	s.mu.Lock()
	value, err := settings.Section(s.doc, key)
	s.mu.Unlock()
	if err != nil {
		return SectionView{}, err
	}
	return SectionView{
		Key:      key,
		Settings: value,
		Update: func(v any) error {
			return s.Update(settings.Partial{key: v})
		},
	}, nil
}

// Update shallow-merges the partial at the section level, validates, marks
// the store dirty, and arms the autosave debounce. Mutations that would
// introduce a formula dependency cycle are rejected outright; all other
// validation failures are surfaced without reverting.
func (s *Store) Update(partial settings.Partial) error {
	return s.update(partial, true)
}

// UpdateSectionLocal applies one section like Update but does not arm the
// debounce; pages with an explicit Save button call SaveImmediately.
func (s *Store) UpdateSectionLocal(key settings.SectionKey, value any) error {
	return s.update(settings.Partial{key: value}, false)
}

func (s *Store) update(partial settings.Partial, autosave bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	candidate := s.doc.Clone()
	if err := settings.ApplyPartial(candidate, partial); err != nil {
		return err
	}
	if err := settings.CheckFormulaCycles(candidate.DerivedPegSettings.Formulas); err != nil {
		return err
	}

	s.doc = candidate
	s.state.ValidationErrors = settings.Validate(s.doc, s.knownPegs)
	s.state.Dirty = true
	if s.state.SyncStatus == SyncOffline {
		s.offlineChanges++
	}
	s.notifyLocked()
	if autosave {
		s.armDebounceLocked()
	}
	return nil
}

func (s *Store) armDebounceLocked() {
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(s.debounceWindow, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
		defer cancel()
		if err := s.save(ctx, syncengine.ContextSave); err != nil {
			s.logger.Warn("autosave failed", zap.Error(err))
		}
	})
}

func (s *Store) cancelDebounceLocked() {
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
}

// SaveImmediately flushes any pending debounce and runs a full save cycle:
// encode, local write, then server push. The local write is acknowledged
// before the push begins.
func (s *Store) SaveImmediately(ctx context.Context) error {
	s.mu.Lock()
	s.cancelDebounceLocked()
	s.mu.Unlock()
	return s.save(ctx, syncengine.ContextSave)
}

// save runs one save cycle. Concurrent callers queue at most one
// follow-up.
func (s *Store) save(ctx context.Context, errCtx syncengine.ErrorContext) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("store is closed")
	}
	if s.saving {
		s.queuedSave = true
		s.mu.Unlock()
		return nil
	}
	s.saving = true
	s.state.Saving = true
	offline := s.state.SyncStatus == SyncOffline
	if !offline {
		s.state.SyncStatus = SyncSyncing
	}
	snapshot := s.doc.Clone()
	s.notifyLocked()
	s.mu.Unlock()

	err := s.saveCycle(ctx, snapshot, offline, errCtx)

	s.mu.Lock()
	s.saving = false
	s.state.Saving = false
	queued := s.queuedSave
	s.queuedSave = false
	s.notifyLocked()
	s.mu.Unlock()

	if queued {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			followCtx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
			defer cancel()
			if followErr := s.save(followCtx, errCtx); followErr != nil {
				s.logger.Warn("queued save failed", zap.Error(followErr))
			}
		}()
	}
	return err
}

func (s *Store) saveCycle(ctx context.Context, snapshot *settings.UserSettings, offline bool, errCtx syncengine.ErrorContext) error {
	envelope, data, err := s.codec.Encode(snapshot)
	if err != nil {
		s.recordSaveFailure(ctx, err, errCtx)
		return err
	}
	content, err := ContentChecksum(envelope.Payload)
	if err != nil {
		s.recordSaveFailure(ctx, err, errCtx)
		return err
	}

	s.mu.Lock()
	duplicate := content == s.lastSavedContent
	s.mu.Unlock()
	if duplicate {
		s.mu.Lock()
		s.state.Dirty = false
		if !offline && s.state.SyncStatus == SyncSyncing {
			s.state.SyncStatus = SyncIdle
		}
		s.notifyLocked()
		s.mu.Unlock()
		return nil
	}

	if err := s.local.Write(data); err != nil {
		s.recordSaveFailure(ctx, err, errCtx)
		return err
	}

	// Local write acknowledged: adopt the stamped metadata before the
	// server push so observers see dirty=false with the new lastSaved.
	s.mu.Lock()
	s.doc.Metadata.LastModified = envelope.WrittenAt
	s.doc.Metadata.Checksum = envelope.Checksum
	s.state.Dirty = false
	s.state.LastSaved = s.now()
	s.lastSavedContent = content
	s.policy.ClearError(errCtx)
	s.state.LastError = nil
	stamped := s.doc.Clone()
	s.notifyLocked()
	s.mu.Unlock()

	if s.broadcaster != nil {
		msg := ConflictMessage{
			Type:             MessageTypeConflictResolved,
			ResolvedSettings: stamped,
			Strategy:         string(s.lastStrategy),
			TabID:            s.tabID,
			Timestamp:        envelope.WrittenAt,
		}
		if pubErr := s.broadcaster.Publish(ctx, msg); pubErr != nil {
			s.logger.Debug("broadcast publish failed", zap.Error(pubErr))
		}
	}

	if s.remote == nil || offline {
		s.finishSave(SyncIdle)
		return nil
	}

	echo, err := s.remote.SavePreference(ctx, s.userID, settings.ToWire(stamped))
	if err != nil {
		result := s.policy.Handle(ctx, err, errCtx, syncengine.HandleOptions{})
		s.mu.Lock()
		s.state.LastError = &result.Analysis
		if result.Recovery.Strategy == syncengine.RecoveryFallbackLocal {
			// The local copy is durable; the push will catch up later.
			s.state.SyncStatus = SyncIdle
		} else {
			s.state.SyncStatus = SyncError
		}
		s.notifyLocked()
		s.mu.Unlock()
		return err
	}

	s.reconcileServerEcho(echo)
	s.finishSave(SyncIdle)
	return nil
}

func (s *Store) finishSave(status SyncStatus) {
	s.mu.Lock()
	if s.state.SyncStatus == SyncSyncing {
		s.state.SyncStatus = status
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// reconcileServerEcho folds the server's save response back into the
// document. Normally the echo only advances the server timestamp; when
// the server copy drifted, the resolver arbitrates.
func (s *Store) reconcileServerEcho(echo settings.WirePreference) {
	serverDoc := settings.FromWire(echo)
	s.mu.Lock()
	defer s.mu.Unlock()

	diffs := syncengine.Diff(s.doc, serverDoc)
	if len(diffs) == 0 {
		if settings.CompareTimestamps(serverDoc.Metadata.LastModified, s.doc.Metadata.LastModified) > 0 {
			s.doc.Metadata.LastModified = serverDoc.Metadata.LastModified
		}
		return
	}
	res := syncengine.Resolve(syncengine.ResolveInput{
		Local:    s.doc,
		Server:   serverDoc,
		Diffs:    diffs,
		Strategy: syncengine.StrategyHybridMetadata,
	})
	s.lastStrategy = res.Strategy
	if s.minAutoConfidence > 0 && res.Confidence < s.minAutoConfidence {
		s.state.LastError = &syncengine.Analysis{
			Kind:     syncengine.KindSyncConflict,
			Severity: syncengine.SeverityWarning,
			Context:  syncengine.ContextBackgroundSync,
			Message:  "resolver confidence too low for automatic reconciliation",
		}
		return
	}
	switch res.Action {
	case syncengine.ActionApplyServer:
		s.doc = serverDoc
	case syncengine.ActionApplyMerge:
		merged := syncengine.Resolve(syncengine.ResolveInput{
			Local:    s.doc,
			Server:   serverDoc,
			Diffs:    diffs,
			Strategy: syncengine.StrategySmartMerge,
		})
		if merged.MergedSettings != nil && !merged.RequiresReview {
			s.doc = merged.MergedSettings
		}
	default:
		// apply_local and review cases keep the local copy.
	}
	s.state.ValidationErrors = settings.Validate(s.doc, s.knownPegs)
	s.notifyLocked()
}

func (s *Store) recordSaveFailure(ctx context.Context, err error, errCtx syncengine.ErrorContext) {
	result := s.policy.Handle(ctx, err, errCtx, syncengine.HandleOptions{})
	s.mu.Lock()
	s.state.LastError = &result.Analysis
	if s.state.SyncStatus == SyncSyncing {
		s.state.SyncStatus = SyncError
	}
	// Dirty stays set: the in-memory edits are still unpersisted.
	s.notifyLocked()
	s.mu.Unlock()
}

// Reset restores the named sections (all when none given) to defaults,
// cancels any pending debounce, and takes the next save slot.
func (s *Store) Reset(ctx context.Context, keys ...settings.SectionKey) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("store is closed")
	}
	s.cancelDebounceLocked()
	if err := settings.ResetSections(s.doc, keys...); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state.ValidationErrors = settings.Validate(s.doc, s.knownPegs)
	s.state.Dirty = true
	s.notifyLocked()
	s.mu.Unlock()
	return s.save(ctx, syncengine.ContextSave)
}

// ExportTo encodes the document (or just the selected sections) as a
// backup envelope and returns the bytes with the suggested filename.
func (s *Store) ExportTo(fields ...settings.SectionKey) ([]byte, string, error) {
	s.mu.Lock()
	doc := s.doc.Clone()
	s.mu.Unlock()

	if len(fields) > 0 {
		selected := make(map[settings.SectionKey]bool, len(fields))
		for _, f := range fields {
			selected[f] = true
		}
		for _, key := range settings.AllSections() {
			if !selected[key] {
				if err := settings.ResetSections(doc, key); err != nil {
					return nil, "", err
				}
			}
		}
	}
	_, data, err := s.codec.Encode(doc)
	if err != nil {
		return nil, "", err
	}
	filename := fmt.Sprintf("preference-settings-%s.json", s.now().UTC().Format("2006-01-02"))
	return data, filename, nil
}

// ImportFrom decodes a backup envelope and merges it into the current
// document with SMART_MERGE. High-severity differences are never silently
// discarded: when the merge needs review the import is surfaced through
// LastError and the reviewable fields are kept local.
func (s *Store) ImportFrom(ctx context.Context, data []byte) error {
	imported, err := s.codec.Decode(data)
	if err != nil {
		result := s.policy.Handle(ctx, err, syncengine.ContextImport, syncengine.HandleOptions{})
		s.mu.Lock()
		s.state.LastError = &result.Analysis
		s.notifyLocked()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.cancelDebounceLocked()
	diffs := syncengine.Diff(s.doc, imported)
	if len(diffs) == 0 {
		s.mu.Unlock()
		return nil
	}
	res := syncengine.Resolve(syncengine.ResolveInput{
		Local:    s.doc,
		Server:   imported,
		Diffs:    diffs,
		Strategy: syncengine.StrategySmartMerge,
	})
	s.lastStrategy = res.Strategy
	if res.MergedSettings != nil {
		s.doc = res.MergedSettings
	} else if res.Action == syncengine.ActionUseDefaults {
		s.doc = settings.Defaults(s.userID)
	}
	reviewReason := ""
	if res.RequiresReview {
		reviewReason = res.Reasoning
		s.state.LastError = s.importReviewAnalysis(reviewReason)
	}
	s.state.ValidationErrors = settings.Validate(s.doc, s.knownPegs)
	s.state.Dirty = true
	s.notifyLocked()
	s.mu.Unlock()

	saveErr := s.save(ctx, syncengine.ContextImport)

	// A successful save clears LastError; the review warning must outlive
	// it so the reviewable fields stay visible to the user.
	if reviewReason != "" {
		s.mu.Lock()
		if s.state.LastError == nil {
			s.state.LastError = s.importReviewAnalysis(reviewReason)
			s.notifyLocked()
		}
		s.mu.Unlock()
	}
	return saveErr
}

func (s *Store) importReviewAnalysis(reason string) *syncengine.Analysis {
	return &syncengine.Analysis{
		Kind:     syncengine.KindSyncConflict,
		Severity: syncengine.SeverityWarning,
		Context:  syncengine.ContextImport,
		Message:  reason,
	}
}
