package prefstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
)

// MessageTypeConflictResolved is the well-known broadcast message type for
// sibling-tab reconciliation.
const MessageTypeConflictResolved = "MULTI_TAB_CONFLICT_RESOLVED"

// ConflictMessage is the payload exchanged on the broadcast channel.
type ConflictMessage struct {
	Type             string                 `json:"type"`
	ResolvedSettings *settings.UserSettings `json:"resolvedSettings,omitempty"`
	Strategy         string                 `json:"strategy,omitempty"`
	TabID            string                 `json:"tabId"`
	Timestamp        string                 `json:"timestamp"`
}

// Broadcaster delivers conflict messages between sibling clients. Publish
// never delivers a message back to the publishing tab.
type Broadcaster interface {
	Publish(ctx context.Context, msg ConflictMessage) error
	Subscribe(handler func(ConflictMessage)) (cancel func())
	Close() error
}

type handlerSet struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(ConflictMessage)
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: map[int]func(ConflictMessage){}}
}

func (h *handlerSet) add(fn func(ConflictMessage)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handlers[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.handlers, id)
		h.mu.Unlock()
	}
}

func (h *handlerSet) dispatch(msg ConflictMessage) {
	h.mu.Lock()
	fns := make([]func(ConflictMessage), 0, len(h.handlers))
	for _, fn := range h.handlers {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// WebsocketBroadcaster relays messages through the preference server's
// broadcast hub. Every connected sibling receives everything published by
// the others.
type WebsocketBroadcaster struct {
	tabID  string
	logger *zap.Logger
	conn   *websocket.Conn
	set    *handlerSet
	cancel context.CancelFunc
	done   chan struct{}
}

// DialBroadcast connects to the hub at wsURL and starts the read loop.
func DialBroadcast(ctx context.Context, wsURL, tabID string, logger *zap.Logger) (*WebsocketBroadcaster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tabID == "" {
		tabID = uuid.NewString()
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("broadcast dial: %w", err)
	}
	readCtx, cancel := context.WithCancel(context.Background())
	b := &WebsocketBroadcaster{
		tabID:  tabID,
		logger: logger,
		conn:   conn,
		set:    newHandlerSet(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.readLoop(readCtx)
	return b, nil
}

func (b *WebsocketBroadcaster) readLoop(ctx context.Context) {
	defer close(b.done)
	for {
		var msg ConflictMessage
		if err := wsjson.Read(ctx, b.conn, &msg); err != nil {
			if ctx.Err() == nil {
				b.logger.Debug("broadcast read loop ended", zap.Error(err))
			}
			return
		}
		if msg.TabID == b.tabID {
			continue
		}
		b.set.dispatch(msg)
	}
}

func (b *WebsocketBroadcaster) Publish(ctx context.Context, msg ConflictMessage) error {
	if msg.TabID == "" {
		msg.TabID = b.tabID
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return wsjson.Write(ctx, b.conn, msg)
}

func (b *WebsocketBroadcaster) Subscribe(handler func(ConflictMessage)) func() {
	return b.set.add(handler)
}

func (b *WebsocketBroadcaster) Close() error {
	b.cancel()
	err := b.conn.Close(websocket.StatusNormalClosure, "closing")
	<-b.done
	return err
}

// SpoolBroadcaster exchanges messages between sibling processes on the
// same host through short-lived files in a shared spool directory, watched
// with fsnotify. It stands in for the browser broadcast channel when no
// server hub is reachable.
type SpoolBroadcaster struct {
	dir     string
	tabID   string
	logger  *zap.Logger
	set     *handlerSet
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	seen map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

// spoolTTL is how long published spool files stay on disk before the next
// publisher sweeps them.
const spoolTTL = time.Minute

func NewSpoolBroadcaster(dir, tabID string, logger *zap.Logger) (*SpoolBroadcaster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tabID == "" {
		tabID = uuid.NewString()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("spool watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("spool watch %s: %w", dir, err)
	}
	b := &SpoolBroadcaster{
		dir:     dir,
		tabID:   tabID,
		logger:  logger,
		set:     newHandlerSet(),
		watcher: watcher,
		seen:    map[string]bool{},
		done:    make(chan struct{}),
	}
	go b.watchLoop()
	return b, nil
}

func (b *SpoolBroadcaster) watchLoop() {
	defer close(b.done)
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			b.deliver(event.Name)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Debug("spool watcher error", zap.Error(err))
		}
	}
}

func (b *SpoolBroadcaster) deliver(path string) {
	b.mu.Lock()
	if b.seen[path] {
		b.mu.Unlock()
		return
	}
	b.seen[path] = true
	b.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var msg ConflictMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Debug("spool message unreadable", zap.String("path", path), zap.Error(err))
		return
	}
	if msg.TabID == b.tabID {
		return
	}
	b.set.dispatch(msg)
}

func (b *SpoolBroadcaster) Publish(ctx context.Context, msg ConflictMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.TabID == "" {
		msg.TabID = b.tabID
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.sweep()
	name := filepath.Join(b.dir, fmt.Sprintf("msg-%s.json", uuid.NewString()))
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

// sweep removes expired spool files so the directory stays small.
func (b *SpoolBroadcaster) sweep() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-spoolTTL)
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(b.dir, entry.Name()))
	}
}

func (b *SpoolBroadcaster) Subscribe(handler func(ConflictMessage)) func() {
	return b.set.add(handler)
}

func (b *SpoolBroadcaster) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.watcher.Close()
		<-b.done
	})
	return err
}

var (
	_ Broadcaster = (*WebsocketBroadcaster)(nil)
	_ Broadcaster = (*SpoolBroadcaster)(nil)
)
