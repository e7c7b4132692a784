package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func dialHub(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/broadcast"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestHubFansOutToOtherSiblings(t *testing.T) {
	srv := NewServer(NewMemoryRepo(), nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Hub().Close()

	a := dialHub(t, ts)
	b := dialHub(t, ts)
	c := dialHub(t, ts)

	deadline := time.Now().Add(3 * time.Second)
	for srv.Hub().ConnCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("connections = %d, want 3", srv.Hub().ConnCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sent := map[string]string{"type": "MULTI_TAB_CONFLICT_RESOLVED", "tabId": "tab-a"}
	if err := wsjson.Write(ctx, a, sent); err != nil {
		t.Fatalf("write: %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"b": b, "c": c} {
		var got map[string]string
		if err := wsjson.Read(ctx, conn, &got); err != nil {
			t.Fatalf("read on %s: %v", name, err)
		}
		if got["tabId"] != "tab-a" {
			t.Fatalf("sibling %s received %v", name, got)
		}
	}
}

func TestHubSkipsInvalidPayloads(t *testing.T) {
	srv := NewServer(NewMemoryRepo(), nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Hub().Close()

	a := dialHub(t, ts)
	b := dialHub(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	if err := wsjson.Write(ctx, a, map[string]string{"tabId": "tab-a"}); err != nil {
		t.Fatalf("write valid: %v", err)
	}

	// The invalid frame is dropped, so the first delivery is the valid one.
	var got map[string]string
	if err := wsjson.Read(ctx, b, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got["tabId"] != "tab-a" {
		t.Fatalf("received %v", got)
	}
}

func TestHubCloseDisconnectsSiblings(t *testing.T) {
	srv := NewServer(NewMemoryRepo(), nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	a := dialHub(t, ts)
	srv.Hub().Close()
	if srv.Hub().ConnCount() != 0 {
		t.Fatalf("connections after close = %d", srv.Hub().ConnCount())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := a.Read(ctx); err == nil {
		t.Fatal("closed hub should drop existing connections")
	}
}
