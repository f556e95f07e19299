package monitor

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/cfdprx/internal/transfer"
	"github.com/sheerbytes/cfdprx/pkg/pdu"
	"github.com/sheerbytes/cfdprx/pkg/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestObserveThrottlesProgressOnly(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHub(Config{
		Logger:           quietLogger(),
		ProgressInterval: time.Second,
		Now:              func() time.Time { return now },
	})
	info := transfer.Info{ID: 1, State: transfer.StateRunning, TotalSize: 1000}

	steps := []struct {
		name    string
		advance time.Duration
		mutate  func(*transfer.Info)
		want    bool
	}{
		{"first sighting", 0, func(*transfer.Info) {}, true},
		{"progress inside interval", 100 * time.Millisecond, func(i *transfer.Info) { i.ReceivedSize = 100 }, false},
		{"state change inside interval", 100 * time.Millisecond, func(i *transfer.Info) { i.State = transfer.StatePaused }, true},
		{"progress after interval", 2 * time.Second, func(i *transfer.Info) { i.ReceivedSize = 600 }, true},
		{"phase change", 0, func(i *transfer.Info) { i.Phase = transfer.PhaseFinishing }, true},
		{"terminal", 0, func(i *transfer.Info) { i.Phase = transfer.PhaseCompleted; i.State = transfer.StateCompleted }, true},
	}
	for _, step := range steps {
		now = now.Add(step.advance)
		step.mutate(&info)
		if _, got := h.observe(info); got != step.want {
			t.Fatalf("%s: publish = %v, want %v", step.name, got, step.want)
		}
	}
	if len(h.tracks) != 0 {
		t.Fatalf("terminal transfer still tracked")
	}
}

func TestObserveReportsRate(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHub(Config{Logger: quietLogger(), Now: func() time.Time { return now }})
	h.observe(transfer.Info{ID: 2, TotalSize: 4000})
	now = now.Add(time.Second)
	stats, _ := h.observe(transfer.Info{ID: 2, TotalSize: 4000, ReceivedSize: 2000})
	if stats.RateBps < 1900 || stats.RateBps > 2100 {
		t.Fatalf("rate = %.1f, want ~2000", stats.RateBps)
	}
	st := toState(transfer.Info{ID: 2, TotalSize: 4000, ReceivedSize: 2000, ConditionCode: pdu.NoError}, stats)
	if st.Percent != 50 || st.ETASeconds < 0.9 || st.ETASeconds > 1.1 {
		t.Fatalf("state = %+v", st)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	return env
}

func TestServeWS(t *testing.T) {
	h := NewHub(Config{
		Logger:  quietLogger(),
		Version: "test",
		Snapshot: func() []transfer.Info {
			return []transfer.Info{{ID: 9, State: transfer.StateFailed, ConditionCode: pdu.CancelRequestReceived}}
		},
	})
	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()
	defer h.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := readEnvelope(t, conn)
	if hello.Type != protocol.TypeHello {
		t.Fatalf("first message = %s, want hello", hello.Type)
	}
	var list protocol.TransferList
	if env := readEnvelope(t, conn); env.Type != protocol.TypeTransferList {
		t.Fatalf("second message = %s", env.Type)
	} else if err := env.DecodePayload(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Transfers) != 1 || list.Transfers[0].State != "FAILED" || list.Transfers[0].ConditionCode != "CANCEL_REQUEST_RECEIVED" {
		t.Fatalf("list = %+v", list)
	}

	waitClients(t, h, 1)

	h.StateChanged(transfer.Info{ID: 3, State: transfer.StateRunning, TotalSize: 10})
	env := readEnvelope(t, conn)
	var st protocol.TransferState
	if env.Type != protocol.TypeTransferState {
		t.Fatalf("message = %s, want transfer_state", env.Type)
	}
	if err := env.DecodePayload(&st); err != nil || st.ID != 3 || st.State != "RUNNING" {
		t.Fatalf("state = %+v err=%v", st, err)
	}

	var logs bytes.Buffer
	events := NewEvents(slog.New(slog.NewTextHandler(&logs, nil)), h)
	events.Warn(transfer.EventFinLimitReached, "no ACK(Finished)")
	env = readEnvelope(t, conn)
	var ev protocol.Event
	if err := env.DecodePayload(&ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Level != protocol.LevelWarn || ev.Type != transfer.EventFinLimitReached || ev.ID == "" {
		t.Fatalf("event = %+v", ev)
	}
	if !strings.Contains(logs.String(), "FIN_LIMIT_REACHED") {
		t.Fatalf("event not logged: %s", logs.String())
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	h := NewHub(Config{Logger: quietLogger()})
	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readEnvelope(t, conn)
	readEnvelope(t, conn)
	waitClients(t, h, 1)

	h.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			t.Fatalf("expected normal closure, got %v", err)
		}
	}
}

func TestEventsWithoutHub(t *testing.T) {
	var logs bytes.Buffer
	NewEvents(slog.New(slog.NewTextHandler(&logs, nil)), nil).Info(transfer.EventTransferMeta, "meta")
	if !strings.Contains(logs.String(), "TRANSFER_META") {
		t.Fatalf("event not logged: %s", logs.String())
	}
}

func httpHandler(h *Hub) http.Handler {
	return http.HandlerFunc(h.ServeWS)
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
