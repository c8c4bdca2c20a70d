package announcer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"heraldcast.app/herald/faults"
)

type wireCommand struct {
	MessageID int64          `json:"message_id"`
	Command   string         `json:"command"`
	Args      map[string]any `json:"args"`
}

type wireFrame struct {
	ServerID      string `json:"server_id,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
	SchemaVersion int    `json:"schema_version,omitempty"`

	MessageID int64  `json:"message_id,omitempty"`
	Result    any    `json:"result,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Details   string `json:"details,omitempty"`

	Event    string         `json:"event,omitempty"`
	ObjectID string         `json:"object_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// scriptedHub plays the hub side of the protocol with a mutable player
// table, so announcement runs can be observed end to end.
type scriptedHub struct {
	t   *testing.T
	srv *httptest.Server

	announceDelay time.Duration
	failPlays     int

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	players map[string]map[string]any
	calls   map[string]int
}

func newScriptedHub(t *testing.T, players ...map[string]any) *scriptedHub {
	t.Helper()

	h := &scriptedHub{
		t:       t,
		players: make(map[string]map[string]any),
		calls:   make(map[string]int),
	}
	for _, p := range players {
		h.players[p["player_id"].(string)] = p
	}

	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conn = conn
		h.mu.Unlock()

		h.write(conn, wireFrame{ServerID: "hub-under-test", ServerVersion: "2.1.0", SchemaVersion: 3})
		for {
			var cmd wireCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			h.handle(conn, cmd)
		}
	}))
	t.Cleanup(h.srv.Close)

	return h
}

func (h *scriptedHub) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *scriptedHub) write(conn *websocket.Conn, frame wireFrame) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = conn.WriteJSON(frame)
}

func (h *scriptedHub) handle(conn *websocket.Conn, cmd wireCommand) {
	h.mu.Lock()
	h.calls[cmd.Command]++
	h.mu.Unlock()

	reply := wireFrame{MessageID: cmd.MessageID}
	switch cmd.Command {
	case "ping":
		reply.Result = "pong"
	case "players/all":
		h.mu.Lock()
		all := make([]map[string]any, 0, len(h.players))
		for _, p := range h.players {
			all = append(all, clonePlayer(p))
		}
		h.mu.Unlock()
		reply.Result = all
	case "players/get":
		id, _ := cmd.Args["player_id"].(string)
		h.mu.Lock()
		p, ok := h.players[id]
		if ok {
			p = clonePlayer(p)
		}
		h.mu.Unlock()
		if !ok {
			reply.ErrorCode = "player_not_found"
		} else {
			reply.Result = p
		}
	case "players/cmd/power":
		id, _ := cmd.Args["player_id"].(string)
		on, _ := cmd.Args["powered"].(bool)
		h.setAndPush(id, map[string]any{"powered": on, "available": on})
		reply.Result = "ok"
	case "players/cmd/volume_set":
		id, _ := cmd.Args["player_id"].(string)
		h.setAndPush(id, map[string]any{"volume_level": cmd.Args["volume_level"]})
		reply.Result = "ok"
	case "players/cmd/play_announcement":
		h.mu.Lock()
		if h.failPlays > 0 {
			h.failPlays--
			h.mu.Unlock()
			reply.ErrorCode = "internal_error"
			reply.Details = "transient hub failure"
			break
		}
		delay := h.announceDelay
		h.mu.Unlock()

		id, _ := cmd.Args["player_id"].(string)
		h.setAndPush(id, map[string]any{"announcement_in_progress": true, "state": "announcement"})
		go func() {
			time.Sleep(delay)
			h.setAndPush(id, map[string]any{"announcement_in_progress": false, "state": "idle"})
		}()
		reply.Result = "ok"
	default:
		reply.ErrorCode = "unknown_command"
	}

	h.write(conn, reply)
}

// setAndPush mutates a player and announces the change, in that order,
// so the client cache is current before any command reply lands.
func (h *scriptedHub) setAndPush(id string, fields map[string]any) {
	h.mu.Lock()
	p, ok := h.players[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	for k, v := range fields {
		p[k] = v
	}
	cp := clonePlayer(p)
	conn := h.conn
	h.mu.Unlock()

	if conn != nil {
		h.write(conn, wireFrame{Event: "player_updated", ObjectID: id, Data: cp})
	}
}

func (h *scriptedHub) removePlayer(id string) {
	h.mu.Lock()
	delete(h.players, id)
	conn := h.conn
	h.mu.Unlock()

	if conn != nil {
		h.write(conn, wireFrame{Event: "player_removed", ObjectID: id})
	}
}

func (h *scriptedHub) callCount(cmd string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.calls[cmd]
}

func clonePlayer(p map[string]any) map[string]any {
	cp := make(map[string]any, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

func readyPlayerObject(id, name string) map[string]any {
	return map[string]any{
		"player_id":                id,
		"name":                     name,
		"available":                true,
		"powered":                  true,
		"state":                    "idle",
		"announcement_in_progress": false,
		"supported_features":       []string{"play_announcement", "volume_set", "power"},
	}
}

// mediaServer serves a fake audio file for URL validation and duration
// estimation.
type mediaServer struct {
	srv         *httptest.Server
	contentType string
	size        int
	status      int

	mu    sync.Mutex
	heads int
}

func newMediaServer(t *testing.T, contentType string, size, status int) *mediaServer {
	t.Helper()

	m := &mediaServer{contentType: contentType, size: size, status: status}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			m.mu.Lock()
			m.heads++
			m.mu.Unlock()
		}
		if m.status != http.StatusOK {
			http.Error(w, "not here", m.status)
			return
		}
		w.Header().Set("Content-Type", m.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(m.size))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(make([]byte, m.size))
	}))
	t.Cleanup(m.srv.Close)

	return m
}

func (m *mediaServer) url() string {
	return m.srv.URL + "/chime.mp3"
}

func (m *mediaServer) headCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.heads
}

func newTestAnnouncer(t *testing.T, hubURL string) *Client {
	t.Helper()

	a := New(hubURL)
	a.Estimator.CachePath = ""
	a.Hub.DialTimeout = 2 * time.Second
	a.Hub.ReadyTimeout = 2 * time.Second
	a.Hub.HealthInterval = time.Hour
	a.Hub.ReconnectDelay = 20 * time.Millisecond
	a.Hub.MaxReconnectAttempts = 3
	a.Monitor.PollInterval = 10 * time.Millisecond
	a.PowerOnTimeout = 500 * time.Millisecond
	a.ValidatePolicy.Delays = []time.Duration{5 * time.Millisecond}
	a.PlayPolicy.Delays = []time.Duration{5 * time.Millisecond}
	t.Cleanup(func() { a.Close() })

	return a
}

func faultKind(t *testing.T, err error) faults.Kind {
	t.Helper()

	var fault *faults.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected a classified fault, got %T: %v", err, err)
	}
	return fault.Kind
}

func TestAnnouncePlaysAndWaitsForCompletion(t *testing.T) {
	h := newScriptedHub(t, readyPlayerObject("kitchen", "Kitchen"))
	h.announceDelay = 50 * time.Millisecond
	media := newMediaServer(t, "audio/mpeg", 16000, http.StatusOK)
	a := newTestAnnouncer(t, h.url())

	done, err := a.Announce(context.Background(), "kitchen", media.url(), Options{})
	if err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if !done {
		t.Error("expected completion to be confirmed")
	}
	if got := h.callCount("players/cmd/play_announcement"); got != 1 {
		t.Errorf("play commands = %d, want 1", got)
	}
	if got := h.callCount("players/cmd/power"); got != 0 {
		t.Errorf("power commands = %d, want 0", got)
	}
}

func TestAnnounceRejectsMalformedURL(t *testing.T) {
	h := newScriptedHub(t, readyPlayerObject("kitchen", "Kitchen"))
	a := newTestAnnouncer(t, h.url())

	for _, bad := range []string{"not a url", "ftp://host/file.mp3", "/just/a/path"} {
		_, err := a.Announce(context.Background(), "kitchen", bad, Options{})
		if got := faultKind(t, err); got != faults.InvalidURL {
			t.Errorf("Announce(%q) kind = %v, want %v", bad, got, faults.InvalidURL)
		}
	}

	if got := h.callCount("players/cmd/play_announcement"); got != 0 {
		t.Errorf("play commands = %d, want 0", got)
	}
}

func TestAnnounceRejectsMissingMedia(t *testing.T) {
	h := newScriptedHub(t, readyPlayerObject("kitchen", "Kitchen"))
	media := newMediaServer(t, "audio/mpeg", 16000, http.StatusNotFound)
	a := newTestAnnouncer(t, h.url())

	_, err := a.Announce(context.Background(), "kitchen", media.url(), Options{})
	if got := faultKind(t, err); got != faults.InvalidURL {
		t.Fatalf("fault kind = %v, want %v", got, faults.InvalidURL)
	}
	if got := media.headCount(); got != 1 {
		t.Errorf("HEAD requests = %d, want 1 (no retries for a 404)", got)
	}
	if got := h.callCount("players/cmd/play_announcement"); got != 0 {
		t.Errorf("play commands = %d, want 0", got)
	}
}

func TestAnnounceRejectsNonAudioMedia(t *testing.T) {
	h := newScriptedHub(t, readyPlayerObject("kitchen", "Kitchen"))
	media := newMediaServer(t, "text/html; charset=utf-8", 512, http.StatusOK)
	a := newTestAnnouncer(t, h.url())

	_, err := a.Announce(context.Background(), "kitchen", media.url(), Options{})
	if got := faultKind(t, err); got != faults.UnsupportedAudioFormat {
		t.Fatalf("fault kind = %v, want %v", got, faults.UnsupportedAudioFormat)
	}
}

func TestAnnounceUnknownPlayer(t *testing.T) {
	h := newScriptedHub(t, readyPlayerObject("kitchen", "Kitchen"))
	media := newMediaServer(t, "audio/mpeg", 16000, http.StatusOK)
	a := newTestAnnouncer(t, h.url())

	_, err := a.Announce(context.Background(), "cellar", media.url(), Options{})
	if got := faultKind(t, err); got != faults.PlayerUnavailable {
		t.Fatalf("fault kind = %v, want %v", got, faults.PlayerUnavailable)
	}
	if got := h.callCount("players/get"); got != 1 {
		t.Errorf("players/get commands = %d, want 1 (not retryable)", got)
	}
}

func TestAnnouncePowersOnPlayer(t *testing.T) {
	sleeping := readyPlayerObject("kitchen", "Kitchen")
	sleeping["powered"] = false
	sleeping["available"] = false

	h := newScriptedHub(t, sleeping)
	h.announceDelay = 30 * time.Millisecond
	media := newMediaServer(t, "audio/mpeg", 16000, http.StatusOK)
	a := newTestAnnouncer(t, h.url())

	done, err := a.Announce(context.Background(), "kitchen", media.url(), Options{})
	if err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if !done {
		t.Error("expected completion to be confirmed")
	}
	if got := h.callCount("players/cmd/power"); got != 1 {
		t.Errorf("power commands = %d, want 1", got)
	}
	if got := h.callCount("players/get"); got != 2 {
		t.Errorf("players/get commands = %d, want 2 (initial + refetch)", got)
	}
}

func TestAnnounceFailsWhenPowerUnsupported(t *testing.T) {
	stuck := readyPlayerObject("kitchen", "Kitchen")
	stuck["powered"] = false
	stuck["supported_features"] = []string{"play_announcement"}

	h := newScriptedHub(t, stuck)
	media := newMediaServer(t, "audio/mpeg", 16000, http.StatusOK)
	a := newTestAnnouncer(t, h.url())

	_, err := a.Announce(context.Background(), "kitchen", media.url(), Options{})
	if got := faultKind(t, err); got != faults.PlayerUnavailable {
		t.Fatalf("fault kind = %v, want %v", got, faults.PlayerUnavailable)
	}
	if got := h.callCount("players/cmd/power"); got != 0 {
		t.Errorf("power commands = %d, want 0", got)
	}
}

func TestAnnounceNoWait(t *testing.T) {
	h := newScriptedHub(t, readyPlayerObject("kitchen", "Kitchen"))
	h.announceDelay = 10 * time.Second
	media := newMediaServer(t, "audio/mpeg", 16000, http.StatusOK)
	a := newTestAnnouncer(t, h.url())

	start := time.Now()
	done, err := a.Announce(context.Background(), "kitchen", media.url(), Options{NoWait: true})
	if err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if !done {
		t.Error("expected NoWait to report acceptance")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("NoWait announce took %v", elapsed)
	}
}

func TestAnnounceCompletionTimeout(t *testing.T) {
	h := newScriptedHub(t, readyPlayerObject("kitchen", "Kitchen"))
	h.announceDelay = 5 * time.Second
	media := newMediaServer(t, "audio/mpeg", 16000, http.StatusOK)
	a := newTestAnnouncer(t, h.url())

	done, err := a.Announce(context.Background(), "kitchen", media.url(),
		Options{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if done {
		t.Error("expected done = false when the wait budget runs out")
	}
}

func TestAnnounceRetriesTransientHubFailure(t *testing.T) {
	h := newScriptedHub(t, readyPlayerObject("kitchen", "Kitchen"))
	h.announceDelay = 30 * time.Millisecond
	h.failPlays = 1
	media := newMediaServer(t, "audio/mpeg", 16000, http.StatusOK)
	a := newTestAnnouncer(t, h.url())

	done, err := a.Announce(context.Background(), "kitchen", media.url(), Options{})
	if err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if !done {
		t.Error("expected completion after the retry")
	}
	if got := h.callCount("players/cmd/play_announcement"); got != 2 {
		t.Errorf("play commands = %d, want 2", got)
	}
}

func TestAnnouncePlayerVanishesMidAnnouncement(t *testing.T) {
	h := newScriptedHub(t, readyPlayerObject("kitchen", "Kitchen"))
	h.announceDelay = 10 * time.Second
	media := newMediaServer(t, "audio/mpeg", 16000, http.StatusOK)
	a := newTestAnnouncer(t, h.url())

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.removePlayer("kitchen")
	}()

	done, err := a.Announce(context.Background(), "kitchen", media.url(), Options{})
	if err != nil {
		t.Fatalf("Announce() error = %v, want nil for a vanished player", err)
	}
	if done {
		t.Error("expected done = false when the player vanishes")
	}
}

func TestCompletionBudget(t *testing.T) {
	a := &Client{}

	tt := []struct {
		name    string
		est     time.Duration
		haveEst bool
		opts    Options
		want    time.Duration
	}{
		{"explicit timeout wins", 5 * time.Second, true,
			Options{Timeout: 2 * time.Minute}, 2 * time.Minute},
		{"short media gets the floor", time.Second, true, Options{}, 30 * time.Second},
		{"long media gets estimate plus slack", time.Minute, true, Options{}, 70 * time.Second},
		{"no estimate falls back to the default", 0, false, Options{}, 60 * time.Second},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			if got := a.completionBudget(tc.est, tc.haveEst, tc.opts); got != tc.want {
				t.Errorf("completionBudget() = %v, want %v", got, tc.want)
			}
		})
	}
}
