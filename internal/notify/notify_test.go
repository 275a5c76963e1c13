package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/tryonhub/internal/notify"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func TestJobEvent_Completed(t *testing.T) {
	job := &models.Job{
		ID:        9,
		Kind:      models.JobKindTryon,
		Status:    models.JobStatusCompleted,
		TaskToken: strPtr("tok"),
		OutputURL: strPtr("https://cdn/x.png"),
	}
	ev := notify.JobEvent(job, time.Unix(1700000000, 0))

	assert.Equal(t, notify.TypeTaskStatus, ev.Type)
	assert.Equal(t, models.JobKindTryon, ev.TaskType)
	assert.Equal(t, "tok", ev.Data.TaskID)
	assert.Equal(t, int64(9), ev.Data.JobID)
	assert.Equal(t, "https://cdn/x.png", ev.Data.GeneratedAssetURL)
	assert.True(t, ev.Data.Final)
	assert.Equal(t, int64(1700000000), ev.Timestamp)
}

func TestJobEvent_ProcessingIsNotFinal(t *testing.T) {
	ev := notify.JobEvent(&models.Job{ID: 1, Kind: models.JobKindPose, Status: models.JobStatusProcessing}, time.Now())

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "final")
	assert.NotContains(t, string(b), "generated_asset_url")
	assert.Contains(t, string(b), `"task_type":"pose"`)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "tryonhub.events.user.42", notify.Subject("tryonhub.events", 42))
}

type hubServer struct {
	hub *notify.Hub
	srv *httptest.Server
}

func newHubServer(t *testing.T, userID int64) *hubServer {
	t.Helper()
	hub := notify.NewHub(quietLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, userID)
	}))
	t.Cleanup(srv.Close)
	return &hubServer{hub: hub, srv: srv}
}

func (h *hubServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var v map[string]any
	require.NoError(t, conn.ReadJSON(&v))
	return v
}

func TestHub_ConnectPingAndPush(t *testing.T) {
	hs := newHubServer(t, 7)
	conn := hs.dial(t)

	hello := readJSON(t, conn)
	assert.Equal(t, "connection", hello["type"])
	assert.Equal(t, "connected", hello["status"])
	assert.EqualValues(t, 7, hello["user_id"])
	assert.Equal(t, 1, hs.hub.ClientCount(7))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, conn)["type"])

	job := &models.Job{ID: 3, Kind: models.JobKindTryon, Status: models.JobStatusFailed, ErrorMessage: strPtr("boom")}
	assert.Equal(t, 1, hs.hub.Push(7, notify.JobEvent(job, time.Now())))

	ev := readJSON(t, conn)
	assert.Equal(t, "task_status", ev["type"])
	data := ev["data"].(map[string]any)
	assert.Equal(t, "failed", data["status"])
	assert.Equal(t, "boom", data["error_message"])
	assert.Equal(t, true, data["final"])
}

func TestHub_PushToOtherUserDeliversNothing(t *testing.T) {
	hs := newHubServer(t, 7)
	conn := hs.dial(t)
	readJSON(t, conn)

	assert.Equal(t, 0, hs.hub.Push(8, notify.Event{Type: notify.TypeTaskStatus}))
}

func TestHub_MultipleChannelsPerUser(t *testing.T) {
	hs := newHubServer(t, 5)
	a := hs.dial(t)
	b := hs.dial(t)
	readJSON(t, a)
	readJSON(t, b)

	assert.Equal(t, 2, hs.hub.Push(5, notify.Event{Type: notify.TypeTaskStatus, Data: notify.EventData{JobID: 1}}))
	assert.Equal(t, "task_status", readJSON(t, a)["type"])
	assert.Equal(t, "task_status", readJSON(t, b)["type"])
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hs := newHubServer(t, 7)
	conn := hs.dial(t)
	readJSON(t, conn)
	require.Equal(t, 1, hs.hub.ClientCount(7))

	conn.Close()
	assert.Eventually(t, func() bool { return hs.hub.ClientCount(7) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hs.hub.Push(7, notify.Event{}))
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (f *fakePublisher) PublishJSON(subject string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return f.err
}

func TestBusNotifier_PublishesToUserSubject(t *testing.T) {
	pub := &fakePublisher{}
	n := notify.NewBusNotifier(pub, "tryonhub.events", quietLogger())

	n.Notify(context.Background(), 12, notify.Event{Type: notify.TypeTaskStatus})
	assert.Equal(t, []string{"tryonhub.events.user.12"}, pub.subjects)
}

func TestBusNotifier_SwallowsErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	n := notify.NewBusNotifier(pub, "p", quietLogger())

	assert.NotPanics(t, func() { n.Notify(context.Background(), 1, notify.Event{}) })
	assert.Len(t, pub.subjects, 1)
}

func TestRelay_HandleDeliversToHub(t *testing.T) {
	hs := newHubServer(t, 21)
	conn := hs.dial(t)
	readJSON(t, conn)

	relay := notify.NewRelay(hs.hub, "tryonhub.events", quietLogger())
	payload, err := json.Marshal(notify.Event{Type: notify.TypeTaskStatus, Data: notify.EventData{JobID: 77, Status: "completed", Final: true}})
	require.NoError(t, err)

	relay.Handle(context.Background(), "tryonhub.events.user.21", payload)

	ev := readJSON(t, conn)
	assert.EqualValues(t, 77, ev["data"].(map[string]any)["job_id"])
}

func TestRelay_IgnoresBadMessages(t *testing.T) {
	hub := notify.NewHub(quietLogger())
	relay := notify.NewRelay(hub, "tryonhub.events", quietLogger())

	assert.NotPanics(t, func() {
		relay.Handle(context.Background(), "other.user.1", []byte(`{}`))
		relay.Handle(context.Background(), "tryonhub.events.user.abc", []byte(`{}`))
		relay.Handle(context.Background(), "tryonhub.events.user.1", []byte(`not json`))
	})
}
