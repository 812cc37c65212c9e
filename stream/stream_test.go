package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/delegateflow/testutil"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type taskEvent struct {
	TaskID string `json:"taskId"`
	Type   string `json:"type"`
}

func recv(t *testing.T, sub *Subscription) taskEvent {
	t.Helper()
	payload, ok := testutil.WaitForChannel(sub.C(), 2*time.Second)
	require.True(t, ok, "no broadcast received")
	var ev taskEvent
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev
}

// =============================================================================
// 🧪 Hub
// =============================================================================

func TestHub_FansOutPerAccount(t *testing.T) {
	ctx := testutil.TestContext(t)
	hub := NewHub(nil, zap.NewNop())
	a1 := hub.Subscribe("acc")
	a2 := hub.Subscribe("acc")
	other := hub.Subscribe("other")
	defer hub.Close()

	require.NoError(t, hub.Broadcast(ctx, "acc", taskEvent{TaskID: "t1", Type: "QUEUED"}))

	assert.Equal(t, taskEvent{TaskID: "t1", Type: "QUEUED"}, recv(t, a1))
	assert.Equal(t, taskEvent{TaskID: "t1", Type: "QUEUED"}, recv(t, a2))
	select {
	case <-other.C():
		t.Fatal("other account received a broadcast")
	default:
	}
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewHub(&HubConfig{Buffer: 1}, zap.NewNop())
	slow := hub.Subscribe("acc")

	assert.Equal(t, 1, hub.Deliver(Message{AccountID: "acc", Payload: json.RawMessage(`1`)}))
	assert.Equal(t, 0, hub.Deliver(Message{AccountID: "acc", Payload: json.RawMessage(`2`)}))
	assert.Zero(t, hub.Subscribers("acc"))

	var got []string
	for p := range slow.C() {
		got = append(got, string(p))
	}
	assert.Equal(t, []string{"1"}, got)
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	hub := NewHub(nil, nil)
	sub := hub.Subscribe("acc")
	assert.Equal(t, 1, hub.Subscribers("acc"))

	sub.Close()
	sub.Close()
	assert.Zero(t, hub.Subscribers("acc"))
	_, open := <-sub.C()
	assert.False(t, open)
}

func TestHub_RejectsUnencodable(t *testing.T) {
	hub := NewHub(nil, nil)
	err := hub.Broadcast(context.Background(), "acc", make(chan int))
	assert.Error(t, err)
}

func TestEncodePayload_CopiesOutOfPooledBuffer(t *testing.T) {
	first, err := encodePayload(taskEvent{TaskID: "t1", Type: "queued"})
	require.NoError(t, err)
	second, err := encodePayload(taskEvent{TaskID: "t2", Type: "aborted"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"taskId":"t1","type":"queued"}`, string(first))
	assert.JSONEq(t, `{"taskId":"t2","type":"aborted"}`, string(second))
	assert.False(t, strings.HasSuffix(string(first), "\n"))
}

// =============================================================================
// 🧪 Redis relay
// =============================================================================

func TestRedisRelay_DeliversAcrossNodes(t *testing.T) {
	ctx := testutil.TestContext(t)
	_, client := testutil.NewRedis(t)

	nodeA := NewHub(nil, zap.NewNop())
	nodeB := NewHub(nil, zap.NewNop())
	relayA := NewRedisRelay(client, "df:", nodeA, zap.NewNop())
	relayB := NewRedisRelay(client, "df:", nodeB, zap.NewNop())
	nodeA.SetRelay(relayA)
	nodeB.SetRelay(relayB)

	require.NoError(t, relayA.Start(ctx))
	defer relayA.Stop()
	require.NoError(t, relayB.Start(ctx))
	defer relayB.Stop()
	assert.Error(t, relayA.Start(ctx))

	onA := nodeA.Subscribe("acc")
	onB := nodeB.Subscribe("acc")

	require.NoError(t, nodeA.Broadcast(ctx, "acc", taskEvent{TaskID: "t1", Type: "ABORTED"}))

	assert.Equal(t, "t1", recv(t, onA).TaskID)
	assert.Equal(t, "t1", recv(t, onB).TaskID)
}

func TestRedisRelay_IgnoresMalformedPayloads(t *testing.T) {
	ctx := testutil.TestContext(t)
	_, client := testutil.NewRedis(t)

	hub := NewHub(nil, zap.NewNop())
	relay := NewRedisRelay(client, "df:", hub, zap.NewNop())
	require.NoError(t, relay.Start(ctx))
	defer relay.Stop()
	sub := hub.Subscribe("acc")

	require.NoError(t, client.Publish(ctx, "df:broadcast:acc", "not json").Err())
	require.NoError(t, client.Publish(ctx, "df:broadcast:acc", `{"taskId":"t2"}`).Err())

	assert.Equal(t, "t2", recv(t, sub).TaskID)

	relay.Stop()
	relay.Stop()
}

// =============================================================================
// 🧪 Websocket
// =============================================================================

func TestHandler_StreamsAccountBroadcasts(t *testing.T) {
	ctx := testutil.TestContext(t)
	hub := NewHub(nil, zap.NewNop())

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/accounts/{accountId}/stream", NewHandler(hub, nil, nil, zap.NewNop()))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/accounts/acc/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	testutil.AssertEventuallyTrue(t, func() bool { return hub.Subscribers("acc") == 1 }, 2*time.Second)

	require.NoError(t, hub.Broadcast(ctx, "acc", taskEvent{TaskID: "t1", Type: "QUEUED"}))

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.JSONEq(t, `{"taskId":"t1","type":"QUEUED"}`, string(data))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))
	testutil.AssertEventuallyTrue(t, func() bool { return hub.Subscribers("acc") == 0 }, 2*time.Second)
}

func TestHandler_RequiresAccount(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())
	h := NewHandler(hub, func(*http.Request) string { return "" }, nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
