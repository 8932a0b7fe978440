package live

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitals/pkg/telemetry"
)

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, hub.HasClients, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHub_BroadcastsEvents(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dial(t, hub)
	hour := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	sample := telemetry.Sample{Timestamp: hour.Add(time.Minute), HeartRate: 72, BloodOxygen: 98}
	hub.SampleAccepted(sample, telemetry.HourBucket{HourKey: hour, IsRecording: true, AverageHeartRate: 72, Samples: []telemetry.Sample{sample}})

	ev := readEvent(t, conn)
	assert.Equal(t, EventSample, ev.Type)
	require.NotNil(t, ev.Sample)
	assert.Equal(t, 72.0, ev.Sample.HeartRate)
	require.NotNil(t, ev.Bucket)
	assert.Empty(t, ev.Bucket.Samples)

	hub.BucketComplete(telemetry.HourBucket{HourKey: hour})
	ev = readEvent(t, conn)
	assert.Equal(t, EventBucketComplete, ev.Type)
	assert.True(t, ev.Timestamp.Equal(hour.Add(time.Hour)))

	hub.PollError(errors.New("sensor unreachable"))
	ev = readEvent(t, conn)
	assert.Equal(t, EventPollError, ev.Type)
	assert.Equal(t, "sensor unreachable", ev.Error)
}

func TestHub_UnregistersClosedClients(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dial(t, hub)
	conn.Close()

	assert.Eventually(t, func() bool { return !hub.HasClients() }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_RejectsCrossOrigin(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHub_PublishWithoutClientsIsNoop(t *testing.T) {
	hub := NewHub(nil)
	hub.PollError(errors.New("timeout"))
	assert.Len(t, hub.broadcast, 0)
}

func TestHub_HandleWebSocketAfterStop(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	// nothing reads the queue any more; a full one must not hold handlers
	for i := 0; i < cap(hub.register); i++ {
		hub.register <- nil
	}

	returned := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(returned)
		hub.HandleWebSocket(w, r)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleWebSocket blocked on a stopped hub")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server side closed the connection")
	assert.False(t, hub.HasClients())
}
