package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitals/pkg/telemetry"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	sent  []Notification
	err   error
	calls int
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, n)
	return nil
}

func bucket(hour int, recording bool) telemetry.HourBucket {
	return telemetry.HourBucket{
		HourKey:            time.Date(2024, 3, 10, hour, 0, 0, 0, time.UTC),
		IsRecording:        recording,
		AverageHeartRate:   81,
		AverageBloodOxygen: 97,
	}
}

func TestObserve_FiresOnceOnCompletion(t *testing.T) {
	d := &recordingDispatcher{}
	n := New(d, nil)
	ctx := context.Background()

	assert.False(t, n.Observe(ctx, bucket(9, true)))
	assert.False(t, n.Observe(ctx, bucket(9, true)))
	assert.True(t, n.Observe(ctx, bucket(9, false)))
	assert.False(t, n.Observe(ctx, bucket(9, false)), "second completed observation must not fire")

	require.Len(t, d.sent, 1)
	assert.NotEmpty(t, d.sent[0].ID)
	assert.Equal(t, "Hourly log complete", d.sent[0].Title)
	assert.Contains(t, d.sent[0].Body, "81 bpm")
	assert.Equal(t, 81.0, d.sent[0].Data.AverageHeartRate)
}

func TestObserve_AlreadyClosedNeverFires(t *testing.T) {
	d := &recordingDispatcher{}
	n := New(d, nil)

	assert.False(t, n.Observe(context.Background(), bucket(3, false)))
	assert.Zero(t, d.calls)
}

func TestObserve_IndependentHours(t *testing.T) {
	d := &recordingDispatcher{}
	n := New(d, nil)
	ctx := context.Background()

	n.Observe(ctx, bucket(9, true))
	n.Observe(ctx, bucket(10, true))
	assert.True(t, n.Observe(ctx, bucket(9, false)))
	assert.True(t, n.Observe(ctx, bucket(10, false)))
	assert.Len(t, d.sent, 2)
}

func TestObserve_FailureIsDroppedNotRetried(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("push service down")}
	n := New(d, nil)
	ctx := context.Background()

	n.Observe(ctx, bucket(9, true))
	assert.True(t, n.Observe(ctx, bucket(9, false)))
	assert.False(t, n.Observe(ctx, bucket(9, false)))
	assert.Equal(t, 1, d.calls)
}

func TestObserve_ConcurrentObservationsFireOnce(t *testing.T) {
	d := &recordingDispatcher{}
	n := New(d, nil)
	ctx := context.Background()
	n.Observe(ctx, bucket(9, true))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Observe(ctx, bucket(9, false))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, d.calls)
}

func TestObserve_ForgetsOldHours(t *testing.T) {
	n := New(&recordingDispatcher{}, nil)
	ctx := context.Background()

	n.Observe(ctx, bucket(0, true))
	n.Observe(ctx, bucket(0, false))

	later := bucket(0, true)
	later.HourKey = later.HourKey.Add(72 * time.Hour)
	n.Observe(ctx, later)
	later.IsRecording = false
	n.Observe(ctx, later)

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Len(t, n.notified, 1)
}

func TestHTTPDispatcher(t *testing.T) {
	var got Notification
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	d, err := NewHTTPDispatcher(server.URL, "push-token")
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), Notification{ID: "n1", Title: "Hourly log complete", Data: bucket(9, false)})
	require.NoError(t, err)
	assert.Equal(t, "Bearer push-token", auth)
	assert.Equal(t, "n1", got.ID)
	assert.True(t, got.Data.HourKey.Equal(bucket(9, false).HourKey))
}

func TestHTTPDispatcher_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d, err := NewHTTPDispatcher(server.URL, "")
	require.NoError(t, err)
	assert.Error(t, d.Dispatch(context.Background(), Notification{}))

	_, err = NewHTTPDispatcher("", "")
	assert.Error(t, err)
}

func TestNewMQTTDispatcher(t *testing.T) {
	tests := []struct {
		name    string
		broker  string
		topic   string
		wantErr bool
	}{
		{"tcp broker", "tcp://localhost:1883", "vitals/completions", false},
		{"mqtt scheme", "mqtt://broker.local:1883", "vitals/completions", false},
		{"websocket unsupported", "ws://localhost:9001", "vitals/completions", true},
		{"missing host", "tcp://", "vitals/completions", true},
		{"missing topic", "tcp://localhost:1883", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMQTTDispatcher(tt.broker, tt.topic)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMQTTDispatcher_UnreachableBroker(t *testing.T) {
	// reserve a port, then close it so nothing listens there
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.Listener.Addr().String()
	server.Close()

	d, err := NewMQTTDispatcher("tcp://"+addr, "vitals/completions")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, d.Dispatch(ctx, Notification{Data: bucket(9, false)}))
}
