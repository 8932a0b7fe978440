package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startBroker runs an in-process MQTT broker and returns its tcp:// URL.
func startBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	broker := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "test",
		Type:    "tcp",
		Address: addr,
	})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { broker.Close() })

	return broker, "tcp://" + addr
}

func TestMQTTDispatcher_Publishes(t *testing.T) {
	broker, url := startBroker(t)

	received := make(chan packets.Packet, 1)
	require.NoError(t, broker.Subscribe("vitals/completions", 1, func(cl *mochi.Client, sub packets.Subscription, pk packets.Packet) {
		received <- pk
	}))

	d, err := NewMQTTDispatcher(url, "vitals/completions")
	require.NoError(t, err)

	n := Notification{
		ID:    "n-1",
		Title: "Hourly log complete",
		Body:  "Mar 10 09:00: avg heart rate 81 bpm, avg SpO2 97%",
		Data:  bucket(9, false),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Dispatch(ctx, n))

	select {
	case pk := <-received:
		assert.Equal(t, "vitals/completions", pk.TopicName)
		assert.Equal(t, "application/json", pk.Properties.ContentType)

		var got Notification
		require.NoError(t, json.Unmarshal(pk.Payload, &got))
		assert.Equal(t, n.Title, got.Title)
		assert.Equal(t, n.Body, got.Body)
		assert.True(t, got.Data.HourKey.Equal(n.Data.HourKey))
	case <-time.After(5 * time.Second):
		t.Fatal("broker never received the notification")
	}
}

func TestMQTTDispatcher_SessionPerDispatch(t *testing.T) {
	broker, url := startBroker(t)

	received := make(chan struct{}, 3)
	require.NoError(t, broker.Subscribe("vitals/#", 1, func(cl *mochi.Client, sub packets.Subscription, pk packets.Packet) {
		received <- struct{}{}
	}))

	d, err := NewMQTTDispatcher(url, "vitals/completions")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, d.Dispatch(ctx, Notification{ID: fmt.Sprint(i), Data: bucket(9+i, false)}))
		cancel()
	}

	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 3 notifications arrived", i)
		}
	}
}
