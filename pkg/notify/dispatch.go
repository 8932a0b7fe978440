package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

// Discard drops every notification
type Discard struct{}

// Dispatch does nothing
func (Discard) Dispatch(ctx context.Context, n Notification) error { return nil }

// LogDispatcher writes notifications to the log
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a dispatcher that only logs
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the notification
func (d *LogDispatcher) Dispatch(ctx context.Context, n Notification) error {
	d.logger.Info(n.Title, "body", n.Body, "hour", n.Data.HourKey)
	return nil
}

// HTTPDispatcher POSTs notifications as JSON
type HTTPDispatcher struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPDispatcher creates an HTTP push dispatcher
func NewHTTPDispatcher(endpoint, token string) (*HTTPDispatcher, error) {
	if endpoint == "" {
		return nil, errors.New("notification endpoint is required")
	}
	return &HTTPDispatcher{
		endpoint: endpoint,
		token:    token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Dispatch sends the notification to the push endpoint
func (d *HTTPDispatcher) Dispatch(ctx context.Context, n Notification) error {
	jsonData, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	return nil
}

// MQTTDispatcher publishes notifications to an MQTT v5 broker.
// Completions arrive once an hour, so each dispatch opens its own session.
type MQTTDispatcher struct {
	broker   *url.URL
	topic    string
	clientID string
}

// NewMQTTDispatcher creates a dispatcher for a broker URL such as
// tcp://localhost:1883.
func NewMQTTDispatcher(broker, topic string) (*MQTTDispatcher, error) {
	u, err := url.Parse(broker)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL: %w", err)
	}
	if u.Scheme != "tcp" && u.Scheme != "mqtt" {
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("broker host is required")
	}
	if topic == "" {
		return nil, errors.New("notification topic is required")
	}

	return &MQTTDispatcher{
		broker:   u,
		topic:    topic,
		clientID: "vitals-" + uuid.NewString()[:8],
	}, nil
}

// Dispatch publishes the notification at QoS 1
func (d *MQTTDispatcher) Dispatch(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.broker.Host)
	if err != nil {
		return fmt.Errorf("failed to reach broker: %w", err)
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: d.clientID,
		Conn:     conn,
	})

	connack, err := client.Connect(ctx, &paho.Connect{
		ClientID:   d.clientID,
		KeepAlive:  30,
		CleanStart: true,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	if connack.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("broker refused connection: reason %d", connack.ReasonCode)
	}
	defer client.Disconnect(&paho.Disconnect{ReasonCode: 0})

	_, err = client.Publish(ctx, &paho.Publish{
		QoS:     1,
		Topic:   d.topic,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	return nil
}
