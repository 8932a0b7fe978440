// Package sensor fetches heart-rate and blood-oxygen readings from the
// wearable's local HTTP endpoint.
//
// The device answers GET {url}?key={authKey} with a small JSON object:
//
//	{"heartRate": 72, "spo2": 98}
//
// Fetch turns one response into a telemetry.Sample stamped with the clock
// time at which the response arrived. Probe performs the same request with
// the longer timeout used during device setup.
package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nicktill/vitals/pkg/telemetry"
)

const (
	// DefaultTimeout bounds a single poll fetch.
	DefaultTimeout = 5 * time.Second

	// ProbeTimeout bounds the setup connectivity check.
	ProbeTimeout = 20 * time.Second

	// maxBodyBytes caps how much of a response is read.
	maxBodyBytes = 64 << 10
)

var (
	// ErrStatus is returned when the sensor answers with a non-2xx status.
	ErrStatus = errors.New("sensor returned non-success status")

	// ErrMalformedPayload is returned when the body is not a usable reading.
	ErrMalformedPayload = errors.New("malformed sensor payload")
)

// Config holds sensor client configuration
type Config struct {
	URL     string
	AuthKey string
	Timeout time.Duration
	Clock   clockwork.Clock

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client fetches readings from one sensor
type Client struct {
	endpoint string
	timeout  time.Duration
	clock    clockwork.Clock
	http     *http.Client
}

// reading mirrors the device payload. Pointers tell a missing field from zero.
type reading struct {
	HeartRate *float64 `json:"heartRate"`
	SpO2      *float64 `json:"spo2"`
}

// New creates a sensor client
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("sensor URL is required")
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid sensor URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid sensor URL scheme %q", u.Scheme)
	}

	q := u.Query()
	q.Set("key", cfg.AuthKey)
	u.RawQuery = q.Encode()

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	return &Client{
		endpoint: u.String(),
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
		http:     cfg.HTTPClient,
	}, nil
}

// Fetch retrieves one reading, bounded by the configured timeout
func (c *Client) Fetch(ctx context.Context) (telemetry.Sample, error) {
	return c.fetch(ctx, c.timeout)
}

// Probe checks that the sensor answers with a valid reading.
// Used by device setup, where the wearable may still be joining the network.
func (c *Client) Probe(ctx context.Context) (telemetry.Sample, error) {
	return c.fetch(ctx, ProbeTimeout)
}

func (c *Client) fetch(ctx context.Context, timeout time.Duration) (telemetry.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("failed to reach sensor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return telemetry.Sample{}, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("failed to read sensor response: %w", err)
	}

	return c.decode(body)
}

func (c *Client) decode(body []byte) (telemetry.Sample, error) {
	var r reading
	if err := json.Unmarshal(body, &r); err != nil {
		return telemetry.Sample{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if r.HeartRate == nil || r.SpO2 == nil {
		return telemetry.Sample{}, fmt.Errorf("%w: missing heartRate or spo2", ErrMalformedPayload)
	}

	return telemetry.Sample{
		Timestamp:   c.clock.Now(),
		HeartRate:   *r.HeartRate,
		BloodOxygen: *r.SpO2,
	}, nil
}
