package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultDataDir      = "./data"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
	DefaultLogLevel     = "info"
)

// Poll defaults
const (
	DefaultPollInterval = 5 * time.Second
	DefaultFetchTimeout = 5 * time.Second
)

// Background task intervals
const (
	RetentionInterval    = 1 * time.Hour
	BadgerGCInterval     = 10 * time.Minute
	DefaultRetentionDays = 30
)

// HTTP handler timeouts and limits
const (
	HandlerTimeout       = 5 * time.Second
	ExportTimeout        = 15 * time.Second
	DefaultChartWidth    = 5 * time.Minute
	DefaultLiveWidth     = 0
	MaxChatMessages      = 500
	DefaultChatPageLimit = 100
	MaxChatContentBytes  = 16 << 10
)

// Notification defaults
const (
	NotifyNone = "none"
	NotifyLog  = "log"
	NotifyHTTP = "http"
	NotifyMQTT = "mqtt"

	DefaultNotifyTopic = "vitals/completions"
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
