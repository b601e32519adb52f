package core

import "time"

// Settings represents the main configuration for the application
type Settings struct {
	Symbols  []string         // List of symbols to track, e.g. BTCUSDT
	Telegram TelegramSettings // Telegram notification settings
	Pipeline PipelineSettings // Notification pipeline settings
	API      APISettings      // Web API settings
}

// TelegramSettings holds configuration for Telegram integration
type TelegramSettings struct {
	Enabled bool   // Whether Telegram notifications are enabled
	Token   string // Telegram bot token
}

// OverlapPolicy controls what happens when a tick is still dispatching when
// the next one is due
type OverlapPolicy string

const (
	OverlapWait OverlapPolicy = "wait" // delay the next tick until dispatch finishes
	OverlapSkip OverlapPolicy = "skip" // drop ticks that would overlap
)

// PipelineSettings holds configuration for the subscription-to-notification
// pipeline
type PipelineSettings struct {
	TickInterval        time.Duration // interval between scheduler ticks
	FetchTimeout        time.Duration // price source request timeout
	DeliveryTimeout     time.Duration // single notifier call timeout
	MaxAttempts         int           // retry budget per match event
	BackoffBase         time.Duration // first retry delay
	BackoffCap          time.Duration // maximum retry delay
	BucketSize          int           // per-user token bucket capacity
	RefillRate          float64       // tokens added per second per user
	Concurrency         int           // dispatch worker pool size
	Overlap             OverlapPolicy // tick overlap policy
	GracePeriod         time.Duration // shutdown grace for the in-flight tick
	StorageFailureLimit int           // consecutive storage failures before fail-stop
	Trigger             TriggerPolicy // notification trigger policy
}

// APISettings holds configuration for the user-facing HTTP API
type APISettings struct {
	Addr      string        // listen address, empty disables the API
	JWTSecret string        // HS256 signing secret
	TokenTTL  time.Duration // access token lifetime
}

// DefaultPipelineSettings returns sensible pipeline defaults
func DefaultPipelineSettings() PipelineSettings {
	return PipelineSettings{
		TickInterval:        5 * time.Second,
		FetchTimeout:        3 * time.Second,
		DeliveryTimeout:     5 * time.Second,
		MaxAttempts:         5,
		BackoffBase:         2 * time.Second,
		BackoffCap:          2 * time.Minute,
		BucketSize:          3,
		RefillRate:          0.5,
		Concurrency:         4,
		Overlap:             OverlapWait,
		GracePeriod:         10 * time.Second,
		StorageFailureLimit: 10,
		Trigger:             TriggerOnCross,
	}
}
