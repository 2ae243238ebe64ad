package config

import "time"

// CacheConfig tunes the paywall content cache.
type CacheConfig struct {
	// Capacity is a safety cap, not an eviction policy: entries are normally
	// dropped wholesale when a new campaign arrives.
	Capacity           int           `envconfig:"CAPACITY" default:"10000" validate:"min=1"`
	TTL                time.Duration `envconfig:"TTL" default:"0s"`
	PreloadEnabled     bool          `envconfig:"PRELOAD_ENABLED" default:"true"`
	PreloadConcurrency int           `envconfig:"PRELOAD_CONCURRENCY" default:"4" validate:"min=1"`
}

// PipelineConfig tunes the presentation request pipeline.
type PipelineConfig struct {
	// ReadinessTimeout bounds how long a request waits for config and identity.
	ReadinessTimeout     time.Duration `envconfig:"READINESS_TIMEOUT" default:"30s" validate:"gt=0"`
	AllowOverlap         bool          `envconfig:"ALLOW_OVERLAP" default:"false"`
	AutomaticallyDismiss bool          `envconfig:"AUTOMATICALLY_DISMISS" default:"true"`
}

// AssignmentConfig tunes variant assignment and confirmation.
type AssignmentConfig struct {
	DrawStrategy    string        `envconfig:"DRAW_STRATEGY" default:"random" validate:"oneof=random hash"`
	ConfirmInterval time.Duration `envconfig:"CONFIRM_INTERVAL" default:"30s" validate:"gt=0"`
	// ConfirmQueueKey enables the Redis confirmation queue when set.
	ConfirmQueueKey string `envconfig:"CONFIRM_QUEUE_KEY"`
}

// AnalyticsConfig tunes the analytics sink.
type AnalyticsConfig struct {
	BufferSize int `envconfig:"BUFFER_SIZE" default:"1024" validate:"min=1"`
	// StreamKey enables the Redis stream sink when set.
	StreamKey    string `envconfig:"STREAM_KEY"`
	StreamMaxLen int64  `envconfig:"STREAM_MAX_LEN" default:"10000" validate:"min=1"`
}
