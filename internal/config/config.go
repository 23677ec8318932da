// Package config loads process-wide configuration via viper, the way the
// teacher's integration-api/config package binds environment variables to a
// typed struct.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultAddress is used when AUDIO_KNIFE_ADDRESS is unset, per spec §6.
const DefaultAddress = "127.0.0.1:8123"

// Config is the process-wide configuration for cmd/audioknife.
type Config struct {
	// Address is the bind address for the single HTTP/WebSocket endpoint.
	Address string

	// ShutdownGracePeriod bounds how long the context switch waits for an
	// adapter to return after Stop before forcing cancellation (spec §4.1,
	// §5).
	ShutdownGracePeriod time.Duration

	// InputChannelSize and OutputChannelSize are read from the environment
	// but not used: the context switch always allocates a 256-slot input
	// and a 32-slot output channel per conversation.
	InputChannelSize  int
	OutputChannelSize int

	// Debug enables debug-level logging.
	Debug bool

	// Azure, Google, OpenAI, Deepgram hold provider credentials read from
	// the environment. No adapter reads them: each adapter takes its
	// credentials from its Start params. They do not affect the core.
	Azure    AzureConfig
	Google   GoogleConfig
	OpenAI   OpenAIConfig
	Deepgram DeepgramConfig
}

// AzureConfig carries Azure Cognitive Services Speech credentials.
type AzureConfig struct {
	Region          string
	SubscriptionKey string
	Host            string
}

// GoogleConfig carries Google Cloud Speech credentials (typically supplied
// via GOOGLE_APPLICATION_CREDENTIALS and consumed by the SDK directly).
type GoogleConfig struct {
	ProjectId string
}

// OpenAIConfig carries OpenAI Realtime dialog credentials.
type OpenAIConfig struct {
	APIKey        string
	RealtimeModel string
}

// DeepgramConfig carries Deepgram transcription credentials.
type DeepgramConfig struct {
	APIKey string
}

// Load reads configuration from the environment with sane defaults,
// matching the precedence rule in spec §6: env AUDIO_KNIFE_ADDRESS ->
// 127.0.0.1:8123.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("AUDIO_KNIFE_ADDRESS", DefaultAddress)
	v.SetDefault("AUDIO_KNIFE_SHUTDOWN_GRACE_MS", 2000)
	v.SetDefault("AUDIO_KNIFE_INPUT_CHANNEL_SIZE", 256)
	v.SetDefault("AUDIO_KNIFE_OUTPUT_CHANNEL_SIZE", 32)
	v.SetDefault("AUDIO_KNIFE_DEBUG", false)

	return Config{
		Address:             v.GetString("AUDIO_KNIFE_ADDRESS"),
		ShutdownGracePeriod: time.Duration(v.GetInt("AUDIO_KNIFE_SHUTDOWN_GRACE_MS")) * time.Millisecond,
		InputChannelSize:    v.GetInt("AUDIO_KNIFE_INPUT_CHANNEL_SIZE"),
		OutputChannelSize:   v.GetInt("AUDIO_KNIFE_OUTPUT_CHANNEL_SIZE"),
		Debug:               v.GetBool("AUDIO_KNIFE_DEBUG"),
		Azure: AzureConfig{
			Region:          v.GetString("AZURE_REGION"),
			SubscriptionKey: v.GetString("AZURE_SUBSCRIPTION_KEY"),
			Host:            v.GetString("AZURE_HOST"),
		},
		Google: GoogleConfig{
			ProjectId: v.GetString("GOOGLE_PROJECT_ID"),
		},
		OpenAI: OpenAIConfig{
			APIKey:        v.GetString("OPENAI_API_KEY"),
			RealtimeModel: v.GetString("OPENAI_REALTIME_API_MODEL"),
		},
		Deepgram: DeepgramConfig{
			APIKey: v.GetString("DEEPGRAM_API_KEY"),
		},
	}
}
