// Package azure implements the Azure Cognitive Services Speech C5
// adapters: synthesize, transcribe and translate, grounded on
// _examples/original_source/services/azure/src/{synthesize,transcribe}.rs
// and ported onto github.com/Microsoft/cognitive-services-speech-sdk-go.
package azure

import (
	"fmt"

	"github.com/Microsoft/cognitive-services-speech-sdk-go/speech"
)

// newSpeechConfig resolves either an explicit host or a region/subscription
// pair into a *speech.SpeechConfig, mirroring endpoints/azure/src/host.rs's
// Host::from_host / Host::from_subscription split.
func newSpeechConfig(host, region, subscriptionKey string) (*speech.SpeechConfig, error) {
	switch {
	case host != "":
		cfg, err := speech.NewSpeechConfigFromHost(host, subscriptionKey)
		if err != nil {
			return nil, fmt.Errorf("azure: speech config from host: %w", err)
		}
		return cfg, nil
	case region != "":
		cfg, err := speech.NewSpeechConfigFromSubscription(subscriptionKey, region)
		if err != nil {
			return nil, fmt.Errorf("azure: speech config from subscription: %w", err)
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("azure: neither host nor region is set in params")
	}
}
