package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Microsoft/cognitive-services-speech-sdk-go/common"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/speech"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/protocol"
	"github.com/rapidaai/audioknife/internal/service/paramutil"
)

// SynthesizeParams is the Start params shape for the azure-synthesize
// service, ported from services/azure/src/synthesize.rs's Params.
type SynthesizeParams struct {
	Host            string `json:"host"`
	Region          string `json:"region"`
	SubscriptionKey string `json:"subscriptionKey" validate:"required"`
	Language        string `json:"language" validate:"required"`
	Voice           string `json:"voice"`
}

// Synthesize is the azure-synthesize adapter: text in, single audio output.
type Synthesize struct{}

func (Synthesize) Kind() core.Kind { return core.KindSynthesizer }

func (Synthesize) DecodeParams(raw json.RawMessage) (any, error) {
	return paramutil.Decode[SynthesizeParams](raw)
}

func (Synthesize) Conversation(ctx context.Context, rawParams any, conv *core.Conversation) error {
	params := rawParams.(SynthesizeParams)

	if err := conv.RequireTextInputOnly(); err != nil {
		return err
	}
	outputFormat, err := conv.RequireSingleAudioOutput()
	if err != nil {
		return err
	}

	azureFormat, err := outputAudioFormat(outputFormat)
	if err != nil {
		return err
	}

	voice := params.Voice
	if voice == "" {
		voice, err = defaultVoice(params.Language)
		if err != nil {
			return err
		}
	}
	billingScope := voiceBillingScope(voice)

	speechConfig, err := newSpeechConfig(params.Host, params.Region, params.SubscriptionKey)
	if err != nil {
		return err
	}
	defer speechConfig.Close()
	if err := speechConfig.SetSpeechSynthesisOutputFormat(azureFormat); err != nil {
		return fmt.Errorf("azure: set synthesis output format: %w", err)
	}

	synthesizer, err := speech.NewSpeechSynthesizerFromConfig(speechConfig, nil)
	if err != nil {
		return fmt.Errorf("azure: new speech synthesizer: %w", err)
	}
	defer synthesizer.Close()

	in, out, err := conv.Start()
	if err != nil {
		return err
	}

	for {
		input, ok := in.Recv(ctx)
		if !ok {
			return nil
		}
		if input.Kind != core.InputText {
			return fmt.Errorf("azure: unexpected non-text input")
		}

		ssml := buildSSML(params.Language, voice, input.Text)
		outcome := <-synthesizer.SpeakSsmlAsync(ssml)
		if outcome.Error != nil {
			return fmt.Errorf("azure: synthesis failed: %w", outcome.Error)
		}

		frame := audio.FromLEBytes(outputFormat, outcome.Result.AudioData)
		if err := out.AudioFrame(frame); err != nil {
			return err
		}
		if err := out.BillingRecords(input.RequestId, billingScope, []protocol.BillingRecord{
			{Name: "audio:synthesized", Value: protocol.DurationValue(frame.Duration())},
		}, core.ScheduleNow); err != nil {
			return err
		}
		if err := out.RequestCompleted(input.RequestId); err != nil {
			return err
		}
	}
}

// buildSSML renders the minimal speak/voice SSML envelope the reference
// adapter generates directly rather than going through language/voice
// negotiation (services/azure/src/synthesize.rs's AzureSynthesizeRequest).
func buildSSML(language, voice, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<speak version="1.0" xml:lang=%q xmlns="http://www.w3.org/2001/10/synthesis">`, language)
	fmt.Fprintf(&b, `<voice name=%q>%s</voice>`, voice, escapeSSMLText(text))
	b.WriteString(`</speak>`)
	return b.String()
}

func escapeSSMLText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func outputAudioFormat(format audio.Format) (common.SpeechSynthesisOutputFormat, error) {
	if format.Channels != 1 {
		return 0, fmt.Errorf("azure: only mono output is supported")
	}
	switch format.SampleRate {
	case 8000:
		return common.Raw8Khz16BitMonoPcm, nil
	case 16000:
		return common.Raw16Khz16BitMonoPcm, nil
	case 24000:
		return common.Raw24Khz16BitMonoPcm, nil
	case 48000:
		return common.Raw48Khz16BitMonoPcm, nil
	default:
		return 0, fmt.Errorf("azure: unsupported sample rate %d, supported: 8000, 16000, 24000, 48000", format.SampleRate)
	}
}

func defaultVoice(language string) (string, error) {
	switch language {
	case "en-US":
		return "en-US-JennyNeural", nil
	case "en-GB":
		return "en-GB-LibbyNeural", nil
	case "de-DE":
		return "de-DE-KatjaNeural", nil
	default:
		return "", fmt.Errorf("azure: no default voice for language %q, set Voice explicitly", language)
	}
}

// voiceBillingScope derives a billing scope name from the voice's model
// suffix, the way voice_to_billing_scope does in the reference adapter.
func voiceBillingScope(voice string) string {
	switch {
	case strings.HasSuffix(voice, "TurboMultilingualNeural"):
		return "TurboMultilingualNeural"
	case strings.HasSuffix(voice, "MultilingualNeuralHD"):
		return "MultilingualNeuralHD"
	case strings.HasSuffix(voice, "MultilingualNeural"):
		return "MultilingualNeural"
	case strings.HasSuffix(voice, "DragonHDFlashLatestNeural"):
		return "DragonHDFlashLatestNeural"
	case strings.HasSuffix(voice, "DragonHDLatestNeural"):
		return "DragonHDLatestNeural"
	case strings.HasSuffix(voice, "Neural"):
		return "Neural"
	default:
		return "Unknown"
	}
}
