package azure

import (
	"context"
	"encoding/json"
	"fmt"

	msaudio "github.com/Microsoft/cognitive-services-speech-sdk-go/audio"
	msspeech "github.com/Microsoft/cognitive-services-speech-sdk-go/speech"

	internalaudio "github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/protocol"
	"github.com/rapidaai/audioknife/internal/service/paramutil"
)

// translateOutputFormat is the only format the translator's synthesis leg
// can produce (services/azure/src/translate.rs: "There is no way to change
// the translator's output audio format... we need to use 16khz").
var translateOutputFormat = internalaudio.Format{Channels: 1, SampleRate: 16000}

// TranslateParams is the Start params shape for azure-translate, ported
// from services/azure/src/translate.rs's Params.
type TranslateParams struct {
	Host                string `json:"host"`
	Region              string `json:"region"`
	SubscriptionKey     string `json:"subscriptionKey" validate:"required"`
	RecognitionLanguage string `json:"recognitionLanguage" validate:"required"`
	TargetLanguage      string `json:"targetLanguage" validate:"required"`
	TargetVoice         string `json:"targetVoice"`
}

// translateServiceEvent mirrors the reference's ServiceEvent enum, posted
// around each synthesized translation audio burst.
type translateServiceEvent struct {
	Type string `json:"type"`
}

// Translate is the azure-translate adapter: audio in one language, text
// and/or synthesized audio out in another.
type Translate struct{}

func (Translate) Kind() core.Kind { return core.KindSpeechTranslator }

func (Translate) DecodeParams(raw json.RawMessage) (any, error) {
	return paramutil.Decode[TranslateParams](raw)
}

func (Translate) Conversation(ctx context.Context, rawParams any, conv *core.Conversation) error {
	params := rawParams.(TranslateParams)

	inputFormat, err := conv.RequireAudioInput()
	if err != nil {
		return err
	}
	if inputFormat.Channels != 1 {
		return fmt.Errorf("azure: only mono input is supported")
	}

	wantText, wantInterim, wantAudio, audioFormat, err := translateOutputModalities(conv)
	if err != nil {
		return err
	}
	if wantAudio && audioFormat != translateOutputFormat {
		return fmt.Errorf("azure: translate synthesis output is fixed at %s", translateOutputFormat)
	}

	speechConfig, err := newTranslationConfig(params)
	if err != nil {
		return err
	}
	defer speechConfig.Close()
	if wantAudio {
		if err := speechConfig.SetVoiceName(params.TargetVoice); err != nil {
			return fmt.Errorf("azure: set target voice: %w", err)
		}
	}

	streamFormat, err := msaudio.GetDefaultInputFormat()
	if err != nil {
		return fmt.Errorf("azure: default input format: %w", err)
	}
	defer streamFormat.Close()
	pushStream, err := msaudio.CreatePushAudioInputStreamFromFormat(streamFormat)
	if err != nil {
		return fmt.Errorf("azure: create push stream: %w", err)
	}
	defer pushStream.CloseStream()
	audioConfig, err := msaudio.NewAudioConfigFromStreamInput(pushStream)
	if err != nil {
		return fmt.Errorf("azure: audio config from stream: %w", err)
	}
	defer audioConfig.Close()

	recognizer, err := msspeech.NewTranslationRecognizerFromConfig(speechConfig, audioConfig)
	if err != nil {
		return fmt.Errorf("azure: new translation recognizer: %w", err)
	}
	defer recognizer.Close()

	in, out, err := conv.Start()
	if err != nil {
		return err
	}

	type translated struct {
		final bool
		text  string
	}
	textCh := make(chan translated, 32)
	synth := make(chan []int16, 32)

	recognizer.Recognizing(func(event msspeech.TranslationRecognitionEventArgs) {
		defer event.Close()
		if !wantInterim {
			return
		}
		if text, ok := event.Result.Translations[params.TargetLanguage]; ok {
			textCh <- translated{final: false, text: text}
		}
	})
	recognizer.Recognized(func(event msspeech.TranslationRecognitionEventArgs) {
		defer event.Close()
		if wantText {
			if text, ok := event.Result.Translations[params.TargetLanguage]; ok {
				textCh <- translated{final: true, text: text}
			}
		}
	})
	recognizer.Synthesizing(func(event msspeech.TranslationSynthesisEventArgs) {
		defer event.Close()
		if !wantAudio || len(event.Result.AudioData) == 0 {
			return
		}
		synth <- internalaudio.SamplesFromLEBytes(event.Result.AudioData)
	})

	if outcome := <-recognizer.StartContinuousRecognitionAsync(); outcome != nil {
		return fmt.Errorf("azure: start continuous recognition: %w", outcome)
	}
	defer func() { <-recognizer.StopContinuousRecognitionAsync() }()

	pumpErr := make(chan error, 1)
	go func() {
		for {
			input, ok := in.Recv(ctx)
			if !ok {
				pumpErr <- nil
				return
			}
			if input.Kind != core.InputAudio {
				pumpErr <- fmt.Errorf("azure: unexpected non-audio input")
				return
			}
			mono, err := input.Frame.IntoMono()
			if err != nil {
				pumpErr <- err
				return
			}
			if err := pushStream.Write(mono.ToLEBytes()); err != nil {
				pumpErr <- fmt.Errorf("azure: write audio: %w", err)
				return
			}
			if err := out.BillingRecords(nil, "", []protocol.BillingRecord{
				{Name: "audio:input", Value: protocol.DurationValue(mono.Duration())},
			}, core.ScheduleNow); err != nil {
				pumpErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-textCh:
			if err := out.Text(t.final, t.text); err != nil {
				return err
			}
		case samples := <-synth:
			frame := internalaudio.Frame{Format: translateOutputFormat, Samples: samples}
			if err := out.ServiceEvent(protocol.PathMedia, translateServiceEvent{Type: "audioStart"}); err != nil {
				return err
			}
			if err := out.BillingRecords(nil, "", []protocol.BillingRecord{
				{Name: "audio:output", Value: protocol.DurationValue(frame.Duration())},
			}, core.ScheduleNow); err != nil {
				return err
			}
			if err := out.AudioFrame(frame); err != nil {
				return err
			}
			if err := out.ServiceEvent(protocol.PathMedia, translateServiceEvent{Type: "audioStop"}); err != nil {
				return err
			}
		case err := <-pumpErr:
			if err != nil {
				return err
			}
			pushStream.CloseStream()
		}
	}
}

func newTranslationConfig(params TranslateParams) (*msspeech.SpeechTranslationConfig, error) {
	var (
		cfg *msspeech.SpeechTranslationConfig
		err error
	)
	switch {
	case params.Host != "":
		cfg, err = msspeech.NewSpeechTranslationConfigFromHost(params.Host, params.SubscriptionKey)
	case params.Region != "":
		cfg, err = msspeech.NewSpeechTranslationConfigFromSubscription(params.SubscriptionKey, params.Region)
	default:
		return nil, fmt.Errorf("azure: neither host nor region is set in params")
	}
	if err != nil {
		return nil, fmt.Errorf("azure: new translation config: %w", err)
	}
	if err := cfg.SetSpeechRecognitionLanguage(params.RecognitionLanguage); err != nil {
		return nil, fmt.Errorf("azure: set recognition language: %w", err)
	}
	if err := cfg.AddTargetLanguage(params.TargetLanguage); err != nil {
		return nil, fmt.Errorf("azure: add target language: %w", err)
	}
	return cfg, nil
}

// translateOutputModalities classifies the conversation's declared output
// modalities the way OutputModalities::from_modalities does in the
// reference, rejecting anything but at most one text, one interim text, and
// one audio output.
func translateOutputModalities(conv *core.Conversation) (text, interim, wantAudio bool, audioFormat internalaudio.Format, err error) {
	for _, m := range conv.OutputModalities() {
		switch m.Kind {
		case protocol.ModalityText:
			if text {
				return false, false, false, internalaudio.Format{}, fmt.Errorf("azure: at most one text output is supported")
			}
			text = true
		case protocol.ModalityInterimText:
			if interim {
				return false, false, false, internalaudio.Format{}, fmt.Errorf("azure: at most one interim text output is supported")
			}
			interim = true
		case protocol.ModalityAudio:
			if wantAudio {
				return false, false, false, internalaudio.Format{}, fmt.Errorf("azure: at most one audio output is supported")
			}
			wantAudio = true
			audioFormat = m.Format
		}
	}
	return text, interim, wantAudio, audioFormat, nil
}
