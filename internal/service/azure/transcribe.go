package azure

import (
	"context"
	"encoding/json"
	"fmt"

	msaudio "github.com/Microsoft/cognitive-services-speech-sdk-go/audio"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/speech"

	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/protocol"
	"github.com/rapidaai/audioknife/internal/service/paramutil"
)

// TranscribeParams is the Start params shape for azure-transcribe, ported
// from services/azure/src/transcribe.rs's Params.
type TranscribeParams struct {
	Host            string `json:"host"`
	Region          string `json:"region"`
	SubscriptionKey string `json:"subscriptionKey" validate:"required"`
	Language        string `json:"language" validate:"required"`
}

// Transcribe is the azure-transcribe adapter: audio in, interim/final text
// out.
type Transcribe struct{}

func (Transcribe) Kind() core.Kind { return core.KindTranscriber }

func (Transcribe) DecodeParams(raw json.RawMessage) (any, error) {
	return paramutil.Decode[TranscribeParams](raw)
}

func (Transcribe) Conversation(ctx context.Context, rawParams any, conv *core.Conversation) error {
	params := rawParams.(TranscribeParams)

	inputFormat, err := conv.RequireAudioInput()
	if err != nil {
		return err
	}
	if err := conv.RequireTextOutput(true); err != nil {
		return err
	}

	speechConfig, err := newSpeechConfig(params.Host, params.Region, params.SubscriptionKey)
	if err != nil {
		return err
	}
	defer speechConfig.Close()
	if err := speechConfig.SetSpeechRecognitionLanguage(params.Language); err != nil {
		return fmt.Errorf("azure: set recognition language: %w", err)
	}

	if inputFormat.Channels != 1 {
		return fmt.Errorf("azure: only mono input is supported")
	}
	streamFormat, err := msaudio.GetDefaultInputFormat()
	if err != nil {
		return fmt.Errorf("azure: default audio stream format: %w", err)
	}
	defer streamFormat.Close()

	pushStream, err := msaudio.CreatePushAudioInputStreamFromFormat(streamFormat)
	if err != nil {
		return fmt.Errorf("azure: create push audio stream: %w", err)
	}
	defer pushStream.CloseStream()

	audioConfig, err := msaudio.NewAudioConfigFromStreamInput(pushStream)
	if err != nil {
		return fmt.Errorf("azure: audio config from stream: %w", err)
	}
	defer audioConfig.Close()

	recognizer, err := speech.NewSpeechRecognizerFromConfig(speechConfig, audioConfig)
	if err != nil {
		return fmt.Errorf("azure: new speech recognizer: %w", err)
	}
	defer recognizer.Close()

	in, out, err := conv.Start()
	if err != nil {
		return err
	}

	recognized := make(chan string, 32)
	interim := make(chan string, 32)
	recognizer.Recognizing(func(event speech.SpeechRecognitionEventArgs) {
		defer event.Close()
		interim <- event.Result.Text
	})
	recognizer.Recognized(func(event speech.SpeechRecognitionEventArgs) {
		defer event.Close()
		recognized <- event.Result.Text
	})

	if err := <-recognizer.StartContinuousRecognitionAsync(); err != nil {
		return fmt.Errorf("azure: start continuous recognition: %w", err)
	}
	defer func() { <-recognizer.StopContinuousRecognitionAsync() }()

	pumpErr := make(chan error, 1)
	go func() {
		defer pushStream.CloseStream()
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
				pumpErr <- fmt.Errorf("azure: write to push stream: %w", err)
				return
			}
			// Speech-to-text hours are billed on audio sent to the
			// service, per second increments (services/azure/src/transcribe.rs).
			if err := out.BillingRecords(nil, "audio:input", []protocol.BillingRecord{
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
		case text := <-interim:
			if err := out.Text(false, text); err != nil {
				return err
			}
		case text := <-recognized:
			if err := out.Text(true, text); err != nil {
				return err
			}
		case err := <-pumpErr:
			return err
		}
	}
}
