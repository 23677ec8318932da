// Package google implements the Google Cloud Speech C5 adapters, grounded
// on _examples/original_source/services/google-transcribe/src/lib.rs (which
// wraps the v2 gRPC client) and ported onto the official
// cloud.google.com/go/speech and cloud.google.com/go/texttospeech Go client
// libraries, the idiomatic way to reach the same APIs from Go.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/protocol"
	"github.com/rapidaai/audioknife/internal/service/paramutil"
)

// TranscribeParams is the Start params shape for google-transcribe.
// CredentialsFile is optional; when unset the client falls back to
// Application Default Credentials, as the original source assumed.
type TranscribeParams struct {
	Language        string `json:"language" validate:"required"`
	CredentialsFile string `json:"credentialsFile"`
}

// Transcribe is the google-transcribe adapter: audio in, interim/final text
// out, streamed over the Cloud Speech-to-Text v1 bidirectional RPC.
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
	if inputFormat.Channels != 1 {
		return fmt.Errorf("google: only mono input is supported")
	}

	var clientOpts []option.ClientOption
	if params.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(params.CredentialsFile))
	}
	client, err := speech.NewClient(ctx, clientOpts...)
	if err != nil {
		return fmt.Errorf("google: new speech client: %w", err)
	}
	defer client.Close()

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		return fmt.Errorf("google: open streaming recognize: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: int32(inputFormat.SampleRate),
					LanguageCode:    params.Language,
				},
				InterimResults: true,
			},
		},
	}); err != nil {
		return fmt.Errorf("google: send streaming config: %w", err)
	}

	in, out, err := conv.Start()
	if err != nil {
		return err
	}

	pumpErr := make(chan error, 1)
	go func() {
		for {
			input, ok := in.Recv(ctx)
			if !ok {
				pumpErr <- nil
				return
			}
			if input.Kind != core.InputAudio {
				pumpErr <- fmt.Errorf("google: unexpected non-audio input")
				return
			}
			mono, err := input.Frame.IntoMono()
			if err != nil {
				pumpErr <- err
				return
			}
			if err := stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: mono.ToLEBytes(),
				},
			}); err != nil {
				pumpErr <- fmt.Errorf("google: send audio content: %w", err)
				return
			}
			// Google bills streaming recognition per 15-second increment of
			// audio submitted; we report the exact duration sent and leave
			// rounding to billing aggregation.
			if err := out.BillingRecords(nil, "audio:input", []protocol.BillingRecord{
				{Name: "audio:input", Value: protocol.DurationValue(mono.Duration())},
			}, core.ScheduleNow); err != nil {
				pumpErr <- err
				return
			}
		}
	}()

	recvErr := make(chan error, 1)
	go func() {
		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				recvErr <- nil
				return
			}
			if err != nil {
				recvErr <- fmt.Errorf("google: receive streaming response: %w", err)
				return
			}
			for _, result := range resp.Results {
				if len(result.Alternatives) == 0 {
					continue
				}
				text := result.Alternatives[0].Transcript
				if err := out.Text(result.IsFinal, text); err != nil {
					recvErr <- err
					return
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-pumpErr:
		if err != nil {
			return err
		}
		if err := stream.CloseSend(); err != nil {
			return fmt.Errorf("google: close send: %w", err)
		}
		return <-recvErr
	case err := <-recvErr:
		return err
	}
}
