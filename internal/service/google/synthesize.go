package google

import (
	"context"
	"encoding/json"
	"fmt"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	texttospeechpb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/protocol"
	"github.com/rapidaai/audioknife/internal/service/paramutil"
)

// SynthesizeParams is the Start params shape for google-synthesize. The
// original sources never implemented a Google TTS adapter; this is a
// supplemented C5 endpoint, built the way azure-synthesize and
// google-transcribe are built, to give cloud.google.com/go/texttospeech a
// home in the broker. CredentialsFile is optional, same fallback as
// google-transcribe.
type SynthesizeParams struct {
	Language        string `json:"language" validate:"required"`
	Voice           string `json:"voice"`
	CredentialsFile string `json:"credentialsFile"`
}

// Synthesize is the google-synthesize adapter: text in, single audio out.
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
	if outputFormat.Channels != 1 {
		return fmt.Errorf("google: only mono output is supported")
	}

	var clientOpts []option.ClientOption
	if params.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(params.CredentialsFile))
	}
	client, err := texttospeech.NewClient(ctx, clientOpts...)
	if err != nil {
		return fmt.Errorf("google: new text-to-speech client: %w", err)
	}
	defer client.Close()

	in, out, err := conv.Start()
	if err != nil {
		return err
	}

	voice := &texttospeechpb.VoiceSelectionParams{LanguageCode: params.Language, Name: params.Voice}

	for {
		input, ok := in.Recv(ctx)
		if !ok {
			return nil
		}
		if input.Kind != core.InputText {
			return fmt.Errorf("google: unexpected non-text input")
		}

		resp, err := client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
			Input: &texttospeechpb.SynthesisInput{InputSource: &texttospeechpb.SynthesisInput_Text{Text: input.Text}},
			Voice: voice,
			AudioConfig: &texttospeechpb.AudioConfig{
				AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
				SampleRateHertz: int32(outputFormat.SampleRate),
			},
		})
		if err != nil {
			return fmt.Errorf("google: synthesize speech: %w", err)
		}

		frame := audio.FromLEBytes(outputFormat, wavPCMPayload(resp.AudioContent))
		if err := out.AudioFrame(frame); err != nil {
			return err
		}
		if err := out.BillingRecords(input.RequestId, "texttospeech", []protocol.BillingRecord{
			{Name: "characters:synthesized", Value: protocol.CountValue(uint64(len(input.Text)))},
		}, core.ScheduleNow); err != nil {
			return err
		}
		if err := out.RequestCompleted(input.RequestId); err != nil {
			return err
		}
	}
}

// wavPCMPayload strips the 44-byte canonical RIFF/WAVE header the API
// returns for LINEAR16 output, leaving raw little-endian PCM16 samples.
func wavPCMPayload(b []byte) []byte {
	const canonicalWAVHeaderSize = 44
	if len(b) <= canonicalWAVHeaderSize {
		return nil
	}
	return b[canonicalWAVHeaderSize:]
}
