// Package deepgram implements the deepgram-transcribe C5 adapter. It has
// no original_source counterpart (context-switch never targeted Deepgram);
// it is built in the same shape as azure.Transcribe and grounded on the
// same audio/text streaming contract, giving
// github.com/deepgram/deepgram-go-sdk/v3 a concrete home per SPEC_FULL's
// domain stack.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"

	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces/v1"

	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/protocol"
	"github.com/rapidaai/audioknife/internal/service/paramutil"
)

// TranscribeParams is the Start params shape for deepgram-transcribe.
type TranscribeParams struct {
	APIKey   string `json:"apiKey" validate:"required"`
	Language string `json:"language" validate:"required"`
	Model    string `json:"model"`
}

// Transcribe is the deepgram-transcribe adapter: audio in, interim/final
// text out, over Deepgram's live streaming websocket.
type Transcribe struct{}

func (Transcribe) Kind() core.Kind { return core.KindTranscriber }

func (Transcribe) DecodeParams(raw json.RawMessage) (any, error) {
	return paramutil.Decode[TranscribeParams](raw)
}

// callback adapts Deepgram's live-message callback interface onto two
// buffered result channels the conversation loop drains.
type callback struct {
	interim    chan string
	final      chan string
	done       chan error
}

func (c *callback) Message(mr *interfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := mr.Channel.Alternatives[0].Transcript
	if text == "" {
		return nil
	}
	if mr.IsFinal {
		c.final <- text
	} else {
		c.interim <- text
	}
	return nil
}

func (c *callback) Open(*interfaces.OpenResponse) error    { return nil }
func (c *callback) Metadata(*interfaces.MetadataResponse) error { return nil }
func (c *callback) SpeechStarted(*interfaces.SpeechStartedResponse) error { return nil }
func (c *callback) UtteranceEnd(*interfaces.UtteranceEndResponse) error   { return nil }
func (c *callback) Close(*interfaces.CloseResponse) error {
	c.done <- nil
	return nil
}
func (c *callback) Error(er *interfaces.ErrorResponse) error {
	c.done <- fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.ErrMsg)
	return nil
}
func (c *callback) UnhandledEvent(byMsg []byte) error { return nil }

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
		return fmt.Errorf("deepgram: only mono input is supported")
	}

	cb := &callback{
		interim: make(chan string, 32),
		final:   make(chan string, 32),
		done:    make(chan error, 1),
	}

	wsClient, err := client.NewWSUsingCallback(
		ctx,
		params.APIKey,
		&interfaces.ClientOptions{},
		&interfaces.LiveTranscriptionOptions{
			Language:   params.Language,
			Model:      params.Model,
			Encoding:   "linear16",
			SampleRate: int(inputFormat.SampleRate),
			Channels:   int(inputFormat.Channels),
			Punctuate:  true,
			InterimResults: true,
		},
		cb,
	)
	if err != nil {
		return fmt.Errorf("deepgram: new websocket client: %w", err)
	}
	if ok := wsClient.Connect(); !ok {
		return fmt.Errorf("deepgram: failed to connect")
	}
	defer wsClient.Stop()

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
				pumpErr <- fmt.Errorf("deepgram: unexpected non-audio input")
				return
			}
			mono, err := input.Frame.IntoMono()
			if err != nil {
				pumpErr <- err
				return
			}
			if _, err := wsClient.Write(mono.ToLEBytes()); err != nil {
				pumpErr <- fmt.Errorf("deepgram: write audio: %w", err)
				return
			}
			if err := out.BillingRecords(nil, "listen", []protocol.BillingRecord{
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
		case text := <-cb.interim:
			if err := out.Text(false, text); err != nil {
				return err
			}
		case text := <-cb.final:
			if err := out.Text(true, text); err != nil {
				return err
			}
		case err := <-cb.done:
			return err
		case err := <-pumpErr:
			if err != nil {
				return err
			}
			wsClient.Stop()
		}
	}
}
