// Package openai implements the openai-dialog C5 adapter: a full-duplex
// audio dialog against the OpenAI Realtime API, grounded on
// _examples/original_source/services/openai-dialog/src/lib.rs. The
// reference drives a raw WebSocket (tokio-tungstenite) against the
// documented Realtime wire protocol; this port does the same over
// github.com/gorilla/websocket (already the C10 transport dependency),
// since the stable, versioned event-model lives in the wire protocol
// itself rather than behind an SDK-specific client shape. Local token
// estimation for the Prompt service-input path uses
// github.com/pkoukk/tiktoken-go, supplementing the usage counts the
// Realtime API itself reports on ResponseDone.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkoukk/tiktoken-go"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/protocol"
	"github.com/rapidaai/audioknife/internal/service/paramutil"
)

// expectedFormat is the only audio format the Realtime API's PCM16 stream
// accepts (services/openai-dialog/src/lib.rs's AudioFormat::new(1, 24000)).
var expectedFormat = audio.Format{Channels: 1, SampleRate: 24000}

// DialogParams is the Start params shape for openai-dialog.
type DialogParams struct {
	APIKey       string   `json:"apiKey" validate:"required"`
	Model        string   `json:"model" validate:"required"`
	Host         string   `json:"host"`
	Instructions string   `json:"instructions"`
	Voice        string   `json:"voice"`
	Temperature  *float32 `json:"temperature"`
}

// Dialog is the openai-dialog adapter.
type Dialog struct{}

func (Dialog) Kind() core.Kind { return core.KindSpeechDialog }

func (Dialog) DecodeParams(raw json.RawMessage) (any, error) {
	return paramutil.Decode[DialogParams](raw)
}

// serviceInputEvent mirrors ServiceInputEvent from the reference adapter:
// the tagged union of things a caller can push over the ServiceEvent input
// path.
type serviceInputEvent struct {
	Type       string          `json:"type"`
	CallID     string          `json:"callId,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Text       string          `json:"text,omitempty"`
}

// serviceOutputEvent mirrors ServiceOutputEvent: what this adapter emits
// over the ServiceEvent output path.
type serviceOutputEvent struct {
	Type      string          `json:"type"`
	CallID    string          `json:"callId,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (Dialog) Conversation(ctx context.Context, rawParams any, conv *core.Conversation) error {
	params := rawParams.(DialogParams)

	inputFormat, err := conv.RequireAudioInput()
	if err != nil {
		return err
	}
	outputFormat, err := conv.RequireSingleAudioOutput()
	if err != nil {
		return err
	}
	if inputFormat != expectedFormat || outputFormat != expectedFormat {
		return fmt.Errorf("openai: dialog requires 24kHz mono audio in and out, got in=%s out=%s", inputFormat, outputFormat)
	}

	host := params.Host
	if host == "" {
		host = "wss://api.openai.com/v1/realtime"
	}
	url := fmt.Sprintf("%s?model=%s", host, params.Model)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+params.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("openai: dial realtime endpoint: %w", err)
	}
	defer conn.Close()

	if err := verifySessionCreated(conn); err != nil {
		return err
	}

	if session := buildSessionUpdate(params); session != nil {
		if err := conn.WriteJSON(map[string]any{"type": "session.update", "session": session}); err != nil {
			return fmt.Errorf("openai: send session.update: %w", err)
		}
	}

	in, out, err := conv.Start()
	if err != nil {
		return err
	}

	encoding, _ := tiktoken.GetEncoding("cl100k_base")

	d := &dialogLoop{conn: conn, out: out, encoding: encoding, billingScope: "realtime:" + params.Model}

	readErr := make(chan error, 1)
	go func() { readErr <- d.readLoop() }()

	pumpErr := make(chan error, 1)
	go func() {
		for {
			input, ok := in.Recv(ctx)
			if !ok {
				pumpErr <- nil
				return
			}
			if err := d.processInput(input); err != nil {
				pumpErr <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-readErr:
		return err
	case err := <-pumpErr:
		return err
	}
}

func verifySessionCreated(conn *websocket.Conn) error {
	var msg struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("openai: read session.created: %w", err)
	}
	if msg.Type != "session.created" {
		return fmt.Errorf("openai: expected session.created, got %q", msg.Type)
	}
	return nil
}

func buildSessionUpdate(params DialogParams) map[string]any {
	session := map[string]any{}
	if params.Instructions != "" {
		session["instructions"] = params.Instructions
	}
	if params.Voice != "" {
		session["voice"] = params.Voice
	}
	if params.Temperature != nil {
		session["temperature"] = *params.Temperature
	}
	if len(session) == 0 {
		return nil
	}
	return session
}

// dialogLoop owns the websocket and the conversation output sink;
// processInput (called from the input pump goroutine) is the only writer
// to conn and readLoop (its own goroutine) the only reader. Both may post
// to out, which is concurrency-safe (core.ConversationOutput.post is
// channel-based).
type dialogLoop struct {
	conn         *websocket.Conn
	out          *core.ConversationOutput
	encoding     *tiktoken.Tiktoken
	billingScope string
}

func (d *dialogLoop) processInput(input core.Input) error {
	switch input.Kind {
	case core.InputAudio:
		mono, err := input.Frame.IntoMono()
		if err != nil {
			return err
		}
		return d.conn.WriteJSON(map[string]any{
			"type":  "input_audio_buffer.append",
			"audio": base64.StdEncoding.EncodeToString(mono.ToLEBytes()),
		})
	case core.InputServiceEvent:
		var ev serviceInputEvent
		if err := json.Unmarshal(input.Value, &ev); err != nil {
			return fmt.Errorf("openai: decode service input event: %w", err)
		}
		switch ev.Type {
		case "functionCallResult":
			if err := d.conn.WriteJSON(map[string]any{
				"type": "conversation.item.create",
				"item": map[string]any{"type": "function_call_output", "call_id": ev.CallID, "output": string(ev.Output)},
			}); err != nil {
				return err
			}
			return d.conn.WriteJSON(map[string]any{"type": "response.create"})
		case "prompt":
			if d.encoding != nil {
				tokens := d.encoding.Encode(ev.Text, nil, nil)
				if err := d.out.BillingRecords(nil, d.billingScope, []protocol.BillingRecord{
					{Name: "tokens:prompt:estimated", Value: protocol.CountValue(uint64(len(tokens)))},
				}, core.ScheduleNow); err != nil {
					return err
				}
			}
			return d.conn.WriteJSON(map[string]any{
				"type":     "response.create",
				"response": map[string]any{"instructions": ev.Text},
			})
		default:
			return fmt.Errorf("openai: unknown service input event %q", ev.Type)
		}
	default:
		return fmt.Errorf("openai: unexpected text input")
	}
}

func (d *dialogLoop) readLoop() error {
	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("openai: read realtime event: %w", err)
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return fmt.Errorf("openai: decode realtime event: %w", err)
		}
		if err := d.handleEvent(head.Type, data); err != nil {
			return err
		}
	}
}

func (d *dialogLoop) handleEvent(eventType string, data []byte) error {
	switch eventType {
	case "error":
		var e struct {
			Error struct{ Message string } `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return fmt.Errorf("openai: realtime error: %s", e.Error.Message)

	case "response.audio.delta":
		var delta struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &delta); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(delta.Delta)
		if err != nil {
			return fmt.Errorf("openai: decode audio delta: %w", err)
		}
		return d.out.AudioFrame(audio.FromLEBytes(expectedFormat, raw))

	case "input_audio_buffer.speech_started":
		return d.out.ClearAudio()

	case "response.done":
		return d.handleResponseDone(data)

	case "session.updated":
		return d.out.ServiceEvent(protocol.PathControl, serviceOutputEvent{Type: "sessionUpdated"})

	default:
		return nil
	}
}

func (d *dialogLoop) handleResponseDone(data []byte) error {
	var resp struct {
		Response struct {
			Object string `json:"object"`
			Status string `json:"status"`
			Output []struct {
				Type   string `json:"type"`
				Status string `json:"status"`
				Role   string `json:"role"`
				CallID string `json:"call_id"`
				Name   string `json:"name"`
				Args   string `json:"arguments"`
				Content []struct {
					Type       string `json:"type"`
					Transcript string `json:"transcript"`
				} `json:"content"`
			} `json:"output"`
			Usage struct {
				InputTokenDetails struct {
					AudioTokens         uint64 `json:"audio_tokens"`
					TextTokens          uint64 `json:"text_tokens"`
					CachedTokensDetails struct {
						AudioTokens uint64 `json:"audio_tokens"`
						TextTokens  uint64 `json:"text_tokens"`
					} `json:"cached_tokens_details"`
				} `json:"input_token_details"`
				OutputTokenDetails struct {
					AudioTokens uint64 `json:"audio_tokens"`
					TextTokens  uint64 `json:"text_tokens"`
				} `json:"output_token_details"`
			} `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("openai: decode response.done: %w", err)
	}

	for _, item := range resp.Response.Output {
		switch {
		case resp.Response.Status == "completed" && item.Type == "function_call" && item.Status == "completed":
			if err := d.out.ServiceEvent(protocol.PathMedia, serviceOutputEvent{
				Type: "functionCall", CallID: item.CallID, Name: item.Name, Arguments: json.RawMessage(item.Args),
			}); err != nil {
				return err
			}
		case item.Type == "message" && item.Role == "assistant":
			for _, c := range item.Content {
				if c.Type != "audio" || c.Transcript == "" {
					continue
				}
				if err := d.out.Text(true, c.Transcript); err != nil {
					return err
				}
			}
		}
	}

	u := resp.Response.Usage
	cached := u.InputTokenDetails.CachedTokensDetails
	records := []protocol.BillingRecord{
		{Name: "tokens:input:audio", Value: protocol.CountValue(subUint64(u.InputTokenDetails.AudioTokens, cached.AudioTokens))},
		{Name: "tokens:input:text", Value: protocol.CountValue(subUint64(u.InputTokenDetails.TextTokens, cached.TextTokens))},
		{Name: "tokens:input:audio:cached", Value: protocol.CountValue(cached.AudioTokens)},
		{Name: "tokens:input:text:cached", Value: protocol.CountValue(cached.TextTokens)},
		{Name: "tokens:output:audio", Value: protocol.CountValue(u.OutputTokenDetails.AudioTokens)},
		{Name: "tokens:output:text", Value: protocol.CountValue(u.OutputTokenDetails.TextTokens)},
	}
	return d.out.BillingRecords(nil, d.billingScope, records, core.ScheduleNow)
}

// subUint64 is max(0, total-cached): OpenAI's cached token count is nominally
// a subset of the total, but isn't contractually guaranteed to be, and a
// plain subtraction would underflow to a huge value if it ever isn't.
func subUint64(total, cached uint64) uint64 {
	if cached > total {
		return 0
	}
	return total - cached
}
