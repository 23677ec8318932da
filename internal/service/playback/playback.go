// Package playback implements the playback C5 adapter, grounded on
// _examples/original_source/services/playback/src/lib.rs: a conversation
// that takes text and either forwards it to a nested synthesizer
// conversation (core.ConversationInput.Converse) or decodes a WAV file,
// local or remote, into one-second audio frames.
//
// The reference additionally decodes MP3 via rodio; no MP3 decoder is
// wired into this module's dependency stack (see DESIGN.md), so only WAV
// playback is supported here.
package playback

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/protocol"
	"github.com/rapidaai/audioknife/internal/service/paramutil"
)

// Params is the Start params shape for playback.
type Params struct {
	SynthesizerService string          `json:"synthesizerService" validate:"required"`
	SynthesizerParams  json.RawMessage `json:"synthesizerParams"`
	// LocalRoot, if set, is the trusted directory application/x-file-path
	// paths are resolved against. Left unset, local file playback errors.
	LocalRoot string `json:"localRoot"`
}

// Playback is the playback adapter.
type Playback struct{}

func (Playback) Kind() core.Kind { return core.KindUnclassified }

func (Playback) DecodeParams(raw json.RawMessage) (any, error) {
	return paramutil.Decode[Params](raw)
}

func (Playback) Conversation(ctx context.Context, rawParams any, conv *core.Conversation) error {
	params := rawParams.(Params)

	if err := conv.RequireTextInputOnly(); err != nil {
		return err
	}
	outputFormat, err := conv.RequireSingleAudioOutput()
	if err != nil {
		return err
	}

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
			return fmt.Errorf("playback: unsupported input kind")
		}

		textType := "text/plain"
		if input.TextType != nil {
			textType = *input.TextType
		}

		switch textType {
		case "text/plain", "application/ssml+xml":
			if err := in.Converse(ctx, out, params.SynthesizerService, params.SynthesizerParams, input); err != nil {
				return err
			}

		case "text/uri-list":
			lines := strings.Split(strings.TrimSpace(input.Text), "\n")
			if len(lines) != 1 {
				return fmt.Errorf("playback: text/uri-list must contain exactly one line")
			}
			if err := playRemote(ctx, out, strings.TrimSpace(lines[0]), outputFormat, input.RequestId); err != nil {
				return err
			}

		case "application/x-file-path":
			if params.LocalRoot == "" {
				return fmt.Errorf("playback: local file playback is not configured")
			}
			if err := playLocal(out, params.LocalRoot, input.Text, outputFormat, input.RequestId); err != nil {
				return err
			}

		default:
			return fmt.Errorf("playback: unsupported text type %q, expecting text/plain, application/ssml+xml, text/uri-list, or application/x-file-path", textType)
		}
	}
}

func playRemote(ctx context.Context, out *core.ConversationOutput, url string, format audio.Format, requestId *protocol.RequestId) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("playback: unsupported URI scheme, expecting http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("playback: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("playback: download %q: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("playback: download %q failed with status %d", url, resp.StatusCode)
	}

	return playFromReader(resp.Body, format, out, requestId, "playback:remote")
}

func playLocal(out *core.ConversationOutput, localRoot, rawPath string, format audio.Format, requestId *protocol.RequestId) error {
	if filepath.IsAbs(rawPath) {
		return fmt.Errorf("playback: absolute paths are not supported")
	}
	resolved, err := filepath.Abs(filepath.Join(localRoot, filepath.Clean("/"+rawPath)))
	if err != nil {
		return fmt.Errorf("playback: resolve path: %w", err)
	}
	rootAbs, err := filepath.Abs(localRoot)
	if err != nil {
		return fmt.Errorf("playback: resolve local root: %w", err)
	}
	if !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) && resolved != rootAbs {
		return fmt.Errorf("playback: access to the specified path is not allowed")
	}

	f, err := openFile(resolved)
	if err != nil {
		return fmt.Errorf("playback: open audio file: %w", err)
	}
	defer f.Close()

	return playFromReader(f, format, out, requestId, "playback:file")
}

func playFromReader(r io.Reader, format audio.Format, out *core.ConversationOutput, requestId *protocol.RequestId, billingName string) error {
	wavFormat, samples, err := decodeWAV(r)
	if err != nil {
		return fmt.Errorf("playback: decode wav: %w", err)
	}
	if wavFormat != format {
		return fmt.Errorf("playback: audio file format %s does not match requested output format %s", wavFormat, format)
	}

	var total time.Duration
	samplesPerFrame := int(format.SampleRate)
	for len(samples) > 0 {
		n := samplesPerFrame
		if n > len(samples) {
			n = len(samples)
		}
		frame := audio.Frame{Format: format, Samples: samples[:n]}
		samples = samples[n:]
		total += frame.Duration()
		if err := out.AudioFrame(frame); err != nil {
			return err
		}
	}

	if err := out.BillingRecords(requestId, "", []protocol.BillingRecord{
		{Name: billingName, Value: protocol.DurationValue(total)},
	}, core.ScheduleNow); err != nil {
		return err
	}
	return out.RequestCompleted(requestId)
}

// decodeWAV parses a canonical PCM16 RIFF/WAVE stream into its format and
// samples, downmixing multi-channel audio to mono. Only uncompressed 16-bit
// PCM is supported.
func decodeWAV(r io.Reader) (audio.Format, []int16, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return audio.Format{}, nil, err
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return audio.Format{}, nil, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var format audio.Format
	var samples []int16
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := data[offset+8:]
		if chunkSize > len(body) {
			return audio.Format{}, nil, fmt.Errorf("truncated %q chunk", chunkID)
		}
		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return audio.Format{}, nil, fmt.Errorf("truncated fmt chunk")
			}
			audioFormat := binary.LittleEndian.Uint16(body[0:2])
			if audioFormat != 1 {
				return audio.Format{}, nil, fmt.Errorf("only PCM wav files are supported")
			}
			channels := binary.LittleEndian.Uint16(body[2:4])
			sampleRate := binary.LittleEndian.Uint32(body[4:8])
			bitsPerSample := binary.LittleEndian.Uint16(body[14:16])
			if bitsPerSample != 16 {
				return audio.Format{}, nil, fmt.Errorf("only 16-bit PCM wav files are supported")
			}
			format = audio.Format{Channels: channels, SampleRate: sampleRate}
		case "data":
			samples = audio.SamplesFromLEBytes(body[:chunkSize])
		}
		offset += 8 + chunkSize
		if chunkSize%2 == 1 {
			offset++
		}
	}

	if format.SampleRate == 0 {
		return audio.Format{}, nil, fmt.Errorf("missing fmt chunk")
	}
	if samples == nil {
		return audio.Format{}, nil, fmt.Errorf("missing data chunk")
	}
	if format.Channels != 1 {
		mono, err := (audio.Frame{Format: format, Samples: samples}).IntoMono()
		if err != nil {
			return audio.Format{}, nil, err
		}
		format, samples = mono.Format, mono.Samples
	}
	return format, samples, nil
}

func openFile(path string) (io.ReadCloser, error) {
	return os.Open(path)
}
