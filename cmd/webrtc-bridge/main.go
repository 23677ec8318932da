// Command webrtc-bridge is an example collaborator program that terminates
// a browser-facing WebRTC peer connection and bridges its Opus audio track
// against audioknife's own /ws endpoint, the WebRTC analogue of
// cmd/twilio-bridge. Signaling here is a minimal HTTP offer/answer exchange;
// the teacher's own internal/channel/webrtc/streamer.go instead negotiates
// over a gRPC bidi stream, which this module has no transport for. Not part
// of the broker itself (spec §1 "Out of scope").
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/tphakala/go-audio-resampler/resampler"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/protocol"
)

// Pion negotiates Opus at a fixed 48kHz; audioknife's native connection
// format is 16kHz mono PCM16, so every frame crossing this bridge is
// resampled in addition to being Opus-encoded/decoded.
const (
	opusRate       = 48000
	opusChannels   = 1
	brokerRate     = 16000
	opusFrameSize  = opusRate / 50 // 20ms of samples at 48kHz
	rtpBufferSize  = 1500
	maxReadRetries = 50
)

func main() {
	addr := flag.String("addr", ":8082", "bridge listen address")
	brokerURL := flag.String("broker", "ws://127.0.0.1:8123/ws", "audioknife websocket endpoint")
	service := flag.String("service", "azure-transcribe", "audioknife service to start")
	flag.Parse()

	http.HandleFunc("/offer", func(w http.ResponseWriter, r *http.Request) {
		handleOffer(w, r, *brokerURL, *service)
	})

	log.Printf("webrtc-bridge: listening on %s, bridging to %s", *addr, *brokerURL)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

// handleOffer accepts a browser's SDP offer as a POST body, sets up the
// peer connection and broker bridge, and replies with the SDP answer.
func handleOffer(w http.ResponseWriter, r *http.Request, brokerURL, service string) {
	var offer pionwebrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := newBridge(brokerURL, service)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	answer, err := b.start(offer)
	if err != nil {
		b.close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(answer)
}

// bridge owns one call's peer connection, local Opus track, and broker
// websocket connection; it runs until either side hangs up.
type bridge struct {
	pc         *pionwebrtc.PeerConnection
	localTrack *pionwebrtc.TrackLocalStaticSample
	brokerConn *websocket.Conn
	convId     protocol.ConversationId

	mu     sync.Mutex
	closed bool
}

func newBridge(brokerURL, service string) (*bridge, error) {
	brokerConn, _, err := websocket.DefaultDialer.Dial(brokerURL, nil)
	if err != nil {
		return nil, err
	}

	convId := protocol.ConversationId("webrtc-" + uuid.NewString())
	start := protocol.ClientEvent{
		Kind:             protocol.ClientStart,
		Id:               convId,
		Service:          service,
		InputModality:    protocol.InputModality{Kind: protocol.ModalityAudio, Format: audio.Format{Channels: 1, SampleRate: brokerRate}},
		OutputModalities: []protocol.OutputModality{{Kind: protocol.ModalityText}},
	}
	if err := brokerConn.WriteMessage(websocket.TextMessage, mustMarshal(start)); err != nil {
		brokerConn.Close()
		return nil, err
	}

	return &bridge{brokerConn: brokerConn, convId: convId}, nil
}

func (b *bridge) start(offer pionwebrtc.SessionDescription) (*pionwebrtc.SessionDescription, error) {
	mediaEngine := &pionwebrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:  pionwebrtc.MimeTypeOpus,
			ClockRate: opusRate,
			Channels:  opusChannels,
		},
		PayloadType: 111,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	api := pionwebrtc.NewAPI(pionwebrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(pionwebrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	b.pc = pc

	localTrack, err := pionwebrtc.NewTrackLocalStaticSample(
		pionwebrtc.RTPCodecCapability{MimeType: pionwebrtc.MimeTypeOpus, ClockRate: opusRate, Channels: opusChannels},
		"audio", "audioknife",
	)
	if err != nil {
		return nil, err
	}
	if _, err := pc.AddTrack(localTrack); err != nil {
		return nil, err
	}
	b.localTrack = localTrack

	pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		switch state {
		case pionwebrtc.PeerConnectionStateFailed, pionwebrtc.PeerConnectionStateClosed, pionwebrtc.PeerConnectionStateDisconnected:
			b.close()
		}
	})

	pc.OnTrack(func(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		if track.Kind() != pionwebrtc.RTPCodecTypeAudio {
			return
		}
		go b.readRemoteTrack(track)
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := pionwebrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	go b.readBrokerLoop()

	return pc.LocalDescription(), nil
}

// readRemoteTrack decodes the browser's Opus track to PCM, resamples
// 48kHz -> 16kHz, and forwards each frame to the broker as a binary frame.
func (b *bridge) readRemoteTrack(track *pionwebrtc.TrackRemote) {
	decoder, err := opus.NewDecoder(opusRate, opusChannels)
	if err != nil {
		log.Printf("webrtc-bridge: new opus decoder: %v", err)
		return
	}
	downsampler := resampler.NewLinear(opusRate, brokerRate)

	buf := make([]byte, rtpBufferSize)
	pcm := make([]int16, opusFrameSize)
	retries := 0
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			retries++
			if retries >= maxReadRetries {
				return
			}
			continue
		}
		retries = 0

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		samplesDecoded, err := decoder.Decode(pkt.Payload, pcm)
		if err != nil {
			continue
		}

		down := downsampler.Process(pcm[:samplesDecoded])
		frame := audio.Frame{Format: audio.Format{Channels: 1, SampleRate: brokerRate}, Samples: down}
		if err := b.send(frame.ToLEBytes()); err != nil {
			return
		}
	}
}

func (b *bridge) send(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("webrtc-bridge: connection closed")
	}
	return b.brokerConn.WriteMessage(websocket.BinaryMessage, data)
}

// readBrokerLoop decodes server audio frames, resamples 16kHz -> 48kHz,
// Opus-encodes in 20ms frames, and writes them to the local track.
func (b *bridge) readBrokerLoop() {
	defer b.close()

	encoder, err := opus.NewEncoder(opusRate, opusChannels, opus.AppVoIP)
	if err != nil {
		log.Printf("webrtc-bridge: new opus encoder: %v", err)
		return
	}
	upsampler := resampler.NewLinear(brokerRate, opusRate)

	var pending []int16
	opusBuf := make([]byte, 4000)

	for {
		msgType, data, err := b.brokerConn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		frame := audio.FromLEBytes(audio.Format{Channels: 1, SampleRate: brokerRate}, data)
		pending = append(pending, upsampler.Process(frame.Samples)...)

		for len(pending) >= opusFrameSize {
			chunk := pending[:opusFrameSize]
			pending = pending[opusFrameSize:]

			n, err := encoder.Encode(chunk, opusBuf)
			if err != nil {
				continue
			}
			sample := media.Sample{Data: append([]byte(nil), opusBuf[:n]...), Duration: 20 * time.Millisecond}
			if err := b.localTrack.WriteSample(sample); err != nil {
				return
			}
		}
	}
}

func (b *bridge) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	_ = b.brokerConn.WriteMessage(websocket.TextMessage, mustMarshal(protocol.ClientEvent{Kind: protocol.ClientStop, Id: b.convId}))
	_ = b.brokerConn.Close()
	if b.pc != nil {
		_ = b.pc.Close()
	}
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
