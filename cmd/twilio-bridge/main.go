// Command twilio-bridge is an example collaborator program, analogous to
// the original source's examples/*.rs and audio-knife/src/mod_audio_fork.rs:
// it terminates a Twilio Media Stream WebSocket leg, and forwards/receives
// audio against audioknife's own /ws endpoint as an ordinary client. It is
// not part of the broker itself (spec §1 "Out of scope").
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tphakala/go-audio-resampler/resampler"
	"github.com/twilio/twilio-go/twiml"
	"github.com/zaf/g711"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/protocol"
)

// Twilio Media Streams are fixed at 8kHz mono mu-law; audioknife's native
// connection format is 16kHz mono PCM16 (server.NativeInputFormat), so
// every frame crossing this bridge is resampled.
const (
	twilioRate = 8000
	brokerRate = 16000
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func main() {
	addr := flag.String("addr", ":8080", "bridge listen address")
	brokerURL := flag.String("broker", "ws://127.0.0.1:8123/ws", "audioknife websocket endpoint")
	service := flag.String("service", "azure-transcribe", "audioknife service to start")
	flag.Parse()

	http.HandleFunc("/twiml", func(w http.ResponseWriter, r *http.Request) {
		verbs := []twiml.Element{
			&twiml.VoiceConnect{
				InnerElements: []twiml.Element{
					&twiml.VoiceStream{Url: fmt.Sprintf("wss://%s/media", r.Host)},
				},
			},
		}
		out, err := twiml.Voice(verbs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(out))
	})

	http.HandleFunc("/media", func(w http.ResponseWriter, r *http.Request) {
		twilioConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("twilio-bridge: upgrade failed: %v", err)
			return
		}
		defer twilioConn.Close()

		brokerConn, _, err := websocket.DefaultDialer.Dial(*brokerURL, nil)
		if err != nil {
			log.Printf("twilio-bridge: dial broker: %v", err)
			return
		}
		defer brokerConn.Close()

		bridgeCall(twilioConn, brokerConn, *service)
	})

	log.Printf("twilio-bridge: listening on %s, bridging to %s", *addr, *brokerURL)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

// twilioMessage is the subset of Twilio's Media Streams event shape this
// bridge reads (https://www.twilio.com/docs/voice/media-streams): start,
// media (base64 mu-law payload), stop.
type twilioMessage struct {
	Event string `json:"event"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

func bridgeCall(twilioConn, brokerConn *websocket.Conn, service string) {
	convId := protocol.ConversationId("twilio-" + uuid.NewString())
	start := protocol.ClientEvent{
		Kind:             protocol.ClientStart,
		Id:               convId,
		Service:          service,
		InputModality:    protocol.InputModality{Kind: protocol.ModalityAudio, Format: audio.Format{Channels: 1, SampleRate: brokerRate}},
		OutputModalities: []protocol.OutputModality{{Kind: protocol.ModalityText}},
	}
	if err := brokerConn.WriteMessage(websocket.TextMessage, mustMarshal(start)); err != nil {
		log.Printf("twilio-bridge: send start: %v", err)
		return
	}

	upsampler := resampler.NewLinear(twilioRate, brokerRate)
	downsampler := resampler.NewLinear(brokerRate, twilioRate)

	done := make(chan struct{})

	// Twilio -> broker: decode mu-law, upsample 8k->16k, forward as binary.
	go func() {
		defer close(done)
		for {
			_, data, err := twilioConn.ReadMessage()
			if err != nil {
				return
			}
			var msg twilioMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Event {
			case "media":
				raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
				if err != nil {
					continue
				}
				samples := upsampler.Process(g711.DecodeUlaw(raw))
				frame := audio.Frame{Format: audio.Format{Channels: 1, SampleRate: brokerRate}, Samples: samples}
				if err := brokerConn.WriteMessage(websocket.BinaryMessage, frame.ToLEBytes()); err != nil {
					return
				}
			case "stop":
				return
			}
		}
	}()

	// broker -> Twilio: decode server events, downsample 16k->8k, mu-law
	// encode, and frame as Twilio media messages.
	for {
		msgType, data, err := brokerConn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frame := audio.FromLEBytes(audio.Format{Channels: 1, SampleRate: brokerRate}, data)
		down := downsampler.Process(frame.Samples)
		payload := base64.StdEncoding.EncodeToString(g711.EncodeUlaw(down))
		out, _ := json.Marshal(map[string]any{
			"event": "media",
			"media": map[string]string{"payload": payload},
		})
		if err := twilioConn.WriteMessage(websocket.TextMessage, out); err != nil {
			break
		}
	}

	_ = brokerConn.WriteMessage(websocket.TextMessage, mustMarshal(protocol.ClientEvent{Kind: protocol.ClientStop, Id: convId}))
	<-done
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
