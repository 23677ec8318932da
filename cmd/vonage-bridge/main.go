// Command vonage-bridge is an example collaborator program that terminates
// a Vonage Voice API WebSocket leg (NCCO "websocket" action) and bridges
// its audio against audioknife's own /ws endpoint, the Vonage analogue of
// cmd/twilio-bridge. Not part of the broker itself (spec §1 "Out of
// scope").
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	vonage "github.com/vonage/vonage-go-sdk"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/protocol"
)

// vonageRate is the Vonage Voice API websocket's negotiated linear16 PCM
// rate (set via the NCCO "websocket" action's content-type parameter,
// e.g. "audio/l16;rate=16000"), matching audioknife's native connection
// format, so no resampling is needed at this boundary.
const vonageRate = 16000

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func main() {
	addr := flag.String("addr", ":8081", "bridge listen address")
	brokerURL := flag.String("broker", "ws://127.0.0.1:8123/ws", "audioknife websocket endpoint")
	service := flag.String("service", "azure-transcribe", "audioknife service to start")
	applicationId := flag.String("application-id", "", "Vonage application id")
	privateKeyPath := flag.String("private-key", "", "path to Vonage application private key")
	flag.Parse()

	if *applicationId != "" && *privateKeyPath != "" {
		if _, err := vonage.CreateAuthFromAppPrivateKeyPath(*applicationId, *privateKeyPath); err != nil {
			log.Printf("vonage-bridge: application auth unavailable: %v", err)
		}
	}

	http.HandleFunc("/ncco", func(w http.ResponseWriter, r *http.Request) {
		ncco := []map[string]any{
			{
				"action": "connect",
				"endpoint": []map[string]any{
					{
						"type":        "websocket",
						"uri":         fmt.Sprintf("wss://%s/media", r.Host),
						"content-type": fmt.Sprintf("audio/l16;rate=%d", vonageRate),
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ncco)
	})

	http.HandleFunc("/media", func(w http.ResponseWriter, r *http.Request) {
		vonageConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("vonage-bridge: upgrade failed: %v", err)
			return
		}
		defer vonageConn.Close()

		brokerConn, _, err := websocket.DefaultDialer.Dial(*brokerURL, nil)
		if err != nil {
			log.Printf("vonage-bridge: dial broker: %v", err)
			return
		}
		defer brokerConn.Close()

		bridgeCall(vonageConn, brokerConn, *service)
	})

	log.Printf("vonage-bridge: listening on %s, bridging to %s", *addr, *brokerURL)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func bridgeCall(vonageConn, brokerConn *websocket.Conn, service string) {
	convId := protocol.ConversationId("vonage-" + uuid.NewString())
	start := protocol.ClientEvent{
		Kind:             protocol.ClientStart,
		Id:               convId,
		Service:          service,
		InputModality:    protocol.InputModality{Kind: protocol.ModalityAudio, Format: audio.Format{Channels: 1, SampleRate: vonageRate}},
		OutputModalities: []protocol.OutputModality{{Kind: protocol.ModalityText}},
	}
	if err := brokerConn.WriteMessage(websocket.TextMessage, mustMarshal(start)); err != nil {
		log.Printf("vonage-bridge: send start: %v", err)
		return
	}

	done := make(chan struct{})

	// Vonage -> broker: the websocket leg sends raw linear16 binary frames
	// directly, no JSON envelope, so these pass straight through.
	go func() {
		defer close(done)
		for {
			msgType, data, err := vonageConn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			if err := brokerConn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}()

	// broker -> Vonage: forward synthesized/response audio straight back as
	// binary frames; non-audio server events are dropped, since
	// the Vonage websocket leg carries audio only.
	for {
		msgType, data, err := brokerConn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := vonageConn.WriteMessage(websocket.BinaryMessage, data); err != nil {
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
