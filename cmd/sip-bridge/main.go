// Command sip-bridge is an example collaborator program, the nearest Go
// analogue of the original FreeSWITCH mod_audio_fork front end
// (audio-knife/src/mod_audio_fork.rs): it answers a raw SIP INVITE,
// receives/sends G.711 RTP, and bridges the call's audio against
// audioknife's own /ws endpoint. Not part of the broker itself (spec §1
// "Out of scope").
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/tphakala/go-audio-resampler/resampler"
	"github.com/zaf/g711"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/protocol"
)

// G.711 RTP is always 8kHz mono; audioknife's native connection format is
// 16kHz mono PCM16.
const (
	rtpRate       = 8000
	brokerRate    = 16000
	ptPCMU        = 0
	sipBridgeSSRC = 0x41554b46 // "AUKF"
)

func main() {
	listenAddr := flag.String("listen", "0.0.0.0:5060", "SIP listen address")
	rtpAddr := flag.String("rtp", "0.0.0.0:40000", "RTP listen address")
	brokerURL := flag.String("broker", "ws://127.0.0.1:8123/ws", "audioknife websocket endpoint")
	service := flag.String("service", "azure-transcribe", "audioknife service to start")
	flag.Parse()

	ua, err := sipgo.NewUA()
	if err != nil {
		log.Fatalf("sip-bridge: new user agent: %v", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		log.Fatalf("sip-bridge: new server: %v", err)
	}

	rtpConn, err := net.ListenPacket("udp", *rtpAddr)
	if err != nil {
		log.Fatalf("sip-bridge: listen rtp: %v", err)
	}
	defer rtpConn.Close()

	server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(resp); err != nil {
			log.Printf("sip-bridge: respond 200: %v", err)
			return
		}
		go bridgeCall(rtpConn, *brokerURL, *service)
	})
	server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
		_ = tx.Respond(resp)
	})

	log.Printf("sip-bridge: listening on %s, RTP on %s, bridging to %s", *listenAddr, *rtpAddr, *brokerURL)
	if err := server.ListenAndServe(context.Background(), "udp", *listenAddr); err != nil {
		log.Fatalf("sip-bridge: listen and serve: %v", err)
	}
}

func bridgeCall(rtpConn net.PacketConn, brokerURL, service string) {
	brokerConn, _, err := websocket.DefaultDialer.Dial(brokerURL, nil)
	if err != nil {
		log.Printf("sip-bridge: dial broker: %v", err)
		return
	}
	defer brokerConn.Close()

	convId := protocol.ConversationId("sip-" + uuid.NewString())
	start := protocol.ClientEvent{
		Kind:             protocol.ClientStart,
		Id:               convId,
		Service:          service,
		InputModality:    protocol.InputModality{Kind: protocol.ModalityAudio, Format: audio.Format{Channels: 1, SampleRate: brokerRate}},
		OutputModalities: []protocol.OutputModality{{Kind: protocol.ModalityText}},
	}
	if err := brokerConn.WriteMessage(websocket.TextMessage, mustMarshal(start)); err != nil {
		log.Printf("sip-bridge: send start: %v", err)
		return
	}

	upsampler := resampler.NewLinear(rtpRate, brokerRate)
	done := make(chan struct{})

	var peer atomic.Value // net.Addr of the caller's RTP source, updated from every received packet

	// RTP -> broker: depacketize, decode PCMU, upsample, forward as binary.
	go func() {
		defer close(done)
		buf := make([]byte, 1500)
		for {
			n, addr, err := rtpConn.ReadFrom(buf)
			if err != nil {
				return
			}
			peer.Store(addr)

			var pkt rtp.Packet
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				continue
			}
			if pkt.PayloadType != ptPCMU {
				continue
			}
			samples := upsampler.Process(g711.DecodeUlaw(pkt.Payload))
			frame := audio.Frame{Format: audio.Format{Channels: 1, SampleRate: brokerRate}, Samples: samples}
			if err := brokerConn.WriteMessage(websocket.BinaryMessage, frame.ToLEBytes()); err != nil {
				return
			}
		}
	}()

	// broker -> RTP: decode server audio frames, downsample, PCMU encode,
	// and send back as RTP packets to whichever peer sent the last packet.
	downsampler := resampler.NewLinear(brokerRate, rtpRate)
	var seq uint16
	var ts uint32
	for {
		msgType, data, err := brokerConn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		addr, ok := peer.Load().(net.Addr)
		if !ok {
			continue // no RTP received from the caller yet, nowhere to send
		}

		frame := audio.FromLEBytes(audio.Format{Channels: 1, SampleRate: brokerRate}, data)
		down := downsampler.Process(frame.Samples)
		payload := g711.EncodeUlaw(down)

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    ptPCMU,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           sipBridgeSSRC,
			},
			Payload: payload,
		}
		seq++
		ts += uint32(len(down))
		raw, err := pkt.Marshal()
		if err != nil {
			continue
		}
		_, _ = rtpConn.WriteTo(raw, addr)
	}

	_ = brokerConn.WriteMessage(websocket.TextMessage, mustMarshal(protocol.ClientEvent{Kind: protocol.ClientStop, Id: convId}))
	<-done
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
