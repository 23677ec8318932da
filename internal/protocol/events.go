package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/rapidaai/audioknife/internal/audio"
)

// ConversationId is opaque, unique within a connection for the lifetime of
// the conversation (from Start until its matching Stopped/Error).
type ConversationId string

// ClientEventKind discriminates ClientEvent variants over the wire
// (discriminator "type", per spec §6).
type ClientEventKind string

const (
	ClientStart        ClientEventKind = "start"
	ClientStop         ClientEventKind = "stop"
	ClientAudio        ClientEventKind = "audio"
	ClientText         ClientEventKind = "text"
	ClientServiceEvent ClientEventKind = "serviceEvent"
)

// ClientEvent is one inbound event, as decoded from a text frame.
type ClientEvent struct {
	Kind ClientEventKind
	Id   ConversationId

	// Start fields.
	Service          string
	Params           json.RawMessage
	InputModality    InputModality
	OutputModalities []OutputModality
	BillingId        *BillingId

	// Audio fields.
	Samples []int16

	// Text fields.
	Content  string
	RequestId *RequestId
	TextType  *string

	// ServiceEvent fields.
	Value json.RawMessage
}

type wireClientEvent struct {
	Type             ClientEventKind   `json:"type"`
	Id               ConversationId    `json:"id"`
	Service          string            `json:"service,omitempty"`
	Params           json.RawMessage   `json:"params,omitempty"`
	InputModality    *InputModality    `json:"inputModality,omitempty"`
	OutputModalities []OutputModality  `json:"outputModalities,omitempty"`
	BillingId        *BillingId        `json:"billingId,omitempty"`
	Samples          []int16           `json:"samples,omitempty"`
	Content          string            `json:"content,omitempty"`
	RequestId        *RequestId        `json:"requestId,omitempty"`
	TextType         *string           `json:"textType,omitempty"`
	Value            json.RawMessage   `json:"value,omitempty"`
}

// DecodeClientEvent decodes one JSON text frame into a ClientEvent.
func DecodeClientEvent(b []byte) (ClientEvent, error) {
	var w wireClientEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return ClientEvent{}, fmt.Errorf("protocol: decode client event: %w", err)
	}
	ev := ClientEvent{
		Kind:      w.Type,
		Id:        w.Id,
		Service:   w.Service,
		Params:    w.Params,
		BillingId: w.BillingId,
		Samples:   w.Samples,
		Content:   w.Content,
		RequestId: w.RequestId,
		TextType:  w.TextType,
		Value:     w.Value,
	}
	if w.InputModality != nil {
		ev.InputModality = *w.InputModality
	}
	ev.OutputModalities = w.OutputModalities
	switch w.Type {
	case ClientStart, ClientStop, ClientAudio, ClientText, ClientServiceEvent:
	default:
		return ClientEvent{}, fmt.Errorf("protocol: unknown client event type %q", w.Type)
	}
	return ev, nil
}

// MarshalJSON renders the event in the wire shape described in spec §6.
func (e ClientEvent) MarshalJSON() ([]byte, error) {
	w := wireClientEvent{
		Type:      e.Kind,
		Id:        e.Id,
		Service:   e.Service,
		Params:    e.Params,
		BillingId: e.BillingId,
		Samples:   e.Samples,
		Content:   e.Content,
		RequestId: e.RequestId,
		TextType:  e.TextType,
		Value:     e.Value,
	}
	if e.Kind == ClientStart {
		w.InputModality = &e.InputModality
		w.OutputModalities = e.OutputModalities
	}
	return json.Marshal(w)
}

// ServerEventKind discriminates ServerEvent variants over the wire.
type ServerEventKind string

const (
	ServerStarted          ServerEventKind = "started"
	ServerStopped          ServerEventKind = "stopped"
	ServerError            ServerEventKind = "error"
	ServerAudio            ServerEventKind = "audio"
	ServerClearAudio       ServerEventKind = "clearAudio"
	ServerText             ServerEventKind = "text"
	ServerRequestCompleted ServerEventKind = "requestCompleted"
	ServerServiceEvent     ServerEventKind = "service"
	ServerBillingRecords   ServerEventKind = "billingRecords"
)

// OutputPath is the routing lane a server event takes through the media
// event scheduler (spec §3, §4.5).
type OutputPath string

const (
	PathControl OutputPath = "control"
	PathMedia   OutputPath = "media"
)

// ServerEvent is one outbound event. Exactly one of its payload fields is
// meaningful, selected by Kind.
type ServerEvent struct {
	Kind ServerEventKind
	Id   ConversationId

	// Started.
	Modalities []OutputModality

	// Error.
	Message string

	// Audio.
	Frame audio.Frame

	// Text.
	IsFinal bool
	Content string

	// RequestCompleted.
	RequestId *RequestId

	// ServiceEvent.
	Path  OutputPath
	Value json.RawMessage

	// BillingRecords.
	Scope   string
	Records []BillingRecord
}

// OutputPathKind returns the routing lane (§3, §4.5, §4.6 table) this event
// kind takes through the media scheduler and distributor.
func (e ServerEvent) OutputPathKind() OutputPath {
	switch e.Kind {
	case ServerAudio, ServerClearAudio, ServerText:
		return PathMedia
	default:
		return PathControl
	}
}

// TakesOutputPath reports whether this event kind is redirected by the
// distributor's redirect_output_to (spec §4.6 table).
func (e ServerEvent) TakesOutputPath() bool {
	switch e.Kind {
	case ServerAudio, ServerClearAudio, ServerText:
		return true
	default:
		return false
	}
}

type wireBillingRecord struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Kind  string `json:"kind"`
}

type wireServerEvent struct {
	Type             ServerEventKind      `json:"type"`
	Id               ConversationId       `json:"id"`
	Modalities       []OutputModality     `json:"modalities,omitempty"`
	Message          string               `json:"message,omitempty"`
	IsFinal          bool                 `json:"isFinal,omitempty"`
	Content          string               `json:"content,omitempty"`
	RequestId        *RequestId           `json:"requestId,omitempty"`
	Value            json.RawMessage      `json:"value,omitempty"`
	Scope            string               `json:"scope,omitempty"`
	Records          []wireBillingRecord  `json:"records,omitempty"`
}

// MarshalJSON renders a ServerEvent as the text-frame JSON shape
// {"type":"<kind>", ...}. Audio events are not expected to be marshaled
// through this path (they are sent as binary frames by the connection
// driver) but a representation is still provided for completeness/logging.
func (e ServerEvent) MarshalJSON() ([]byte, error) {
	w := wireServerEvent{
		Type:       e.Kind,
		Id:         e.Id,
		Modalities: e.Modalities,
		Message:    e.Message,
		IsFinal:    e.IsFinal,
		Content:    e.Content,
		RequestId:  e.RequestId,
		Value:      e.Value,
		Scope:      e.Scope,
	}
	for _, r := range e.Records {
		wr := wireBillingRecord{Name: r.Name, Kind: string(r.Value.Kind)}
		switch r.Value.Kind {
		case BillingKindDuration:
			wr.Value = Duration(r.Value.Duration).String()
		case BillingKindCount:
			wr.Value = fmt.Sprintf("%d", r.Value.Count)
		}
		w.Records = append(w.Records, wr)
	}
	return json.Marshal(w)
}

// BridgeEnvelope wraps a server event in the vendor-specific
// {"type":"json","data":...} envelope some telephony front ends (Twilio,
// Vonage media stream bridges) require, per spec §6 and
// audio-knife's mod_audio_fork AudioForkEvent.
type BridgeEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WrapBridgeEnvelope marshals event and wraps it in a BridgeEnvelope of
// type "json".
func WrapBridgeEnvelope(event ServerEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal bridged event: %w", err)
	}
	return json.Marshal(BridgeEnvelope{Type: "json", Data: data})
}
