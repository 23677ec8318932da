package protocol

import (
	"encoding/json"
	"testing"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientEvent_Start(t *testing.T) {
	raw := []byte(`{
		"type":"start",
		"id":"c1",
		"service":"azure-synthesize",
		"params":{"voice":"en-US"},
		"inputModality":{"type":"text"},
		"outputModalities":[{"type":"audio","format":{"channels":1,"sampleRate":16000}}]
	}`)
	ev, err := DecodeClientEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, ClientStart, ev.Kind)
	assert.Equal(t, ConversationId("c1"), ev.Id)
	assert.Equal(t, "azure-synthesize", ev.Service)
	assert.Equal(t, ModalityText, ev.InputModality.Kind)
	require.Len(t, ev.OutputModalities, 1)
	assert.Equal(t, audio.Format{Channels: 1, SampleRate: 16000}, ev.OutputModalities[0].Format)
}

func TestDecodeClientEvent_UnknownType(t *testing.T) {
	_, err := DecodeClientEvent([]byte(`{"type":"bogus","id":"c1"}`))
	assert.Error(t, err)
}

func TestClientEvent_Stop_RoundTrip(t *testing.T) {
	ev := ClientEvent{Kind: ClientStop, Id: "c1"}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	decoded, err := DecodeClientEvent(b)
	require.NoError(t, err)
	assert.Equal(t, ev.Kind, decoded.Kind)
	assert.Equal(t, ev.Id, decoded.Id)
}

func TestServerEvent_OutputPathKind(t *testing.T) {
	cases := map[ServerEventKind]OutputPath{
		ServerStarted:          PathControl,
		ServerStopped:          PathControl,
		ServerError:            PathControl,
		ServerRequestCompleted: PathControl,
		ServerServiceEvent:     PathControl,
		ServerBillingRecords:   PathControl,
		ServerAudio:            PathMedia,
		ServerClearAudio:       PathMedia,
		ServerText:             PathMedia,
	}
	for kind, want := range cases {
		ev := ServerEvent{Kind: kind}
		assert.Equal(t, want, ev.OutputPathKind(), kind)
	}
}

func TestServerEvent_TakesOutputPath(t *testing.T) {
	assert.True(t, ServerEvent{Kind: ServerAudio}.TakesOutputPath())
	assert.True(t, ServerEvent{Kind: ServerClearAudio}.TakesOutputPath())
	assert.True(t, ServerEvent{Kind: ServerText}.TakesOutputPath())
	assert.False(t, ServerEvent{Kind: ServerStarted}.TakesOutputPath())
	assert.False(t, ServerEvent{Kind: ServerStopped}.TakesOutputPath())
	assert.False(t, ServerEvent{Kind: ServerError}.TakesOutputPath())
	assert.False(t, ServerEvent{Kind: ServerRequestCompleted}.TakesOutputPath())
	assert.False(t, ServerEvent{Kind: ServerServiceEvent}.TakesOutputPath())
}

func TestServerEvent_MarshalJSON_BillingRecords(t *testing.T) {
	ev := ServerEvent{
		Kind:  ServerBillingRecords,
		Id:    "c1",
		Scope: "voice-tier",
		Records: []BillingRecord{
			{Name: "synthesized-audio", Value: DurationValue(0)},
		},
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"scope":"voice-tier"`)
}

func TestWrapBridgeEnvelope(t *testing.T) {
	ev := ServerEvent{Kind: ServerStopped, Id: "c1"}
	b, err := WrapBridgeEnvelope(ev)
	require.NoError(t, err)
	var env BridgeEnvelope
	require.NoError(t, json.Unmarshal(b, &env))
	assert.Equal(t, "json", env.Type)
}
