package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/audioknife/internal/billing"
	"github.com/rapidaai/audioknife/internal/config"
	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/logging"
)

type echoService struct{}

func (echoService) Kind() core.Kind                               { return core.KindUnclassified }
func (echoService) DecodeParams(raw json.RawMessage) (any, error) { return nil, nil }
func (echoService) Conversation(ctx context.Context, params any, conv *core.Conversation) error {
	in, out, err := conv.Start()
	if err != nil {
		return err
	}
	for {
		input, ok := in.Recv(ctx)
		if !ok {
			return nil
		}
		if input.Kind == core.InputText {
			requestId := input.RequestId
			if err := out.Text(true, "echo:"+input.Text); err != nil {
				return err
			}
			if err := out.RequestCompleted(requestId); err != nil {
				return err
			}
		}
	}
}

type audioOutputEchoService struct{}

func (audioOutputEchoService) Kind() core.Kind                               { return core.KindUnclassified }
func (audioOutputEchoService) DecodeParams(raw json.RawMessage) (any, error) { return nil, nil }
func (audioOutputEchoService) Conversation(ctx context.Context, params any, conv *core.Conversation) error {
	in, out, err := conv.Start()
	if err != nil {
		return err
	}
	for {
		input, ok := in.Recv(ctx)
		if !ok {
			return nil
		}
		if input.Kind == core.InputText {
			if err := out.Text(true, "echo:"+input.Text); err != nil {
				return err
			}
		}
	}
}

// TestServer_TwoAudioOutputConversations_DontInterfere is a regression test
// for a shared-scheduler bug: a single media event scheduler per connection
// would have its NotifyStarted error out the moment the second
// audio-output conversation's Started event arrived, killing event delivery
// for every conversation on the connection (spec §9 open question (c)).
func TestServer_TwoAudioOutputConversations_DontInterfere(t *testing.T) {
	registry := core.NewRegistry()
	registry.AddService("audio-echo", audioOutputEchoService{})

	srv := New(config.Config{ShutdownGracePeriod: 200 * time.Millisecond}, registry, billing.NewCollector(), logging.NewNop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	audioOutput := []map[string]any{{"type": "audio", "format": map[string]any{"channels": 1, "sampleRate": 16000}}}

	for _, id := range []string{"a", "b"} {
		start := map[string]any{
			"type":             "start",
			"id":               id,
			"service":          "audio-echo",
			"inputModality":    map[string]any{"type": "text"},
			"outputModalities": audioOutput,
		}
		require.NoError(t, conn.WriteJSON(start))
	}

	seenStarted := map[string]bool{}
	for len(seenStarted) < 2 {
		var ev map[string]any
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, "started", ev["type"])
		seenStarted[ev["id"].(string)] = true
	}

	for _, id := range []string{"a", "b"} {
		text := map[string]any{"type": "text", "id": id, "content": "hi"}
		require.NoError(t, conn.WriteJSON(text))
	}

	seenEcho := map[string]bool{}
	for len(seenEcho) < 2 {
		var ev map[string]any
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, "text", ev["type"])
		require.Equal(t, "echo:hi", ev["content"])
		seenEcho[ev["id"].(string)] = true
	}

	for _, id := range []string{"a", "b"} {
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "stop", "id": id}))
	}
	seenStopped := map[string]bool{}
	for len(seenStopped) < 2 {
		var ev map[string]any
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, "stopped", ev["type"])
		seenStopped[ev["id"].(string)] = true
	}
}

func TestServer_TextConversation_EndToEnd(t *testing.T) {
	registry := core.NewRegistry()
	registry.AddService("echo", echoService{})

	srv := New(config.Config{ShutdownGracePeriod: 200 * time.Millisecond}, registry, billing.NewCollector(), logging.NewNop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	start := map[string]any{
		"type":             "start",
		"id":               "c1",
		"service":          "echo",
		"inputModality":    map[string]any{"type": "text"},
		"outputModalities": []map[string]any{{"type": "text"}},
	}
	require.NoError(t, conn.WriteJSON(start))

	var started map[string]any
	require.NoError(t, conn.ReadJSON(&started))
	require.Equal(t, "started", started["type"])

	text := map[string]any{
		"type":      "text",
		"id":        "c1",
		"content":   "hi",
		"requestId": "r1",
	}
	require.NoError(t, conn.WriteJSON(text))

	var echoed map[string]any
	require.NoError(t, conn.ReadJSON(&echoed))
	require.Equal(t, "text", echoed["type"])
	require.Equal(t, "echo:hi", echoed["content"])

	var completed map[string]any
	require.NoError(t, conn.ReadJSON(&completed))
	require.Equal(t, "requestCompleted", completed["type"])
	require.Equal(t, "r1", completed["requestId"])

	stop := map[string]any{"type": "stop", "id": "c1"}
	require.NoError(t, conn.WriteJSON(stop))

	var stopped map[string]any
	require.NoError(t, conn.ReadJSON(&stopped))
	require.Equal(t, "stopped", stopped["type"])
}
