package distributor

import (
	"testing"

	"github.com/rapidaai/audioknife/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectingSink() (Sink, *[]protocol.ServerEvent) {
	var events []protocol.ServerEvent
	return SinkFunc(func(e protocol.ServerEvent) error {
		events = append(events, e)
		return nil
	}), &events
}

func TestDistributor_DispatchToOwnSink(t *testing.T) {
	d := New()
	sink, events := collectingSink()
	require.NoError(t, d.AddTarget("c1", sink))

	require.NoError(t, d.Dispatch(protocol.ServerEvent{Kind: protocol.ServerStarted, Id: "c1"}))
	require.Len(t, *events, 1)
}

func TestDistributor_Dispatch_UnknownConversation(t *testing.T) {
	d := New()
	err := d.Dispatch(protocol.ServerEvent{Kind: protocol.ServerStarted, Id: "missing"})
	assert.ErrorContains(t, err, "does not exist")
}

func TestDistributor_AddTarget_Duplicate(t *testing.T) {
	d := New()
	sink, _ := collectingSink()
	require.NoError(t, d.AddTarget("c1", sink))
	assert.Error(t, d.AddTarget("c1", sink))
}

func TestDistributor_Redirect_OutputPathEvents(t *testing.T) {
	d := New()
	aSink, aEvents := collectingSink()
	bSink, bEvents := collectingSink()
	require.NoError(t, d.AddTarget("a", aSink))
	require.NoError(t, d.AddTarget("b", bSink))

	target := protocol.ConversationId("b")
	require.NoError(t, d.SetRedirect("a", &target))

	// Audio takes the output path: redirected to b.
	require.NoError(t, d.Dispatch(protocol.ServerEvent{Kind: protocol.ServerAudio, Id: "a"}))
	require.Len(t, *bEvents, 1)
	require.Empty(t, *aEvents)

	// Error does not take the output path: stays with a.
	require.NoError(t, d.Dispatch(protocol.ServerEvent{Kind: protocol.ServerError, Id: "a"}))
	require.Len(t, *aEvents, 1)
	require.Len(t, *bEvents, 1)
}

func TestDistributor_Redirect_DanglingTargetFails(t *testing.T) {
	d := New()
	aSink, _ := collectingSink()
	bSink, _ := collectingSink()
	require.NoError(t, d.AddTarget("a", aSink))
	require.NoError(t, d.AddTarget("b", bSink))

	target := protocol.ConversationId("b")
	require.NoError(t, d.SetRedirect("a", &target))
	require.NoError(t, d.RemoveTarget("b"))

	err := d.Dispatch(protocol.ServerEvent{Kind: protocol.ServerAudio, Id: "a"})
	assert.ErrorContains(t, err, "does not exist")
}

func TestDistributor_RemoveTarget_NotExisting(t *testing.T) {
	d := New()
	err := d.RemoveTarget("missing")
	assert.ErrorContains(t, err, "did not exist")
}
