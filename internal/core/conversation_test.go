package core

import (
	"context"
	"testing"
	"time"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/billing"
	"github.com/rapidaai/audioknife/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textModality() protocol.InputModality {
	return protocol.InputModality{Kind: protocol.ModalityText}
}

func audioOutputModality() protocol.OutputModality {
	return protocol.OutputModality{Kind: protocol.ModalityAudio, Format: audio.Format{Channels: 1, SampleRate: 16000}}
}

func TestConversation_Start_EmitsStarted(t *testing.T) {
	in := make(chan Input, 1)
	out := make(chan Output, 4)

	conv := NewConversation(textModality(), []protocol.OutputModality{audioOutputModality()}, in, out)
	_, _, err := conv.Start()
	require.NoError(t, err)

	select {
	case ev := <-out:
		assert.Equal(t, OutputStarted, ev.Kind)
		require.Len(t, ev.Modalities, 1)
	default:
		t.Fatal("expected a Started event")
	}
}

func TestConversation_WithNoStartedEvent_Suppresses(t *testing.T) {
	in := make(chan Input, 1)
	out := make(chan Output, 4)

	conv := NewConversation(textModality(), nil, in, out).WithNoStartedEvent()
	_, _, err := conv.Start()
	require.NoError(t, err)

	select {
	case ev := <-out:
		t.Fatalf("expected no event, got %v", ev.Kind)
	default:
	}
}

func TestConversation_RequireAudioInput(t *testing.T) {
	format := audio.Format{Channels: 1, SampleRate: 8000}
	conv := NewConversation(protocol.InputModality{Kind: protocol.ModalityAudio, Format: format}, nil, nil, nil)
	got, err := conv.RequireAudioInput()
	require.NoError(t, err)
	assert.Equal(t, format, got)

	textConv := NewConversation(textModality(), nil, nil, nil)
	_, err = textConv.RequireAudioInput()
	assert.Error(t, err)
}

func TestConversation_RequireSingleAudioOutput(t *testing.T) {
	conv := NewConversation(textModality(), []protocol.OutputModality{audioOutputModality()}, nil, nil)
	_, err := conv.RequireSingleAudioOutput()
	assert.NoError(t, err)

	multi := NewConversation(textModality(), []protocol.OutputModality{audioOutputModality(), {Kind: protocol.ModalityText}}, nil, nil)
	_, err = multi.RequireSingleAudioOutput()
	assert.Error(t, err)
}

func TestConversationOutput_PostHelpers(t *testing.T) {
	out := make(chan Output, 8)
	co := &ConversationOutput{output: out}

	require.NoError(t, co.AudioFrame(audio.Frame{Format: audio.Format{Channels: 1, SampleRate: 8000}, Samples: []int16{1, 2}}))
	require.NoError(t, co.ClearAudio())
	require.NoError(t, co.Text(true, "hello"))

	assert.Equal(t, OutputAudio, (<-out).Kind)
	assert.Equal(t, OutputClearAudio, (<-out).Kind)
	assert.Equal(t, OutputText, (<-out).Kind)
}

func TestConversationOutput_Post_ChannelFull(t *testing.T) {
	out := make(chan Output) // unbuffered, nothing receiving
	co := &ConversationOutput{output: out}
	err := co.ClearAudio()
	assert.ErrorContains(t, err, "output channel full")
}

func TestConversationOutput_BillingRecords_DropsZero(t *testing.T) {
	out := make(chan Output, 2)
	co := &ConversationOutput{output: out}

	err := co.BillingRecords(nil, "scope", []protocol.BillingRecord{
		{Name: "x", Value: protocol.DurationValue(0)},
	}, ScheduleNow)
	require.NoError(t, err)

	select {
	case ev := <-out:
		t.Fatalf("expected no event for all-zero records, got %v", ev.Kind)
	default:
	}
}

func TestConversationOutput_BillingRecords_InbandWithoutContext(t *testing.T) {
	out := make(chan Output, 2)
	co := &ConversationOutput{output: out}

	err := co.BillingRecords(nil, "scope", []protocol.BillingRecord{
		{Name: "characters", Value: protocol.CountValue(5)},
	}, ScheduleNow)
	require.NoError(t, err)

	ev := <-out
	assert.Equal(t, OutputBillingRecords, ev.Kind)
	require.Len(t, ev.Records, 1)
	assert.Equal(t, uint64(5), ev.Records[0].Value.Count)
}

func TestConversationOutput_BillingRecords_RejectsUnsupportedSchedule(t *testing.T) {
	out := make(chan Output, 2)
	co := &ConversationOutput{output: out}

	err := co.BillingRecords(nil, "scope", []protocol.BillingRecord{
		{Name: "characters", Value: protocol.CountValue(5)},
	}, BillingSchedule(99))
	assert.ErrorContains(t, err, "unsupported billing schedule")
}

func TestConversationOutput_BillingRecords_ForwardsToCollector(t *testing.T) {
	collector := billing.NewCollector()
	billingId := protocol.BillingId("call-1")
	ctx := NewBillingContext(billingId, "svc", collector)

	out := make(chan Output, 2)
	co := &ConversationOutput{output: out, billingContext: &ctx}

	err := co.BillingRecords(nil, "scope", []protocol.BillingRecord{
		{Name: "synth-seconds", Value: protocol.DurationValue(time.Second)},
	}, ScheduleNow)
	require.NoError(t, err)

	select {
	case ev := <-out:
		t.Fatalf("expected no inband event when a billing context is present, got %v", ev.Kind)
	default:
	}

	groups := collector.Collect(billingId)
	require.Len(t, groups, 1)
	assert.Equal(t, "svc", groups[0].Service)
}

func TestConversationInput_Converse_RunsNestedService(t *testing.T) {
	r := NewRegistry()
	r.AddService("nested", &stubService{
		kind: KindUnclassified,
		run: func(ctx context.Context, params any, conv *Conversation) error {
			require.NoError(t, conv.RequireTextInputOnly())
			_, out, err := conv.Start()
			require.NoError(t, err)
			return out.Text(true, "nested reply")
		},
	})

	outerOut := make(chan Output, 8)
	outer := NewConversation(textModality(), nil, nil, outerOut).WithRegistry(r)
	outerIn, outerConvOut, err := outer.Start()
	require.NoError(t, err)
	<-outerOut // drain the outer Started event

	err = outerIn.Converse(context.Background(), outerConvOut, "nested", nil, Input{Kind: InputText, Text: "hi"})
	require.NoError(t, err)

	ev := <-outerOut
	assert.Equal(t, OutputText, ev.Kind)
	assert.Equal(t, "nested reply", ev.Text)
}

func TestConversationInput_Converse_UnregisteredService(t *testing.T) {
	outerOut := make(chan Output, 4)
	outer := NewConversation(textModality(), nil, nil, outerOut)
	outerIn, outerConvOut, err := outer.Start()
	require.NoError(t, err)
	<-outerOut

	err = outerIn.Converse(context.Background(), outerConvOut, "missing", nil, Input{Kind: InputText})
	assert.ErrorContains(t, err, "unregistered service")
}
