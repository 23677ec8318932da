package scheduler

import (
	"testing"
	"time"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/logging"
	"github.com/rapidaai/audioknife/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samples(n int) []int16 {
	return make([]int16, n)
}

func audioEvent(id protocol.ConversationId, nSamples int) protocol.ServerEvent {
	return protocol.ServerEvent{
		Kind:  protocol.ServerAudio,
		Id:    id,
		Frame: audio.Frame{Format: audio.Format{Channels: 1, SampleRate: 1}, Samples: samples(nSamples)},
	}
}

func newTestScheduler(now time.Time) (*MediaEventScheduler, *[]protocol.ServerEvent) {
	var dispatched []protocol.ServerEvent
	sink := SinkFunc(func(e protocol.ServerEvent) error {
		dispatched = append(dispatched, e)
		return nil
	})
	return New(now, sink, logging.NewNop()), &dispatched
}

func TestScheduler_Process_EmptyQueueNoWakeup(t *testing.T) {
	// Process on an empty queue dispatches nothing and asks for no wakeup.
	now := time.Now()
	s, dispatched := newTestScheduler(now)
	wakeup, hasWakeup, err := s.Process(now)
	require.NoError(t, err)
	assert.False(t, hasWakeup)
	assert.Zero(t, wakeup)
	assert.Empty(t, *dispatched)
}

func TestScheduler_NotifyStarted_Twice(t *testing.T) {
	s, _ := newTestScheduler(time.Now())
	mods := []protocol.OutputModality{{Kind: protocol.ModalityAudio, Format: audio.Format{Channels: 1, SampleRate: 16000}}}
	require.NoError(t, s.NotifyStarted(mods))
	assert.Error(t, s.NotifyStarted(mods))
}

func TestScheduler_NotifyStarted_MultipleAudioFormats(t *testing.T) {
	s, _ := newTestScheduler(time.Now())
	mods := []protocol.OutputModality{
		{Kind: protocol.ModalityAudio, Format: audio.Format{Channels: 1, SampleRate: 16000}},
		{Kind: protocol.ModalityAudio, Format: audio.Format{Channels: 1, SampleRate: 8000}},
	}
	assert.Error(t, s.NotifyStarted(mods))
}

func TestScheduler_DropsAudioWithoutStartedFormat(t *testing.T) {
	now := time.Now()
	s, dispatched := newTestScheduler(now)
	s.ScheduleEvent(now, audioEvent("c1", 16))

	_, hasWakeup, err := s.Process(now)
	require.NoError(t, err)
	assert.False(t, hasWakeup)
	assert.Empty(t, *dispatched)
}

func TestScheduler_PacesNonAudioBehindAudio(t *testing.T) {
	now := time.Now()
	s, dispatched := newTestScheduler(now)
	require.NoError(t, s.NotifyStarted([]protocol.OutputModality{
		{Kind: protocol.ModalityAudio, Format: audio.Format{Channels: 1, SampleRate: 1}},
	}))

	// 2 samples at 1Hz mono = 2s of audio.
	s.ScheduleEvent(now, audioEvent("c1", 2))
	s.ScheduleEvent(now, protocol.ServerEvent{Kind: protocol.ServerText, Id: "c1", Content: "caption"})

	wakeup, hasWakeup, err := s.Process(now)
	require.NoError(t, err)
	require.Len(t, *dispatched, 1, "only the audio event should dispatch immediately")
	assert.Equal(t, protocol.ServerAudio, (*dispatched)[0].Kind)
	require.True(t, hasWakeup)
	assert.InDelta(t, 2*time.Second, wakeup, float64(time.Millisecond))

	// Advance the virtual clock past audio_finished: the text now flushes.
	later := now.Add(2 * time.Second)
	_, hasWakeup, err = s.Process(later)
	require.NoError(t, err)
	assert.False(t, hasWakeup)
	require.Len(t, *dispatched, 2)
	assert.Equal(t, protocol.ServerText, (*dispatched)[1].Kind)
}

func TestScheduler_MaxBufferedAudioThrottles(t *testing.T) {
	now := time.Now()
	s, dispatched := newTestScheduler(now)
	require.NoError(t, s.NotifyStarted([]protocol.OutputModality{
		{Kind: protocol.ModalityAudio, Format: audio.Format{Channels: 1, SampleRate: 1}},
	}))

	// The first chunk dispatches unconditionally (the cap check happens
	// before advancing the clock), pushing audio_finished to now+6s, past
	// the 5s cap; the second chunk is then throttled at the same instant.
	s.ScheduleEvent(now, audioEvent("c1", 6))
	s.ScheduleEvent(now, audioEvent("c1", 1))

	wakeup, hasWakeup, err := s.Process(now)
	require.NoError(t, err)
	require.True(t, hasWakeup)
	assert.Equal(t, WakeupDelayWhenBuffersAreFull, wakeup)
	assert.Len(t, *dispatched, 1, "second chunk stays buffered")
}

func TestScheduler_ClearAudioDropsQueuedAudioAndResetsClock(t *testing.T) {
	now := time.Now()
	s, dispatched := newTestScheduler(now)
	require.NoError(t, s.NotifyStarted([]protocol.OutputModality{
		{Kind: protocol.ModalityAudio, Format: audio.Format{Channels: 1, SampleRate: 1}},
	}))

	s.ScheduleEvent(now, audioEvent("c1", 2))
	s.ScheduleEvent(now, audioEvent("c1", 2))
	s.ScheduleEvent(now, protocol.ServerEvent{Kind: protocol.ServerText, Id: "c1", Content: "caption"})
	s.ScheduleEvent(now, protocol.ServerEvent{Kind: protocol.ServerClearAudio, Id: "c1"})
	s.ScheduleEvent(now, audioEvent("c1", 1))

	_, hasWakeup, err := s.Process(now)
	require.NoError(t, err)
	assert.False(t, hasWakeup, "clock reset to now lets the trailing audio drain immediately too")

	var kinds []protocol.ServerEventKind
	for _, e := range *dispatched {
		kinds = append(kinds, e.Kind)
	}
	// The two originally-queued Audio events are gone (dropped by
	// ClearAudio); the caption and ClearAudio flush first, since they were
	// ahead in the queue, followed by the new trailing Audio.
	assert.Equal(t, []protocol.ServerEventKind{protocol.ServerText, protocol.ServerClearAudio, protocol.ServerAudio}, kinds)
}
