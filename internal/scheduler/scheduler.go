// Package scheduler implements the media event scheduler (spec component
// C8): it paces non-audio events to arrive no sooner than the audio they
// were enqueued behind appears to finish playing, and throttles audio
// production once more than MaxBufferedAudio is outstanding.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/logging"
	"github.com/rapidaai/audioknife/internal/protocol"
)

// MaxBufferedAudio bounds how far ahead of real time audio may be
// dispatched before the scheduler throttles the producer (spec §4.5).
const MaxBufferedAudio = 5 * time.Second

// WakeupDelayWhenBuffersAreFull is the retry delay used once
// MaxBufferedAudio has been reached.
const WakeupDelayWhenBuffersAreFull = 1 * time.Second

// Sink is where the scheduler dispatches events once their turn arrives.
type Sink interface {
	Dispatch(event protocol.ServerEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(protocol.ServerEvent) error

func (f SinkFunc) Dispatch(event protocol.ServerEvent) error { return f(event) }

// MediaEventScheduler holds the per-conversation pacing state described in
// spec §4.5. ScheduleEvent/Process take an explicit "now" so the core
// algorithm is deterministically testable; Run drives it against the wall
// clock.
type MediaEventScheduler struct {
	audioFinished time.Time
	pending       []protocol.ServerEvent
	audioFormat   *audio.Format
	sink          Sink
	logger        logging.Logger
}

// New returns a scheduler with its virtual playback clock set to now.
func New(now time.Time, sink Sink, logger logging.Logger) *MediaEventScheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MediaEventScheduler{audioFinished: now, sink: sink, logger: logger}
}

// NotifyStarted captures the single declared audio output format from a
// Started event. It fails if called more than once or if more than one
// audio modality is present (spec §4.5 step 2).
func (s *MediaEventScheduler) NotifyStarted(modalities []protocol.OutputModality) error {
	if s.audioFormat != nil {
		return fmt.Errorf("scheduler: received output modalities twice")
	}
	format, err := singleAudioFormat(modalities)
	if err != nil {
		return err
	}
	s.audioFormat = format
	return nil
}

func singleAudioFormat(modalities []protocol.OutputModality) (*audio.Format, error) {
	var found *audio.Format
	for _, m := range modalities {
		if m.Kind != protocol.ModalityAudio {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("scheduler: multiple audio formats found in output modalities")
		}
		format := m.Format
		found = &format
	}
	return found, nil
}

// ScheduleEvent enqueues a media-path event (Audio, ClearAudio, Text). A
// ClearAudio drops every queued Audio event and resets the virtual clock to
// now, so non-audio events already queued ahead of it are still flushed
// as soon as possible (spec §4.5 step 3, P3).
func (s *MediaEventScheduler) ScheduleEvent(now time.Time, event protocol.ServerEvent) {
	if event.Kind == protocol.ServerClearAudio {
		filtered := s.pending[:0]
		for _, e := range s.pending {
			if e.Kind != protocol.ServerAudio {
				filtered = append(filtered, e)
			}
		}
		s.pending = filtered
		s.audioFinished = now
	}
	s.pending = append(s.pending, event)
}

// Process drains the pending queue from the head, dispatching whatever the
// virtual clock allows. It returns the duration to wait before calling
// Process again, and ok=false when the queue is fully drained and no
// further wakeup is needed (spec §4.5 steps 4-5).
func (s *MediaEventScheduler) Process(now time.Time) (time.Duration, bool, error) {
	if s.audioFinished.Before(now) {
		s.audioFinished = now
	}

	for len(s.pending) > 0 {
		head := s.pending[0]

		if head.Kind == protocol.ServerAudio {
			if s.audioFormat == nil {
				s.logger.Warnf("scheduler: audio received before an audio output was started, dropping")
				s.pending = s.pending[1:]
				continue
			}
			if !s.audioFinished.Before(now.Add(MaxBufferedAudio)) {
				return WakeupDelayWhenBuffersAreFull, true, nil
			}
			s.audioFinished = s.audioFinished.Add(s.audioFormat.Duration(len(head.Frame.Samples)))
		} else if now.Before(s.audioFinished) {
			return s.audioFinished.Sub(now), true, nil
		}

		s.pending = s.pending[1:]
		if err := s.sink.Dispatch(head); err != nil {
			return 0, false, err
		}
	}

	return 0, false, nil
}

// Run pumps events arriving on input through the scheduler until input
// closes or ctx is canceled. Control-path events bypass pacing entirely;
// media-path events are scheduled and the loop re-enters Process on its own
// wakeup timer (spec §4.5's event_scheduler task).
func Run(ctx context.Context, input <-chan protocol.ServerEvent, sink Sink, logger logging.Logger) error {
	s := New(time.Now(), sink, logger)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	var wakeupCh <-chan time.Time

	for {
		select {
		case event, ok := <-input:
			if !ok {
				return nil
			}
			now := time.Now()
			if event.OutputPathKind() == protocol.PathControl {
				if event.Kind == protocol.ServerStarted {
					if err := s.NotifyStarted(event.Modalities); err != nil {
						return err
					}
				}
				if err := sink.Dispatch(event); err != nil {
					return err
				}
			} else {
				s.ScheduleEvent(now, event)
			}
		case <-wakeupCh:
		case <-ctx.Done():
			return ctx.Err()
		}

		wakeup, hasWakeup, err := s.Process(time.Now())
		if err != nil {
			return err
		}
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		wakeupCh = nil
		if hasWakeup {
			timer = time.NewTimer(wakeup)
			wakeupCh = timer.C
		}
	}
}
