// Package broker implements the context switch, the per-connection
// conversation multiplexer (spec component C6). It dispatches inbound
// client events to the conversation they address, spawns the task that
// drives each conversation's adapter to completion, and guarantees exactly
// one terminal event (Stopped or Error) per started conversation.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/billing"
	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/logging"
	"github.com/rapidaai/audioknife/internal/protocol"
)

// Sink receives server events tagged with their conversation id, typically
// the event splitter/distributor (C7).
type Sink interface {
	Dispatch(event protocol.ServerEvent) error
}

const (
	inputChannelCapacity  = 256
	outputChannelCapacity = 32
)

// DefaultShutdownGrace is used when a caller does not configure one.
const DefaultShutdownGrace = 3 * time.Second

type activeConversation struct {
	inputModality protocol.InputModality
	input         chan core.Input
	cancel        context.CancelFunc
	done          chan struct{}
	terminalOnce  sync.Once

	// stopping is set once handleStop has closed input for this id, so a
	// duplicate Stop is a no-op and any further Audio/Text/ServiceEvent for
	// the same id is rejected instead of sending on a closed channel.
	stopping bool
}

// ContextSwitch is the per-connection multiplexer described in spec §4.1.
type ContextSwitch struct {
	mu            sync.Mutex
	registry      *core.Registry
	conversations map[protocol.ConversationId]*activeConversation
	sink          Sink
	collector     *billing.Collector
	shutdownGrace time.Duration
	logger        logging.Logger
}

// New builds a ContextSwitch bound to one connection's registry, output
// sink, and shared billing collector.
func New(registry *core.Registry, sink Sink, collector *billing.Collector, shutdownGrace time.Duration, logger logging.Logger) *ContextSwitch {
	if logger == nil {
		logger = logging.NewNop()
	}
	if shutdownGrace <= 0 {
		shutdownGrace = DefaultShutdownGrace
	}
	return &ContextSwitch{
		registry:      registry,
		conversations: make(map[protocol.ConversationId]*activeConversation),
		sink:          sink,
		collector:     collector,
		shutdownGrace: shutdownGrace,
		logger:        logger,
	}
}

// Process dispatches one inbound client event by variant (spec §4.1).
func (cs *ContextSwitch) Process(ctx context.Context, event protocol.ClientEvent) error {
	switch event.Kind {
	case protocol.ClientStart:
		return cs.handleStart(ctx, event)
	case protocol.ClientStop:
		return cs.handleStop(event.Id)
	case protocol.ClientAudio:
		return cs.handleAudio(event)
	case protocol.ClientText:
		return cs.handleText(event)
	case protocol.ClientServiceEvent:
		return cs.handleServiceEvent(event)
	default:
		return fmt.Errorf("broker: unknown client event kind %q", event.Kind)
	}
}

func (cs *ContextSwitch) handleStart(ctx context.Context, event protocol.ClientEvent) error {
	cs.mu.Lock()
	if _, exists := cs.conversations[event.Id]; exists {
		cs.mu.Unlock()
		return fmt.Errorf("broker: conversation already started: %s", event.Id)
	}

	svc, err := cs.registry.Service(event.Service)
	if err != nil {
		cs.mu.Unlock()
		return cs.postStartFailure(event.Id, err)
	}

	input := make(chan core.Input, inputChannelCapacity)
	output := make(chan core.Output, outputChannelCapacity)
	taskCtx, cancel := context.WithCancel(ctx)

	ac := &activeConversation{
		inputModality: event.InputModality,
		input:         input,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	cs.conversations[event.Id] = ac
	cs.mu.Unlock()

	conv := core.NewConversation(event.InputModality, event.OutputModalities, input, output).WithRegistry(cs.registry)
	if event.BillingId != nil {
		conv = conv.WithBillingContext(core.NewBillingContext(*event.BillingId, event.Service, cs.collector))
	}

	go cs.runConversation(taskCtx, event.Id, svc, event.Params, conv, output, ac)
	return nil
}

// postStartFailure reports a Start that could not even be spawned (unknown
// service) directly to the sink; no entry was ever registered, so no Stop
// bookkeeping is needed.
func (cs *ContextSwitch) postStartFailure(id protocol.ConversationId, err error) error {
	if dispatchErr := cs.sink.Dispatch(protocol.ServerEvent{Kind: protocol.ServerError, Id: id, Message: err.Error()}); dispatchErr != nil {
		cs.logger.Errorf("broker: failed to dispatch start failure for %s: %v", id, dispatchErr)
	}
	return err
}

func (cs *ContextSwitch) handleStop(id protocol.ConversationId) error {
	cs.mu.Lock()
	ac, exists := cs.conversations[id]
	if !exists {
		cs.mu.Unlock()
		return fmt.Errorf("broker: unknown conversation: %s", id)
	}
	if ac.stopping {
		cs.mu.Unlock()
		return nil
	}
	ac.stopping = true
	cs.mu.Unlock()

	close(ac.input)
	go func() {
		select {
		case <-ac.done:
		case <-time.After(cs.shutdownGrace):
			// The adapter did not exit within the grace period, i.e. it is
			// hung rather than cooperatively shutting down; this is not the
			// clean-cancellation path spec §7.5 describes ("cancellation is
			// not an error, it produces a Stopped event"), so an Error
			// terminal is posted instead of a Stopped one.
			ac.cancel()
			cs.postTerminal(id, ac, fmt.Errorf("conversation forcibly terminated after grace period"))
		}
	}()
	return nil
}

func (cs *ContextSwitch) handleAudio(event protocol.ClientEvent) error {
	ac, err := cs.lookup(event.Id)
	if err != nil {
		return err
	}
	if ac.inputModality.Kind != protocol.ModalityAudio {
		return fmt.Errorf("broker: conversation %s does not accept audio input", event.Id)
	}

	frame := audio.Frame{Format: ac.inputModality.Format, Samples: event.Samples}
	select {
	case ac.input <- core.Input{Kind: core.InputAudio, Frame: frame}:
		return nil
	default:
		return fmt.Errorf("broker: input channel full for conversation %s", event.Id)
	}
}

func (cs *ContextSwitch) handleText(event protocol.ClientEvent) error {
	ac, err := cs.lookup(event.Id)
	if err != nil {
		return err
	}
	if ac.inputModality.Kind != protocol.ModalityText {
		return fmt.Errorf("broker: conversation %s does not accept text input", event.Id)
	}

	in := core.Input{Kind: core.InputText, RequestId: event.RequestId, Text: event.Content, TextType: event.TextType}
	select {
	case ac.input <- in:
		return nil
	default:
		return fmt.Errorf("broker: input channel full for conversation %s", event.Id)
	}
}

func (cs *ContextSwitch) handleServiceEvent(event protocol.ClientEvent) error {
	ac, err := cs.lookup(event.Id)
	if err != nil {
		return err
	}

	in := core.Input{Kind: core.InputServiceEvent, Value: event.Value}
	select {
	case ac.input <- in:
		return nil
	default:
		return fmt.Errorf("broker: input channel full for conversation %s", event.Id)
	}
}

// BroadcastAudio pushes frame as Audio input to every active conversation
// whose input modality is Audio with a matching format. Per-conversation
// delivery failure is logged and never prevents delivery to the rest (spec
// §4.1 broadcast_audio).
func (cs *ContextSwitch) BroadcastAudio(frame audio.Frame) {
	cs.mu.Lock()
	targets := make([]*activeConversation, 0, len(cs.conversations))
	for _, ac := range cs.conversations {
		if ac.inputModality.Kind == protocol.ModalityAudio && ac.inputModality.Format == frame.Format {
			targets = append(targets, ac)
		}
	}
	cs.mu.Unlock()

	for _, ac := range targets {
		samples := append([]int16(nil), frame.Samples...)
		select {
		case ac.input <- core.Input{Kind: core.InputAudio, Frame: audio.Frame{Format: frame.Format, Samples: samples}}:
		default:
			cs.logger.Warnf("broker: dropping broadcast audio, input channel full")
		}
	}
}

// Shutdown stops every active conversation, as if the client had sent Stop
// for each, used when the top-level connection drops (spec §5).
func (cs *ContextSwitch) Shutdown() {
	cs.mu.Lock()
	ids := make([]protocol.ConversationId, 0, len(cs.conversations))
	for id := range cs.conversations {
		ids = append(ids, id)
	}
	cs.mu.Unlock()

	for _, id := range ids {
		_ = cs.handleStop(id)
	}
}

func (cs *ContextSwitch) lookup(id protocol.ConversationId) (*activeConversation, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ac, exists := cs.conversations[id]
	if !exists {
		return nil, fmt.Errorf("broker: unknown conversation: %s", id)
	}
	if ac.stopping {
		return nil, fmt.Errorf("broker: conversation %s is stopping, rejecting further input", id)
	}
	return ac, nil
}

// runConversation is the conversation task lifecycle (spec §4.1): an inner
// layer that runs the adapter and maps its result to a terminal event, and
// an outer layer (panic recovery plus postTerminal's sync.Once) that
// guarantees exactly one terminal event is ever posted.
func (cs *ContextSwitch) runConversation(ctx context.Context, id protocol.ConversationId, svc core.WrappedService, rawParams json.RawMessage, conv *core.Conversation, output chan core.Output, ac *activeConversation) {
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for out := range output {
			if err := cs.sink.Dispatch(translateOutput(id, out)); err != nil {
				cs.logger.Errorf("broker: dispatch failed for %s: %v", id, err)
			}
		}
	}()

	result := cs.invoke(ctx, svc, rawParams, conv)

	close(output)
	<-pumpDone

	cs.postTerminal(id, ac, result)
}

func (cs *ContextSwitch) invoke(ctx context.Context, svc core.WrappedService, rawParams json.RawMessage, conv *core.Conversation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broker: adapter panicked: %v", r)
		}
	}()
	return svc.Converse(ctx, rawParams, conv)
}

// postTerminal posts the single terminal event for id and removes it from
// the active map. Guarded by ac.terminalOnce so the grace-period watcher
// (handleStop) and the task's own completion race safely (P1).
func (cs *ContextSwitch) postTerminal(id protocol.ConversationId, ac *activeConversation, err error) {
	ac.terminalOnce.Do(func() {
		cs.mu.Lock()
		delete(cs.conversations, id)
		cs.mu.Unlock()

		var ev protocol.ServerEvent
		if err != nil {
			ev = protocol.ServerEvent{Kind: protocol.ServerError, Id: id, Message: errorChainMessage(err)}
		} else {
			ev = protocol.ServerEvent{Kind: protocol.ServerStopped, Id: id}
		}
		if dispatchErr := cs.sink.Dispatch(ev); dispatchErr != nil {
			cs.logger.Errorf("broker: failed to dispatch terminal event for %s: %v", id, dispatchErr)
		}
		close(ac.done)
	})
}

// errorChainMessage renders the full wrapped error chain as the Error
// terminal's message. Because every error returned from this module wraps
// with "...: %w", err.Error() is already that colon-joined chain (spec §7).
func errorChainMessage(err error) string {
	return err.Error()
}

func translateOutput(id protocol.ConversationId, out core.Output) protocol.ServerEvent {
	ev := protocol.ServerEvent{Id: id}
	switch out.Kind {
	case core.OutputStarted:
		ev.Kind = protocol.ServerStarted
		ev.Modalities = out.Modalities
	case core.OutputAudio:
		ev.Kind = protocol.ServerAudio
		ev.Frame = out.Frame
	case core.OutputClearAudio:
		ev.Kind = protocol.ServerClearAudio
	case core.OutputText:
		ev.Kind = protocol.ServerText
		ev.IsFinal = out.IsFinal
		ev.Content = out.Text
	case core.OutputRequestCompleted:
		ev.Kind = protocol.ServerRequestCompleted
		ev.RequestId = out.RequestId
	case core.OutputServiceEvent:
		ev.Kind = protocol.ServerServiceEvent
		ev.Path = out.Path
		ev.Value = out.Value
	case core.OutputBillingRecords:
		ev.Kind = protocol.ServerBillingRecords
		ev.RequestId = out.RequestId
		ev.Scope = out.Scope
		ev.Records = out.Records
	}
	return ev
}
