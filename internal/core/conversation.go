package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/rapidaai/audioknife/internal/billing"
	"github.com/rapidaai/audioknife/internal/protocol"
)

// Input is one message delivered into a running conversation (spec §3,
// §4.2).
type Input struct {
	Kind InputKind

	// Audio.
	Frame audio.Frame

	// Text.
	RequestId *protocol.RequestId
	Text      string
	TextType  *string

	// ServiceEvent.
	Value json.RawMessage
}

// InputKind discriminates Input variants.
type InputKind int

const (
	InputAudio InputKind = iota
	InputText
	InputServiceEvent
)

// Output is one message an adapter posts to its conversation's output sink
// (spec §3, §4.2).
type Output struct {
	Kind OutputKind

	Frame      audio.Frame
	IsFinal    bool
	Text       string
	RequestId  *protocol.RequestId
	Path       protocol.OutputPath
	Value      json.RawMessage
	Scope      string
	Records    []protocol.BillingRecord
	Modalities []protocol.OutputModality
}

// OutputKind discriminates Output variants.
type OutputKind int

const (
	OutputStarted OutputKind = iota
	OutputAudio
	OutputClearAudio
	OutputText
	OutputRequestCompleted
	OutputServiceEvent
	OutputBillingRecords
)

// BillingSchedule controls when billing_records are aggregated relative to
// when they are posted. Only Now is currently implemented; BillingRecords
// rejects any other value (spec §4.2: "schedule=Now implies immediate
// aggregation").
type BillingSchedule int

const (
	ScheduleNow BillingSchedule = iota
)

// BillingContext is a cheap, cloneable handle identifying the billing id,
// current service name, and a shared collector (spec §3). The service name
// is the only field that changes across a nested conversation
// (with_service).
type BillingContext struct {
	billingId  protocol.BillingId
	service    string
	collector  *billing.Collector
}

// NewBillingContext builds a BillingContext bound to collector.
func NewBillingContext(id protocol.BillingId, service string, collector *billing.Collector) BillingContext {
	return BillingContext{billingId: id, service: service, collector: collector}
}

// WithService returns a copy of the context attributed to a different
// service name, used when entering a nested conversation (spec §4.2).
func (b BillingContext) WithService(service string) BillingContext {
	b.service = service
	return b
}

// record forwards scoped records straight to the collector.
func (b BillingContext) record(scope string, records []protocol.BillingRecord) error {
	for _, r := range records {
		if r.IsZero() {
			continue
		}
		if err := b.collector.Record(b.billingId, b.service, scope, r); err != nil {
			return err
		}
	}
	return nil
}

// Conversation is the open handle a registry resolves a Start event into.
// It is consumed exactly once by Start, which splits it into a
// ConversationInput and a ConversationOutput (spec §3).
type Conversation struct {
	registry         *Registry
	inputModality    protocol.InputModality
	outputModalities []protocol.OutputModality
	input            <-chan Input
	output           chan<- Output
	emitStarted      bool
	billingContext   *BillingContext
}

// NewConversation builds a top-level conversation with an empty registry
// (preventing any service resolved from it from nesting further) and
// Started-event emission enabled.
func NewConversation(inputModality protocol.InputModality, outputModalities []protocol.OutputModality, input <-chan Input, output chan<- Output) *Conversation {
	return &Conversation{
		registry:         NewRegistry(),
		inputModality:    inputModality,
		outputModalities: outputModalities,
		input:            input,
		output:           output,
		emitStarted:      true,
	}
}

// WithRegistry attaches the registry a nested Converse call may resolve
// services from.
func (c *Conversation) WithRegistry(r *Registry) *Conversation {
	c.registry = r
	return c
}

// WithBillingContext attaches a billing context.
func (c *Conversation) WithBillingContext(ctx BillingContext) *Conversation {
	c.billingContext = &ctx
	return c
}

// WithNoStartedEvent suppresses the Started event, used for nested
// conversations (spec §3 "nested conversations omit it").
func (c *Conversation) WithNoStartedEvent() *Conversation {
	c.emitStarted = false
	return c
}

// RequireTextInputOnly fails unless the input modality is Text.
func (c *Conversation) RequireTextInputOnly() error {
	if c.inputModality.Kind != protocol.ModalityText {
		return fmt.Errorf("core: text input required, got %s", c.inputModality.Kind)
	}
	return nil
}

// RequireAudioInput fails unless the input modality is Audio, returning its
// format.
func (c *Conversation) RequireAudioInput() (audio.Format, error) {
	if c.inputModality.Kind != protocol.ModalityAudio {
		return audio.Format{}, fmt.Errorf("core: audio input required, got %s", c.inputModality.Kind)
	}
	return c.inputModality.Format, nil
}

// RequireSingleAudioOutput fails unless output modalities are exactly one
// Audio entry, returning its format.
func (c *Conversation) RequireSingleAudioOutput() (audio.Format, error) {
	if len(c.outputModalities) != 1 || c.outputModalities[0].Kind != protocol.ModalityAudio {
		return audio.Format{}, fmt.Errorf("core: expected single audio output")
	}
	return c.outputModalities[0].Format, nil
}

// OutputModalities returns the conversation's declared output modalities,
// for adapters (such as azure-translate) that accept a mix rather than a
// single fixed shape.
func (c *Conversation) OutputModalities() []protocol.OutputModality {
	return c.outputModalities
}

// RequireTextOutput fails unless all output modalities are Text, or
// InterimText when interim is allowed.
func (c *Conversation) RequireTextOutput(allowInterim bool) error {
	for _, m := range c.outputModalities {
		switch m.Kind {
		case protocol.ModalityAudio:
			return fmt.Errorf("core: no audio output expected")
		case protocol.ModalityText:
		case protocol.ModalityInterimText:
			if !allowInterim {
				return fmt.Errorf("core: interim text is unsupported")
			}
		}
	}
	return nil
}

// Start begins the conversation, returning the split input/output handles.
// If emission is enabled it posts exactly one Started event before
// returning (spec §3 invariant).
func (c *Conversation) Start() (*ConversationInput, *ConversationOutput, error) {
	in := &ConversationInput{registry: c.registry, modality: c.inputModality, input: c.input}
	out := &ConversationOutput{modalities: c.outputModalities, output: c.output, billingContext: c.billingContext}
	if c.emitStarted {
		if err := out.post(Output{Kind: OutputStarted, Modalities: append([]protocol.OutputModality(nil), c.outputModalities...)}); err != nil {
			return nil, nil, err
		}
	}
	return in, out, nil
}

// ConversationInput is the receive-only half of a started conversation.
type ConversationInput struct {
	registry *Registry
	modality protocol.InputModality
	input    <-chan Input
}

// Recv yields the next Input, or ok=false when the input sender has closed
// (spec §4.2).
func (ci *ConversationInput) Recv(ctx context.Context) (Input, bool) {
	select {
	case in, ok := <-ci.input:
		return in, ok
	case <-ctx.Done():
		return Input{}, false
	}
}

// Converse runs a nested conversation against service_name, registered in
// the outer conversation's registry, on the same output sink. It pushes
// exactly initialInput then closes the nested input, and waits for the
// nested service to return (spec §4.2).
func (ci *ConversationInput) Converse(ctx context.Context, output *ConversationOutput, serviceName string, rawParams json.RawMessage, initialInput Input) error {
	svc, err := ci.registry.Service(serviceName)
	if err != nil {
		return err
	}

	nestedInput := make(chan Input, 1)
	nestedInput <- initialInput
	close(nestedInput)

	nested := NewConversation(ci.modality, output.modalities, nestedInput, output.output).
		WithNoStartedEvent().
		WithRegistry(NewRegistry())

	if output.billingContext != nil {
		nested = nested.WithBillingContext(output.billingContext.WithService(serviceName))
	}

	// svc.Converse calls nested.Start() itself; WithNoStartedEvent above
	// ensures that does not emit a second Started event onto the shared
	// output sink.
	return svc.Converse(ctx, rawParams, nested)
}

// ConversationOutput is the send-only half of a started conversation. All
// Post helpers are non-blocking and fail if the output channel is full
// (spec §4.2).
type ConversationOutput struct {
	modalities     []protocol.OutputModality
	output         chan<- Output
	billingContext *BillingContext
}

// AudioFrame posts an audio output event.
func (co *ConversationOutput) AudioFrame(frame audio.Frame) error {
	return co.post(Output{Kind: OutputAudio, Frame: frame})
}

// ClearAudio posts a clear-audio control event.
func (co *ConversationOutput) ClearAudio() error {
	return co.post(Output{Kind: OutputClearAudio})
}

// Text posts a text output event.
func (co *ConversationOutput) Text(isFinal bool, text string) error {
	return co.post(Output{Kind: OutputText, IsFinal: isFinal, Text: text})
}

// RequestCompleted posts a request-completed event, echoing requestId
// verbatim (spec §3 invariant).
func (co *ConversationOutput) RequestCompleted(requestId *protocol.RequestId) error {
	return co.post(Output{Kind: OutputRequestCompleted, RequestId: requestId})
}

// ServiceEvent posts an opaque service event on the given path.
func (co *ConversationOutput) ServiceEvent(path protocol.OutputPath, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("core: marshal service event: %w", err)
	}
	return co.post(Output{Kind: OutputServiceEvent, Path: path, Value: raw})
}

// BillingRecords drops zero-valued records, then either forwards the
// remainder to the billing collector (if a BillingContext is present) or
// posts an inband BillingRecords output event (spec §4.2). schedule is
// currently required to be ScheduleNow; deferred aggregation schedules are
// not implemented.
func (co *ConversationOutput) BillingRecords(requestId *protocol.RequestId, scope string, records []protocol.BillingRecord, schedule BillingSchedule) error {
	if schedule != ScheduleNow {
		return fmt.Errorf("core: unsupported billing schedule %d", schedule)
	}

	nonZero := make([]protocol.BillingRecord, 0, len(records))
	for _, r := range records {
		if !r.IsZero() {
			nonZero = append(nonZero, r)
		}
	}
	if len(nonZero) == 0 {
		return nil
	}

	if co.billingContext != nil {
		return co.billingContext.record(scope, nonZero)
	}

	return co.post(Output{Kind: OutputBillingRecords, RequestId: requestId, Scope: scope, Records: nonZero})
}

func (co *ConversationOutput) post(out Output) error {
	select {
	case co.output <- out:
		return nil
	default:
		return fmt.Errorf("core: output channel full")
	}
}
