// Package core implements the conversation channel primitives, the service
// registry, and the abstract service contract (spec components C3 and C4).
package core

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind classifies a service adapter, generalizing "one adapter per
// provider" the way core/src/service.rs's ServiceType does in the original
// source. Not named explicitly in spec.md, but a natural supplement: it
// gives billing and diagnostics a stable category to report against.
type Kind string

const (
	KindSynthesizer      Kind = "synthesizer"
	KindTranscriber      Kind = "transcriber"
	KindSpeechDialog     Kind = "speechDialog"
	KindSpeechTranslator Kind = "speechTranslator"
	KindUnclassified     Kind = "unclassified"
)

// Service is the abstract interface every provider adapter implements
// (spec §4.4). Conversation takes ownership of conv: it is consumed exactly
// once.
type Service interface {
	// Kind classifies this adapter for diagnostics and default billing
	// scope.
	Kind() Kind

	// DecodeParams decodes raw JSON params into the adapter's declared
	// parameter shape. Structured decode failures surface as a Start
	// failure (spec §4.1).
	DecodeParams(raw json.RawMessage) (any, error)

	// Conversation drives one conversation to completion. It must return
	// when input is exhausted or the provider signals end, and must place
	// a cancellation point inside any loop reading a provider stream
	// (spec §4.4, §5).
	Conversation(ctx context.Context, params any, conv *Conversation) error
}

// WrappedService is the registry-facing erasure of Service: Converse takes
// raw params and decodes them itself before calling the adapter's
// Conversation, so the registry boundary
// never needs the adapter's concrete parameter type (spec §9 "Dynamic
// dispatch on service").
type WrappedService interface {
	Kind() Kind
	Converse(ctx context.Context, rawParams json.RawMessage, conv *Conversation) error
}

type wrappedService struct {
	svc Service
}

func wrap(svc Service) WrappedService {
	return &wrappedService{svc: svc}
}

func (w *wrappedService) Kind() Kind { return w.svc.Kind() }

func (w *wrappedService) Converse(ctx context.Context, rawParams json.RawMessage, conv *Conversation) error {
	params, err := w.svc.DecodeParams(rawParams)
	if err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return w.svc.Conversation(ctx, params, conv)
}
