package core

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	kind Kind
	run  func(ctx context.Context, params any, conv *Conversation) error
}

func (s *stubService) Kind() Kind { return s.kind }

func (s *stubService) DecodeParams(raw json.RawMessage) (any, error) {
	var v map[string]any
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *stubService) Conversation(ctx context.Context, params any, conv *Conversation) error {
	return s.run(ctx, params, conv)
}

func TestRegistry_AddAndResolve(t *testing.T) {
	r := NewRegistry()
	r.AddService("echo", &stubService{kind: KindUnclassified})

	svc, err := r.Service("echo")
	require.NoError(t, err)
	assert.Equal(t, KindUnclassified, svc.Kind())
}

func TestRegistry_Service_Unregistered(t *testing.T) {
	r := NewRegistry()
	_, err := r.Service("missing")
	assert.ErrorContains(t, err, "unregistered service")
}

func TestRegistry_AddService_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.AddService("echo", &stubService{})
	assert.Panics(t, func() {
		r.AddService("echo", &stubService{})
	})
}

func TestWrappedService_Converse_DecodeFailure(t *testing.T) {
	r := NewRegistry()
	r.AddService("echo", &stubService{})
	svc, err := r.Service("echo")
	require.NoError(t, err)

	err = svc.Converse(context.Background(), json.RawMessage(`{not json`), nil)
	assert.ErrorContains(t, err, "decode params")
}
