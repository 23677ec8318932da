package protocol

import (
	"testing"

	"github.com/rapidaai/audioknife/internal/audio"
	"github.com/stretchr/testify/assert"
)

func TestInputModality_CanReceiveAudio(t *testing.T) {
	format := audio.Format{Channels: 1, SampleRate: 16000}
	m := InputModality{Kind: ModalityAudio, Format: format}
	assert.True(t, m.CanReceiveAudio(format))
	assert.False(t, m.CanReceiveAudio(audio.Format{Channels: 2, SampleRate: 16000}))
	assert.False(t, InputModality{Kind: ModalityText}.CanReceiveAudio(format))
}

func TestValidateOutputModalities(t *testing.T) {
	assert.NoError(t, ValidateOutputModalities([]OutputModality{
		{Kind: ModalityText}, {Kind: ModalityInterimText},
	}))
	assert.NoError(t, ValidateOutputModalities([]OutputModality{
		{Kind: ModalityAudio, Format: audio.Format{Channels: 1, SampleRate: 8000}},
	}))

	// Duplicate kind.
	assert.Error(t, ValidateOutputModalities([]OutputModality{
		{Kind: ModalityText}, {Kind: ModalityText},
	}))

	// InterimText without Text.
	assert.Error(t, ValidateOutputModalities([]OutputModality{
		{Kind: ModalityInterimText},
	}))
}
