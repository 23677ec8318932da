package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/rapidaai/audioknife/internal/audio"
)

// InputModality is fixed at conversation start: either Audio at a declared
// format, or Text.
type InputModality struct {
	Kind   ModalityKind
	Format audio.Format // valid only when Kind == ModalityAudio
}

// ModalityKind discriminates the modality variants carried over the wire.
type ModalityKind string

const (
	ModalityAudio       ModalityKind = "audio"
	ModalityText        ModalityKind = "text"
	ModalityInterimText ModalityKind = "interimText"
)

// CanReceiveAudio reports whether this input modality accepts audio frames
// encoded in the given format.
func (m InputModality) CanReceiveAudio(format audio.Format) bool {
	return m.Kind == ModalityAudio && m.Format == format
}

// OutputModality is one entry of the ordered set a conversation declares at
// start.
type OutputModality struct {
	Kind   ModalityKind
	Format audio.Format // valid only when Kind == ModalityAudio
}

// ValidateOutputModalities enforces: no duplicate kind, and InterimText
// requires Text to also be present.
func ValidateOutputModalities(modalities []OutputModality) error {
	seen := make(map[ModalityKind]bool, len(modalities))
	hasText := false
	hasInterim := false
	for _, m := range modalities {
		if seen[m.Kind] {
			return fmt.Errorf("protocol: duplicate output modality %q", m.Kind)
		}
		seen[m.Kind] = true
		switch m.Kind {
		case ModalityText:
			hasText = true
		case ModalityInterimText:
			hasInterim = true
		}
	}
	if hasInterim && !hasText {
		return fmt.Errorf("protocol: interimText output requires text output")
	}
	return nil
}

// wireModality is the JSON shape shared by input/output modality variants.
type wireModality struct {
	Type   ModalityKind `json:"type"`
	Format *wireFormat  `json:"format,omitempty"`
}

type wireFormat struct {
	Channels   uint16 `json:"channels"`
	SampleRate uint32 `json:"sampleRate"`
}

func (m InputModality) MarshalJSON() ([]byte, error) {
	w := wireModality{Type: m.Kind}
	if m.Kind == ModalityAudio {
		w.Format = &wireFormat{Channels: m.Format.Channels, SampleRate: m.Format.SampleRate}
	}
	return json.Marshal(w)
}

func (m *InputModality) UnmarshalJSON(b []byte) error {
	var w wireModality
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Type {
	case ModalityAudio:
		if w.Format == nil {
			return fmt.Errorf("protocol: audio input modality missing format")
		}
		*m = InputModality{Kind: ModalityAudio, Format: audio.Format{Channels: w.Format.Channels, SampleRate: w.Format.SampleRate}}
	case ModalityText:
		*m = InputModality{Kind: ModalityText}
	default:
		return fmt.Errorf("protocol: unknown input modality %q", w.Type)
	}
	return nil
}

func (m OutputModality) MarshalJSON() ([]byte, error) {
	w := wireModality{Type: m.Kind}
	if m.Kind == ModalityAudio {
		w.Format = &wireFormat{Channels: m.Format.Channels, SampleRate: m.Format.SampleRate}
	}
	return json.Marshal(w)
}

func (m *OutputModality) UnmarshalJSON(b []byte) error {
	var w wireModality
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Type {
	case ModalityAudio:
		if w.Format == nil {
			return fmt.Errorf("protocol: audio output modality missing format")
		}
		*m = OutputModality{Kind: ModalityAudio, Format: audio.Format{Channels: w.Format.Channels, SampleRate: w.Format.SampleRate}}
	case ModalityText, ModalityInterimText:
		*m = OutputModality{Kind: w.Type}
	default:
		return fmt.Errorf("protocol: unknown output modality %q", w.Type)
	}
	return nil
}
