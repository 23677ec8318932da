package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat_Duration(t *testing.T) {
	f := Format{Channels: 2, SampleRate: 16000}
	// 32000 interleaved samples = 16000 mono frames = 1 second.
	assert.Equal(t, time.Second, f.Duration(32000))
	assert.Equal(t, 500*time.Millisecond, f.Duration(16000))
	assert.Equal(t, time.Duration(0), Format{}.Duration(100), "zero channels must not divide by zero")
}

func TestLEBytesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	b := SamplesToLEBytes(samples)
	require.Len(t, b, len(samples)*2)
	assert.Equal(t, samples, SamplesFromLEBytes(b))
}

func TestChunkBytes(t *testing.T) {
	small := make([]byte, 100)
	assert.Equal(t, [][]byte{small}, ChunkBytes(small))

	big := make([]byte, 8192*2+10)
	chunks := ChunkBytes(big)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 8192)
	assert.Len(t, chunks[1], 8192)
	assert.Len(t, chunks[2], 10)
}

func TestFrame_IntoMono_AlreadyMono(t *testing.T) {
	f := Frame{Format: Format{Channels: 1, SampleRate: 8000}, Samples: []int16{1, 2, 3}}
	mono, err := f.IntoMono()
	require.NoError(t, err)
	assert.Equal(t, f, mono)
}

func TestFrame_IntoMono_Stereo(t *testing.T) {
	f := Frame{
		Format:  Format{Channels: 2, SampleRate: 8000},
		Samples: []int16{10, 20, 30, 40}, // interleaved: ch0=[10,30] ch1=[20,40]
	}
	mono, err := f.IntoMono()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), mono.Format.Channels)
	assert.Equal(t, []int16{15, 35}, mono.Samples)
}

func TestFrame_IntoMono_ZeroChannels(t *testing.T) {
	f := Frame{Format: Format{Channels: 0, SampleRate: 8000}, Samples: []int16{1, 2}}
	_, err := f.IntoMono()
	assert.Error(t, err)
}
