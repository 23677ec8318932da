package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		0:                                              "00:00:00.000",
		time.Hour + time.Minute + time.Second + 123*time.Millisecond: "01:01:01.123",
		100*time.Hour + 456*time.Millisecond:           "100:00:00.456",
	}
	for d, want := range cases {
		assert.Equal(t, want, FormatDuration(d))
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	cases := []time.Duration{
		0,
		time.Millisecond,
		999 * time.Millisecond,
		time.Hour + time.Minute + time.Second + 123*time.Millisecond,
		100*time.Hour + 456*time.Millisecond,
	}
	for _, d := range cases {
		parsed, err := ParseDuration(FormatDuration(d))
		require.NoError(t, err)
		assert.Equal(t, d, parsed, "round trip for %v", d)
	}
}

func TestDuration_JSON(t *testing.T) {
	d := Duration(time.Hour + time.Minute + time.Second + 123*time.Millisecond)
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"01:01:01.123"`, string(b))

	var decoded Duration
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, d, decoded)
}

func TestParseDuration_Invalid(t *testing.T) {
	for _, s := range []string{"", "garbage", "01:02", "01:60:00.000", "01:02:03.1234"} {
		_, err := ParseDuration(s)
		assert.Error(t, err, s)
	}
}
