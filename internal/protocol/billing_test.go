package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBillingRecordValue_IsZero(t *testing.T) {
	assert.True(t, DurationValue(0).IsZero())
	assert.True(t, CountValue(0).IsZero())
	assert.False(t, DurationValue(time.Second).IsZero())
	assert.False(t, CountValue(1).IsZero())
}

func TestBillingRecordValue_Aggregate(t *testing.T) {
	a := DurationValue(time.Second)
	b := DurationValue(2 * time.Second)
	sum, err := a.Aggregate(b)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, sum.Duration)

	c, err := CountValue(2).Aggregate(CountValue(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.Count)
}

func TestBillingRecordValue_Aggregate_MixedKindsFail(t *testing.T) {
	_, err := DurationValue(time.Second).Aggregate(CountValue(1))
	assert.Error(t, err)
}

func TestBillingRecordValue_Aggregate_CommutativeAssociative(t *testing.T) {
	a, b, c := CountValue(2), CountValue(3), CountValue(5)

	ab, err := a.Aggregate(b)
	require.NoError(t, err)
	abc, err := ab.Aggregate(c)
	require.NoError(t, err)

	ba, err := b.Aggregate(a)
	require.NoError(t, err)
	bac, err := ba.Aggregate(c)
	require.NoError(t, err)

	bc, err := b.Aggregate(c)
	require.NoError(t, err)
	abc2, err := a.Aggregate(bc)
	require.NoError(t, err)

	assert.Equal(t, abc.Count, bac.Count)
	assert.Equal(t, abc.Count, abc2.Count)
}
