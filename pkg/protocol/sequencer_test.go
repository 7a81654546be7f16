package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequencer_ReleasesInReservationOrder(t *testing.T) {
	q := newSequencer()
	a, b, c := &slot{}, &slot{}, &slot{}

	assert.True(t, q.reserve(a))
	assert.False(t, q.reserve(b))
	assert.False(t, q.reserve(c))

	ready, idle, ok := q.resolve(c)
	assert.True(t, ok)
	assert.Empty(t, ready)
	assert.False(t, idle)

	ready, idle, ok = q.resolve(b)
	assert.True(t, ok)
	assert.Empty(t, ready)
	assert.False(t, idle)

	ready, idle, ok = q.resolve(a)
	assert.True(t, ok)
	assert.Equal(t, []*slot{a, b, c}, ready)
	assert.True(t, idle)
	assert.Zero(t, q.outstanding())
}

func TestSequencer_PartialRelease(t *testing.T) {
	q := newSequencer()
	a, b := &slot{}, &slot{}
	q.reserve(a)
	q.reserve(b)

	ready, idle, _ := q.resolve(a)
	assert.Equal(t, []*slot{a}, ready)
	assert.False(t, idle)
	assert.Equal(t, 1, q.outstanding())
}

func TestSequencer_UnknownSlot(t *testing.T) {
	q := newSequencer()
	_, idle, ok := q.resolve(&slot{})
	assert.False(t, ok)
	assert.True(t, idle)
}
