package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after), "%v not within [%v, %v]", got, before, after)
}

func TestFixedClock(t *testing.T) {
	t.Parallel()

	paris := time.FixedZone("CET", 3600)
	at := time.Date(2024, 4, 2, 9, 0, 0, 0, paris)
	clk := Fixed(at)
	assert.Equal(t, clk.Now(), clk.Now())
	assert.Equal(t, time.UTC, clk.Now().Location())
	assert.True(t, at.Equal(clk.Now()))
}
