package awareness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newPair(t *testing.T) (*Awareness, *Awareness, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := New(1, WithClock(clock.now))
	b := New(2, WithClock(clock.now))
	return a, b, clock
}

func TestStateExchange(t *testing.T) {
	a, b, _ := newPair(t)
	require.NoError(t, a.SetLocalState(State{"name": "ann", "cursor": int64(4)}))

	var changes []Change
	b.Observe(func(c Change) { changes = append(changes, c) })
	require.NoError(t, b.ApplyUpdate(a.EncodeUpdate(), "remote"))

	s, ok := b.State(1)
	require.True(t, ok)
	assert.Equal(t, "ann", s["name"])
	assert.EqualValues(t, 4, s["cursor"])
	require.Len(t, changes, 1)
	assert.Equal(t, []uint64{1}, changes[0].Added)
	assert.Equal(t, "remote", changes[0].Origin)

	require.NoError(t, b.ApplyUpdate(a.EncodeUpdate(), "remote"))
	assert.Len(t, changes, 1)
}

func TestOlderClockIsIgnored(t *testing.T) {
	a, b, _ := newPair(t)
	require.NoError(t, a.SetLocalState(State{"v": "1"}))
	first := a.EncodeUpdate()
	require.NoError(t, a.SetLocalState(State{"v": "2"}))

	require.NoError(t, b.ApplyUpdate(a.EncodeUpdate(), nil))
	require.NoError(t, b.ApplyUpdate(first, nil))
	s, _ := b.State(1)
	assert.Equal(t, "2", s["v"])
}

func TestStaleParticipantsDisappearWithoutMessages(t *testing.T) {
	a, b, clock := newPair(t)
	require.NoError(t, a.SetLocalState(State{"name": "ann"}))
	require.NoError(t, b.SetLocalState(State{"name": "bob"}))
	require.NoError(t, b.ApplyUpdate(a.EncodeUpdate(), nil))
	require.NoError(t, a.ApplyUpdate(b.EncodeUpdate(), nil))
	assert.Equal(t, []uint64{1, 2}, a.ActiveParticipants())
	assert.Equal(t, []uint64{1, 2}, b.ActiveParticipants())

	clock.advance(DefaultTimeout + time.Second)
	assert.Equal(t, []uint64{1}, a.ActiveParticipants())
	assert.Equal(t, []uint64{2}, b.ActiveParticipants())

	assert.Equal(t, []uint64{2}, a.Prune())
	_, ok := a.State(2)
	assert.False(t, ok)
}

func TestRenewKeepsLocalStateAlive(t *testing.T) {
	a, b, clock := newPair(t)
	require.NoError(t, a.SetLocalState(State{"name": "ann"}))
	require.NoError(t, b.ApplyUpdate(a.EncodeUpdate(), nil))

	assert.Nil(t, a.Renew())
	clock.advance(DefaultTimeout / 2)
	update := a.Renew()
	require.NotNil(t, update)
	require.NoError(t, b.ApplyUpdate(update, nil))

	clock.advance(DefaultTimeout/2 + time.Second)
	assert.Contains(t, b.ActiveParticipants(), uint64(1))
}

func TestRenewalGapStaysWellUnderTimeout(t *testing.T) {
	a, b, clock := newPair(t)
	require.NoError(t, a.SetLocalState(State{"name": "ann"}))
	require.NoError(t, b.ApplyUpdate(a.EncodeUpdate(), nil))

	// ticks that land slightly early, as a loaded ticker does
	tick := a.RenewInterval() - 10*time.Millisecond
	last := clock.t
	var widest time.Duration
	for i := 0; i < 100; i++ {
		clock.advance(tick)
		if update := a.Renew(); update != nil {
			require.NoError(t, b.ApplyUpdate(update, nil))
			widest = max(widest, clock.t.Sub(last))
			last = clock.t
		}
		b.Prune()
		require.Contains(t, b.ActiveParticipants(), uint64(1))
	}
	assert.Less(t, widest, DefaultTimeout/2+a.RenewInterval())
}

func TestRemoveStates(t *testing.T) {
	a, b, _ := newPair(t)
	require.NoError(t, a.SetLocalState(State{"name": "ann"}))
	require.NoError(t, b.ApplyUpdate(a.EncodeUpdate(), nil))

	update := a.RemoveStates(1)
	assert.Empty(t, a.ActiveParticipants())
	require.NoError(t, b.ApplyUpdate(update, nil))
	assert.Equal(t, []uint64(nil), b.ActiveParticipants())
}

func TestMalformedUpdate(t *testing.T) {
	a, _, _ := newPair(t)
	err := a.ApplyUpdate([]byte{0xff, 0x00}, nil)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestSetLocalStateNilRemoves(t *testing.T) {
	a, _, _ := newPair(t)
	var removed []uint64
	a.Observe(func(c Change) { removed = append(removed, c.Removed...) })
	require.NoError(t, a.SetLocalState(State{"x": true}))
	require.NoError(t, a.SetLocalState(nil))
	assert.Equal(t, []uint64{1}, removed)
	assert.Nil(t, a.LocalState())
}
