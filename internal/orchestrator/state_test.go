package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cortex/internal/core/model"
)

func TestTransitionTable(t *testing.T) {
	for _, s := range []State{StateDenied, StateBudgetExceeded, StateExecutionFailed, StateReleased} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, StateSubmitted.Terminal())

	assert.True(t, canTransition(StateSubmitted, StatePolicyChecked))
	assert.False(t, canTransition(StateSubmitted, StateBudgetReserved))
	assert.False(t, canTransition(StateReleased, StateLocalExecuting))
	assert.False(t, canTransition(StateHybridExecuting, StateRemoteExecuting))
}

func TestTaskRunRejectsIllegalTransition(t *testing.T) {
	r := newTaskRun()
	require.NoError(t, r.to(StatePolicyChecked))
	err := r.to(StateTelemetryRecorded)
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, StatePolicyChecked, r.current())
	assert.Equal(t, []State{StateSubmitted, StatePolicyChecked}, r.history())
}

func TestSelectVenue(t *testing.T) {
	base := venueInput{
		kind:            model.KindChat,
		tier:            model.TierStandard,
		localPrior:      0.9,
		threshold:       0.7,
		remoteAvailable: true,
	}
	tests := []struct {
		name string
		mod  func(*venueInput)
		want model.Venue
	}{
		{"confident local", func(*venueInput) {}, model.VenueLocal},
		{"low prior goes hybrid", func(in *venueInput) { in.localPrior = 0.5 }, model.VenueHybrid},
		{"redirect", func(in *venueInput) { in.redirect = true }, model.VenueRemote},
		{"cloud required", func(in *venueInput) { in.cloudRequired = true }, model.VenueRemote},
		{"always local beats redirect", func(in *venueInput) { in.alwaysLocal = true; in.redirect = true }, model.VenueLocal},
		{"critical beats everything", func(in *venueInput) {
			in.tier = model.TierCritical
			in.cloudRequired = true
			in.localPrior = 0.1
		}, model.VenueLocal},
		{"no remote", func(in *venueInput) { in.redirect = true; in.localPrior = 0.1; in.remoteAvailable = false }, model.VenueLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mod(&in)
			got, _ := selectVenue(in)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCostModel(t *testing.T) {
	c := DefaultCostModel()
	assert.Equal(t, int64(50+3+256), c.Estimate(model.KindChat, 11))
	assert.Equal(t, int64(20+16), c.Estimate(model.KindClassify, 0))
	assert.Equal(t, int64(20+6), c.Actual(model.KindClassify, 13, 8))
	assert.Equal(t, int64(1), tokens(1))
	assert.Equal(t, int64(0), tokens(0))
}
