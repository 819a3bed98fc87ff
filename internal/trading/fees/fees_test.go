package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleValidate(t *testing.T) {
	valid := Schedule{PlatformFeeBps: 250, RoyaltyBps: 500, RoyaltyRecipient: "acct:creator"}
	assert.NoError(t, valid.Validate())

	assert.Error(t, Schedule{PlatformFeeBps: -1}.Validate())
	assert.Error(t, Schedule{RoyaltyBps: 10_001}.Validate())
	assert.Error(t, Schedule{PlatformFeeBps: 6000, RoyaltyBps: 6000}.Validate())
	assert.Error(t, Schedule{RoyaltyBps: 100}.Validate(), "royalty without recipient")

	// Zero fees are a legal schedule.
	assert.NoError(t, Schedule{}.Validate())
}

func TestStaticProviderLookup(t *testing.T) {
	p := NewStaticProvider(map[string]Schedule{
		"POOL-ALPHA": {PlatformFeeBps: 250, RoyaltyBps: 500, RoyaltyRecipient: "acct:creator"},
	})

	s, err := p.GetFeeSchedule("POOL-ALPHA")
	require.NoError(t, err)
	assert.Equal(t, int64(250), s.PlatformFeeBps)

	_, err = p.GetFeeSchedule("POOL-BETA")
	assert.ErrorIs(t, err, ErrNoSchedule)

	p.WithDefault(Schedule{PlatformFeeBps: 100})
	s, err = p.GetFeeSchedule("POOL-BETA")
	require.NoError(t, err)
	assert.Equal(t, int64(100), s.PlatformFeeBps)

	p.Set("POOL-BETA", Schedule{PlatformFeeBps: 300})
	s, _ = p.GetFeeSchedule("POOL-BETA")
	assert.Equal(t, int64(300), s.PlatformFeeBps)
}
