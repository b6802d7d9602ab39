package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimitForAppFallsBackToDefault(t *testing.T) {
	limits := EffectiveLimits{
		DailyLimits: map[string]int{"youtube": 60},
	}

	assert.Equal(t, 60, limits.LimitForApp("youtube"))
	assert.Equal(t, DefaultDailyMinutes, limits.LimitForApp("instagram"))
}

func TestFallbackCombinedMinutesIsDeterministic(t *testing.T) {
	limits := map[string]int{
		"youtube":   90,
		"instagram": 45,
		"twitter":   30,
	}

	// The lexicographically first app wins regardless of map iteration
	// order.
	for i := 0; i < 10; i++ {
		assert.Equal(t, 45, FallbackCombinedMinutes(limits))
	}

	assert.Equal(t, DefaultDailyMinutes, FallbackCombinedMinutes(nil))
	assert.Equal(t, DefaultDailyMinutes, FallbackCombinedMinutes(map[string]int{}))
}
