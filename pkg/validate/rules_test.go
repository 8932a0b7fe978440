package validate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitals/pkg/telemetry"
)

func TestClassify_InvalidUnderBothRules(t *testing.T) {
	tests := []struct {
		name string
		s    telemetry.Sample
		want error
	}{
		{"zero heart rate", telemetry.Sample{HeartRate: 0, BloodOxygen: 98}, ErrHeartRateNotPositive},
		{"negative heart rate", telemetry.Sample{HeartRate: -4, BloodOxygen: 98}, ErrHeartRateNotPositive},
		{"NaN heart rate", telemetry.Sample{HeartRate: math.NaN(), BloodOxygen: 98}, ErrHeartRateNotPositive},
		{"zero oxygen", telemetry.Sample{HeartRate: 70, BloodOxygen: 0}, ErrOxygenOutOfRange},
		{"negative oxygen", telemetry.Sample{HeartRate: 70, BloodOxygen: -1}, ErrOxygenOutOfRange},
		{"oxygen above 100", telemetry.Sample{HeartRate: 70, BloodOxygen: 100.5}, ErrOxygenOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, pos := range []int{0, 4, 5, 40} {
				assert.Equal(t, Rejected, Classify(tt.s, pos), "position %d", pos)
				assert.ErrorIs(t, Check(tt.s, pos), tt.want)
			}
		})
	}
}

func TestClassify_HeartRateCeilingOnlyWhileEarly(t *testing.T) {
	s := telemetry.Sample{HeartRate: 101, BloodOxygen: 97}

	for pos := 0; pos < EarlyPositions; pos++ {
		require.Equal(t, Rejected, Classify(s, pos), "position %d", pos)
		require.ErrorIs(t, Check(s, pos), ErrHeartRateTooHigh)
	}

	// sixth stored sample (0-indexed position 5) uses the later rule
	require.Equal(t, Accepted, Classify(s, EarlyPositions))
	require.Equal(t, Accepted, Classify(s, 100))
}

func TestClassify_Boundaries(t *testing.T) {
	require.Equal(t, Accepted, Classify(telemetry.Sample{HeartRate: 100, BloodOxygen: 100}, 0))
	require.Equal(t, Accepted, Classify(telemetry.Sample{HeartRate: 0.1, BloodOxygen: 0.1}, 0))
	require.Equal(t, Accepted, Classify(telemetry.Sample{HeartRate: 220, BloodOxygen: 100}, 5))
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "rejected", Rejected.String())
}
