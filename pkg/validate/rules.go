package validate

import (
	"errors"
	"fmt"
	"math"

	"github.com/nicktill/vitals/pkg/telemetry"
)

// Reading limits
const (
	// EarlyPositions is how many stored samples per bucket use the early rule.
	// The sensor's first readings after activation are noisy.
	EarlyPositions = 5

	MaxEarlyHeartRate = 100 // Heart rate ceiling while the sensor settles
	MaxBloodOxygen    = 100 // SpO2 is a percentage
)

var (
	// ErrHeartRateNotPositive is returned for zero, negative or non-finite heart rates
	ErrHeartRateNotPositive = errors.New("heart rate must be positive")

	// ErrHeartRateTooHigh is returned when an early-position heart rate exceeds the ceiling
	ErrHeartRateTooHigh = fmt.Errorf("heart rate above %d during sensor warm-up", MaxEarlyHeartRate)

	// ErrOxygenOutOfRange is returned when blood oxygen is not in (0, 100]
	ErrOxygenOutOfRange = fmt.Errorf("blood oxygen must be in (0, %d]", MaxBloodOxygen)
)

// Verdict is the outcome of classifying a sample.
type Verdict int

const (
	Rejected Verdict = iota
	Accepted
)

func (v Verdict) String() string {
	if v == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Rule checks one sample. Rules are pure.
type Rule func(s telemetry.Sample) error

// Early accepts 0 < heartRate <= 100 and 0 < bloodOxygen <= 100.
func Early(s telemetry.Sample) error {
	if err := Later(s); err != nil {
		return err
	}
	if s.HeartRate > MaxEarlyHeartRate {
		return fmt.Errorf("%w: got %g", ErrHeartRateTooHigh, s.HeartRate)
	}
	return nil
}

// Later accepts heartRate > 0 and 0 < bloodOxygen <= 100. Sustained high
// heart rates are plausible, so there is no ceiling.
func Later(s telemetry.Sample) error {
	if !(s.HeartRate > 0) || math.IsInf(s.HeartRate, 0) {
		return fmt.Errorf("%w: got %g", ErrHeartRateNotPositive, s.HeartRate)
	}
	if !(s.BloodOxygen > 0) || s.BloodOxygen > MaxBloodOxygen {
		return fmt.Errorf("%w: got %g", ErrOxygenOutOfRange, s.BloodOxygen)
	}
	return nil
}

// RuleFor selects the rule for a 0-indexed position within a bucket, where
// position is the number of samples already stored in that bucket.
func RuleFor(position int) Rule {
	if position < EarlyPositions {
		return Early
	}
	return Later
}

// Check validates a sample at the given position and returns the reason it was rejected.
func Check(s telemetry.Sample, position int) error {
	return RuleFor(position)(s)
}

// Classify reports whether a sample at the given position is acceptable.
func Classify(s telemetry.Sample, position int) Verdict {
	if Check(s, position) != nil {
		return Rejected
	}
	return Accepted
}
