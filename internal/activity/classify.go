// Package activity classifies motion samples streamed by the band and turns them into
// stride-corrected step counts.
package activity

import (
	"fmt"
	"strings"
)

// Type is the classified activity
type Type int

const (
	Stationary Type = iota
	WalkingSlow
	WalkingNormal
	WalkingFast
	Jogging
	Running
	Sprinting
)

var typeNames = [...]string{"STATIONARY", "WALKING_SLOW", "WALKING_NORMAL", "WALKING_FAST", "JOGGING", "RUNNING", "SPRINTING"}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseType is the inverse of String, case-insensitive
func ParseType(s string) (Type, error) {
	for i, n := range typeNames {
		if strings.EqualFold(n, s) {
			return Type(i), nil
		}
	}
	return Stationary, fmt.Errorf("unknown activity type %q", s)
}

// IsRunning reports whether t belongs to the running category
func (t Type) IsRunning() bool {
	return t >= Jogging
}

// Classify maps cadence (steps/min), speed (km/h) and the band's running flag to an activity.
// Either signal alone can escalate the classification.
func Classify(cadence, speedKmh float64, running bool) Type {
	if cadence < 10 || speedKmh < 0.5 {
		return Stationary
	}

	if running || cadence > 150 || speedKmh > 8 {
		switch {
		case speedKmh > 15 || cadence > 200:
			return Sprinting
		case speedKmh > 10 || cadence > 170:
			return Running
		default:
			return Jogging
		}
	}

	switch {
	case speedKmh > 6 || cadence > 140:
		return WalkingFast
	case speedKmh > 3 || cadence > 100:
		return WalkingNormal
	default:
		return WalkingSlow
	}
}
