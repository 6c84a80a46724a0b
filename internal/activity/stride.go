package activity

import (
	"fmt"
	"strings"
)

// Gender selects the base stride ratio
type Gender string

const (
	Male        Gender = "male"
	Female      Gender = "female"
	Unspecified Gender = "unspecified"
)

// ParseGender accepts male, female or unspecified (empty means unspecified)
func ParseGender(s string) (Gender, error) {
	switch g := Gender(strings.ToLower(strings.TrimSpace(s))); g {
	case Male, Female, Unspecified:
		return g, nil
	case "":
		return Unspecified, nil
	default:
		return Unspecified, fmt.Errorf("unknown gender %q", s)
	}
}

// Profile holds the wearer's anthropometrics
type Profile struct {
	HeightCm float64
	WeightKg float64
	Age      int
	Gender   Gender
}

// BMI is weight / height², 0 when height is unknown
func (p Profile) BMI() float64 {
	m := p.HeightCm / 100
	if m <= 0 {
		return 0
	}
	return p.WeightKg / (m * m)
}

// BaseStride is the walking stride in meters for the height and gender
func BaseStride(heightCm float64, g Gender) float64 {
	ratio := 0.414
	switch g {
	case Male:
		ratio = 0.415
	case Female:
		ratio = 0.413
	}
	return heightCm * ratio / 100
}

// WeightCorrection scales the stride by BMI band
func WeightCorrection(bmi float64) float64 {
	switch {
	case bmi <= 0:
		return 1.00
	case bmi < 18.5:
		return 0.98
	case bmi < 25:
		return 1.00
	case bmi < 30:
		return 0.97
	default:
		return 0.94
	}
}

// AgeCorrection scales the stride by age band
func AgeCorrection(age int) float64 {
	switch {
	case age < 40:
		return 1.00
	case age < 50:
		return 0.98
	case age < 60:
		return 0.96
	case age < 70:
		return 0.93
	default:
		return 0.90
	}
}

// ActivityCorrection scales the stride by activity; stationary yields 0
func ActivityCorrection(t Type) float64 {
	switch t {
	case WalkingSlow:
		return 0.85
	case WalkingNormal:
		return 1.00
	case WalkingFast:
		return 1.10
	case Jogging:
		return 1.25
	case Running:
		return 1.40
	case Sprinting:
		return 1.60
	default:
		return 0
	}
}

// StrideLength estimates the stride in meters for the profile performing activity t
func StrideLength(p Profile, t Type) float64 {
	return BaseStride(p.HeightCm, p.Gender) * WeightCorrection(p.BMI()) * AgeCorrection(p.Age) * ActivityCorrection(t)
}
