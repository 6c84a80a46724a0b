package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/srg/bandsync/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ClassifyTestSuite struct {
	CommandTestSuite
}

var walkingSample = []string{
	"classify",
	"--cadence", "120", "--speed", "5", "--steps", "118", "--interval", "1m",
	"--height", "170", "--weight", "70", "--age", "30",
}

func (s *ClassifyTestSuite) TestClassifyTable() {
	// GOAL: Verify classify renders the engine's result for one sample as a key/value table
	//
	// TEST SCENARIO: 120 spm at 5 km/h for a 170 cm adult → walking normal, 119 corrected steps

	out, err := s.ExecuteCommand(walkingSample...)
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `ACTIVITY         WALKING_NORMAL
STRIDE           0.704 m
STEPS            118
CORRECTED STEPS  119
CONFIDENCE       99%
`)
}

func (s *ClassifyTestSuite) TestClassifyJSON() {
	out, err := s.ExecuteCommand(append(walkingSample, "-f", "json")...)
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"activity": "WALKING_NORMAL",
		"incremental_uncorrected": 118,
		"incremental_corrected": 119,
		"total_uncorrected": 118,
		"total_corrected": 119,
		"cadence": 120,
		"speed_kmh": 5
	}`)
}

func (s *ClassifyTestSuite) TestClassifyUsesConfigFile() {
	// GOAL: Verify the profile and output format come from --config when flags are absent
	//
	// TEST SCENARIO: config sets json output → classify prints JSON without -f

	path := filepath.Join(s.T().TempDir(), "bandctl.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(`
output_format: json
log_level: error
profile:
  height_cm: 170
  weight_kg: 70
  age: 30
`), 0o600))

	out, err := s.ExecuteCommand("classify", "--config", path, "--cadence", "120", "--speed", "5", "--steps", "118")
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(out, `{"activity":"WALKING_NORMAL","incremental_corrected":119}`)
}

func (s *ClassifyTestSuite) TestClassifyRejectsBadInput() {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"negative steps", []string{"classify", "--steps=-3"}, "must not be negative"},
		{"unknown gender", []string{"classify", "--gender", "robot"}, "robot"},
		{"unknown format", []string{"classify", "-f", "csv"}, "invalid format 'csv'"},
		{"missing config", []string{"classify", "--config", "/nonexistent/bandctl.yaml"}, "load config"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.ExecuteCommand(tt.args...)
			s.Require().Error(err)
			s.Contains(err.Error(), tt.want)
		})
	}
}

func TestClassifyTestSuite(t *testing.T) {
	suite.Run(t, new(ClassifyTestSuite))
}
