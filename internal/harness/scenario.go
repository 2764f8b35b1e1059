package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario: a set of calibration
// constants, the points to evaluate, and optional search settings and
// expectations.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are stored under
	// testdata/golden/{name}.golden.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Constants holds the calibration constants keyed by their certificate
	// names (pulse_volume, time_slope, ...). Values are decimal strings.
	Constants map[string]string `yaml:"constants"`

	// Decimal optionally overrides precision and scale.
	Decimal *DecimalSettings `yaml:"decimal,omitempty"`

	// Search, when present, harmonizes every point after evaluation.
	// Absent, the scenario only evaluates the formula chain.
	Search *SearchSettings `yaml:"search,omitempty"`

	// Points lists the calibration points with their raw readings.
	Points []ScenarioPoint `yaml:"points"`

	// Expect holds optional assertions checked by CheckExpectations.
	Expect *Expectations `yaml:"expect,omitempty"`
}

// DecimalSettings overrides the decimal context of a scenario.
type DecimalSettings struct {
	Precision uint32 `yaml:"precision"`
	Scale     int32  `yaml:"scale"`
}

// SearchSettings configures harmonization for a scenario.
type SearchSettings struct {
	TimeMin       string `yaml:"time_min"`
	TimeMax       string `yaml:"time_max"`
	Tolerance     string `yaml:"tolerance"`
	Stages        int    `yaml:"stages,omitempty"`
	MaxCandidates int    `yaml:"max_candidates,omitempty"`
	Policy        string `yaml:"policy,omitempty"`
}

// ScenarioPoint is one calibration point in a scenario.
type ScenarioPoint struct {
	Label    string            `yaml:"label"`
	Readings []ScenarioReading `yaml:"readings"`
}

// ScenarioReading is one raw reading. All values are decimal strings.
type ScenarioReading struct {
	Pulses      string `yaml:"pulses"`
	Time        string `yaml:"time"`
	Meter       string `yaml:"meter"`
	Temperature string `yaml:"temperature"`
}

// Expectations are checked against a scenario's report.
type Expectations struct {
	// Converged requires every harmonized point to have (or not have)
	// converged. Only meaningful with a search section.
	Converged *bool `yaml:"converged,omitempty"`

	// Aggregates pins the evaluated aggregates per point label.
	Aggregates map[string]ExpectedTriple `yaml:"aggregates,omitempty"`
}

// ExpectedTriple pins the aggregate strings of one point.
type ExpectedTriple struct {
	MeanReferenceFlow string `yaml:"mean_reference_flow,omitempty"`
	Trend             string `yaml:"trend,omitempty"`
	SampleStdDev      string `yaml:"sample_std_dev,omitempty"`
}

// LoadScenario reads a scenario from a YAML file. Unknown fields are
// rejected so typos fail loudly instead of silently passing.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}

	if s.Name == "" {
		return nil, fmt.Errorf("scenario %s: name is required", path)
	}
	if len(s.Points) == 0 {
		return nil, fmt.Errorf("scenario %s: at least one point is required", path)
	}
	return &s, nil
}
