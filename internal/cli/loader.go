package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	"github.com/cockroachdb/apd/v3"

	"github.com/dmtavares/flowcal/internal/dec"
	"github.com/dmtavares/flowcal/internal/formula"
	"github.com/dmtavares/flowcal/internal/metrics"
	"github.com/dmtavares/flowcal/internal/point"
	"github.com/dmtavares/flowcal/internal/search"
)

// Error codes reported by the session loader.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed

	ErrCodeConstants = "E101" // Invalid calibration constant
	ErrCodeReading   = "E102" // Invalid point or reading
	ErrCodeSettings  = "E103" // Invalid decimal or search settings
)

// LoadError represents an error that occurred during session loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SessionSettings keeps the loaded settings in their string form so a run can
// be persisted exactly as configured.
type SessionSettings struct {
	Precision     uint32
	Scale         int32
	TimeMin       string
	TimeMax       string
	Tolerance     string
	Stages        int
	MaxCandidates int
	Workers       int
	Policy        string
}

// Session is a fully loaded calibration session: constants, decimal context,
// points, and search configuration.
type Session struct {
	Description string
	Dec         *dec.Context
	Constants   formula.Constants
	Points      []*point.Point
	Settings    SessionSettings
}

// SearchOptions converts the session settings into search options.
func (s *Session) SearchOptions() []search.Option {
	return []search.Option{
		search.WithTimeBand(dec.MustParse(s.Settings.TimeMin), dec.MustParse(s.Settings.TimeMax)),
		search.WithTolerance(dec.MustParse(s.Settings.Tolerance)),
		search.WithStages(s.Settings.Stages),
		search.WithMaxCandidates(s.Settings.MaxCandidates),
		search.WithWorkers(s.Settings.Workers),
		search.WithAveragingPolicy(metrics.AveragingPolicy(s.Settings.Policy)),
	}
}

// Policy returns the session's averaging policy.
func (s *Session) Policy() metrics.AveragingPolicy {
	return metrics.AveragingPolicy(s.Settings.Policy)
}

// rawSession mirrors the CUE session structure. Decimal values travel as
// strings so nothing is rounded through a float.
type rawSession struct {
	Description string `json:"description"`

	Constants map[string]string `json:"constants"`

	Decimal struct {
		Precision *uint32 `json:"precision"`
		Scale     *int32  `json:"scale"`
	} `json:"decimal"`

	Search struct {
		TimeMin       string `json:"time_min"`
		TimeMax       string `json:"time_max"`
		Tolerance     string `json:"tolerance"`
		Stages        *int   `json:"stages"`
		MaxCandidates *int   `json:"max_candidates"`
		Workers       *int   `json:"workers"`
		Policy        string `json:"policy"`
	} `json:"search"`

	Points []struct {
		Label    string `json:"label"`
		Readings []struct {
			Pulses      string `json:"pulses"`
			Time        string `json:"time"`
			Meter       string `json:"meter"`
			Temperature string `json:"temperature"`
		} `json:"readings"`
	} `json:"points"`
}

// LoadSession loads a calibration session from a directory of CUE files.
// The session lives under the top-level "session" field.
func LoadSession(dir string) (*Session, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("session directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing session directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	cfg := &load.Config{Dir: dir}
	instances := load.Instances([]string{"."}, cfg)
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	sessionVal := value.LookupPath(cue.ParsePath("session"))
	if !sessionVal.Exists() {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: "no \"session\" field found in CUE files"}}
	}

	var raw rawSession
	if err := sessionVal.Decode(&raw); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("decoding session: %v", err), Pos: sessionVal.Pos()}}
	}

	return buildSession(&raw)
}

// FindCUEFiles returns the .cue files directly under dir, sorted by name.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".cue") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// buildSession converts the raw decoded session into domain objects.
func buildSession(raw *rawSession) (*Session, []error) {
	var errs []error

	settings, settingErrs := buildSettings(raw)
	errs = append(errs, settingErrs...)

	constants, constErrs := buildConstants(raw.Constants)
	errs = append(errs, constErrs...)

	points, pointErrs := buildPoints(raw)
	errs = append(errs, pointErrs...)

	if len(errs) > 0 {
		return nil, errs
	}

	dctx, err := dec.New(settings.Precision, settings.Scale)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeSettings, Message: err.Error()}}
	}

	return &Session{
		Description: raw.Description,
		Dec:         dctx,
		Constants:   constants,
		Points:      points,
		Settings:    settings,
	}, nil
}

func buildSettings(raw *rawSession) (SessionSettings, []error) {
	var errs []error

	s := SessionSettings{
		Precision:     dec.DefaultPrecision,
		Scale:         dec.DefaultScale,
		TimeMin:       "239.6",
		TimeMax:       "240.4",
		Tolerance:     "0.000001",
		Stages:        3,
		MaxCandidates: 250000,
		Workers:       4,
		Policy:        string(metrics.PolicyUnconditional),
	}

	if raw.Decimal.Precision != nil {
		s.Precision = *raw.Decimal.Precision
	}
	if raw.Decimal.Scale != nil {
		s.Scale = *raw.Decimal.Scale
	}
	if raw.Search.TimeMin != "" {
		s.TimeMin = raw.Search.TimeMin
	}
	if raw.Search.TimeMax != "" {
		s.TimeMax = raw.Search.TimeMax
	}
	if raw.Search.Tolerance != "" {
		s.Tolerance = raw.Search.Tolerance
	}
	if raw.Search.Stages != nil {
		s.Stages = *raw.Search.Stages
	}
	if raw.Search.MaxCandidates != nil {
		s.MaxCandidates = *raw.Search.MaxCandidates
	}
	if raw.Search.Workers != nil {
		s.Workers = *raw.Search.Workers
	}
	if raw.Search.Policy != "" {
		s.Policy = raw.Search.Policy
	}

	for name, v := range map[string]string{
		"time_min":  s.TimeMin,
		"time_max":  s.TimeMax,
		"tolerance": s.Tolerance,
	} {
		if _, err := dec.Parse(v); err != nil {
			errs = append(errs, &LoadError{Code: ErrCodeSettings, Message: fmt.Sprintf("search.%s: %v", name, err)})
		}
	}
	if !metrics.AveragingPolicy(s.Policy).Valid() {
		errs = append(errs, &LoadError{Code: ErrCodeSettings, Message: fmt.Sprintf("search.policy: unknown policy %q", s.Policy)})
	}

	return s, errs
}

func buildConstants(raw map[string]string) (formula.Constants, []error) {
	var errs []error
	parse := func(key string) *apd.Decimal {
		v, ok := raw[key]
		if !ok {
			errs = append(errs, &LoadError{Code: ErrCodeConstants, Message: fmt.Sprintf("constants.%s is missing", key)})
			return nil
		}
		d, err := dec.Parse(v)
		if err != nil {
			errs = append(errs, &LoadError{Code: ErrCodeConstants, Message: fmt.Sprintf("constants.%s: %v", key, err)})
			return nil
		}
		return d
	}

	c := formula.Constants{
		PulseVolume:      parse("pulse_volume"),
		MeterPulseVolume: parse("meter_pulse_volume"),
		TimeSlope:        parse("time_slope"),
		TimeOffset:       parse("time_offset"),
		TempSlope:        parse("temp_slope"),
		TempOffset:       parse("temp_offset"),
		FlowTempConstant: parse("flow_temp_constant"),
		FlowSlope:        parse("flow_slope"),
		Mode:             formula.MeasurementMode(raw["mode"]),
	}
	if c.Mode == "" {
		c.Mode = formula.ModePulsed
	}

	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, &LoadError{Code: ErrCodeConstants, Message: err.Error()})
		}
	}
	return c, errs
}

func buildPoints(raw *rawSession) ([]*point.Point, []error) {
	var errs []error

	if len(raw.Points) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeReading, Message: "session has no points"}}
	}

	points := make([]*point.Point, 0, len(raw.Points))
	for i, rp := range raw.Points {
		readings := make([]point.Reading, 0, len(rp.Readings))
		bad := false
		for j, rr := range rp.Readings {
			r := point.Reading{}
			var err error
			if r.Pulses, err = dec.Parse(rr.Pulses); err != nil {
				errs = append(errs, readingErr(i, j, "pulses", err))
				bad = true
			}
			if r.CollectionTime, err = dec.Parse(rr.Time); err != nil {
				errs = append(errs, readingErr(i, j, "time", err))
				bad = true
			}
			if r.MeterReading, err = dec.Parse(rr.Meter); err != nil {
				errs = append(errs, readingErr(i, j, "meter", err))
				bad = true
			}
			if r.Temperature, err = dec.Parse(rr.Temperature); err != nil {
				errs = append(errs, readingErr(i, j, "temperature", err))
				bad = true
			}
			readings = append(readings, r)
		}
		if bad {
			continue
		}

		p, err := point.New(i+1, rp.Label, readings)
		if err != nil {
			errs = append(errs, &LoadError{Code: ErrCodeReading, Message: err.Error()})
			continue
		}
		points = append(points, p)
	}
	return points, errs
}

func readingErr(pointIdx, readingIdx int, field string, err error) error {
	return &LoadError{
		Code:    ErrCodeReading,
		Message: fmt.Sprintf("points[%d].readings[%d].%s: %v", pointIdx, readingIdx, field, err),
	}
}
