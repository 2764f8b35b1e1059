package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmtavares/flowcal/internal/dec"
	"github.com/dmtavares/flowcal/internal/formula"
	"github.com/dmtavares/flowcal/internal/metrics"
)

func TestLoadSession(t *testing.T) {
	session, errs := LoadSession("testdata/session")
	require.Empty(t, errs)
	require.NotNil(t, session)

	assert.Equal(t, "bench verification session", session.Description)
	assert.Equal(t, formula.ModePulsed, session.Constants.Mode)
	assert.Equal(t, 0, session.Constants.PulseVolume.Cmp(dec.MustParse("0.02")))

	require.Len(t, session.Points, 1)
	p := session.Points[0]
	assert.Equal(t, 1, p.Number)
	assert.Equal(t, "Q3", p.Label)
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, 0, p.Master().Pulses.Cmp(dec.MustParse("1000")))

	// Explicit settings override, the rest are defaults.
	assert.Equal(t, 2, session.Settings.Workers)
	assert.Equal(t, "239.6", session.Settings.TimeMin)
	assert.Equal(t, 3, session.Settings.Stages)
	assert.Equal(t, uint32(dec.DefaultPrecision), session.Settings.Precision)
	assert.Equal(t, metrics.PolicyUnconditional, session.Policy())
}

func TestLoadSession_SearchOptions(t *testing.T) {
	session, errs := LoadSession("testdata/session")
	require.Empty(t, errs)
	assert.Len(t, session.SearchOptions(), 6)
}

func TestLoadSession_BadConstants(t *testing.T) {
	_, errs := LoadSession("testdata/badsession")
	require.NotEmpty(t, errs)

	codes := map[string]bool{}
	for _, err := range errs {
		le, ok := err.(*LoadError)
		require.True(t, ok, "loader must return LoadError, got %T", err)
		codes[le.Code] = true
	}
	assert.True(t, codes[ErrCodeConstants], "missing and malformed constants must report %s", ErrCodeConstants)
}

func TestLoadSession_MissingDir(t *testing.T) {
	_, errs := LoadSession("testdata/does-not-exist")
	require.Len(t, errs, 1)
	le, ok := errs[0].(*LoadError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeNotFound, le.Code)
}

func TestLoadSession_NoCUEFiles(t *testing.T) {
	_, errs := LoadSession(t.TempDir())
	require.Len(t, errs, 1)
	le, ok := errs[0].(*LoadError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeNoFiles, le.Code)
}
