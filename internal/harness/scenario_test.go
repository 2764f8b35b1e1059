package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/formula-chain.yaml")
	require.NoError(t, err)

	assert.Equal(t, "formula-chain", sc.Name)
	assert.Equal(t, "0.02", sc.Constants["pulse_volume"])
	require.Len(t, sc.Points, 1)
	assert.Len(t, sc.Points[0].Readings, 2)
	assert.Nil(t, sc.Search)
	require.NotNil(t, sc.Expect)
	assert.Equal(t, "300.743977500000", sc.Expect.Aggregates["Q3"].MeanReferenceFlow)
}

func TestLoadScenario_WithSearch(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/harmonize-band.yaml")
	require.NoError(t, err)

	require.NotNil(t, sc.Search)
	assert.Equal(t, "239.6", sc.Search.TimeMin)
	require.NotNil(t, sc.Expect.Converged)
	assert.True(t, *sc.Expect.Converged)
}

func TestLoadScenario_UnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	data := `name: bad
points:
  - label: Q1
    readings: []
frobnicate: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err, "unknown fields must fail strict decoding")
}

func TestLoadScenario_Validation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noname.yaml")
	require.NoError(t, os.WriteFile(path, []byte("description: x\npoints: [{label: Q1, readings: []}]\n"), 0o644))
	_, err := LoadScenario(path)
	assert.Error(t, err, "a scenario without a name must fail")

	path = filepath.Join(t.TempDir(), "nopoints.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: x\n"), 0o644))
	_, err = LoadScenario(path)
	assert.Error(t, err, "a scenario without points must fail")

	_, err = LoadScenario("testdata/scenarios/missing.yaml")
	assert.Error(t, err)
}
