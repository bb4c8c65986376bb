package config

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smoothxyt/internal/logging"
	"smoothxyt/internal/models"
	"smoothxyt/pkg/lsq"
)

const minimalYAML = `
W: {x: 400, y: 400, t: 2}
ctr: {x: 200, y: 200, t: 1}
spacing: {z0: 100, dz: 100, dt: 1}
E_RMS: {d2z0_dx2: 0.1, d3z_dx2dt: 0.01, d2z_dxdt: 0.02}
`

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 0, *cfg.ReferenceEpoch)
	assert.Equal(t, 1e4, *cfg.WCtr)
	assert.Equal(t, 10, *cfg.MaxIterations)
	assert.Equal(t, 1.0, *cfg.RepeatDt)
	assert.Equal(t, []int{1, 4}, cfg.DzDtLags)
	assert.Equal(t, "cholesky", cfg.Solver)
	assert.Nil(t, cfg.BiasParams)
	assert.Nil(t, cfg.W.X)
}

func TestValidateReportsFirstMissingField(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"empty", ``, "W.x"},
		{"no ctr", `W: {x: 1, y: 1, t: 0}`, "ctr.x"},
		{"no spacing.dt", `
W: {x: 1, y: 1, t: 0}
ctr: {x: 1, y: 1, t: 0}
spacing: {z0: 1, dz: 1}`, "spacing.dt"},
		{"no E_RMS", `
W: {x: 1, y: 1, t: 0}
ctr: {x: 1, y: 1, t: 0}
spacing: {z0: 1, dz: 1, dt: 1}`, "E_RMS.d2z0_dx2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			err = cfg.Validate()
			require.ErrorIs(t, err, ErrMissingField)
			var mf *MissingFieldError
			require.True(t, errors.As(err, &mf))
			assert.Equal(t, tt.field, mf.Field)
		})
	}
}

func TestValidateUnknownSolver(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "solver: svd\n"))
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), lsq.ErrUnknownSolver)
}

func TestValidateEditOnlyNeedsSubset(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "Edit_only: true\n"))
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), ErrEditOnlyWithoutSubset)

	_, err = cfg.FitArgs(nil, nil)
	assert.ErrorIs(t, err, ErrEditOnlyWithoutSubset)

	cfg, err = Parse([]byte(minimalYAML + "Edit_only: true\nN_subset: 4\n"))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestParseOptionalKeys(t *testing.T) {
	cfg, err := Parse([]byte(`
W: {x: 400, y: 400, t: 2}
ctr: {x: 200, y: 200, t: 1}
spacing: {z0: 100, dz: 100, dt: 1}
E_RMS: {d2z0_dx2: 0.1, d3z_dx2dt: 0.01, d2z_dxdt: 0.02, d2z_dt2: 5}
reference_epoch: 1
mask_scale: {0: 0.01, 1: 1}
bias_params: []
dzdt_lags: [1, 2]
max_iterations: 0
N_subset: 4
subset_iterations: 3
repeat_res: 250
compute_E: true
inverse_tolerance: 1.0e-4
solver: qr
VERBOSE: true
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	a, err := cfg.FitArgs(nil, logging.Noop())
	require.NoError(t, err)
	assert.Equal(t, 1, a.ReferenceEpoch)
	require.NotNil(t, a.ERMS.D2zDt2)
	assert.Equal(t, 5.0, *a.ERMS.D2zDt2)
	if diff := cmp.Diff(map[int]float64{0: 0.01, 1: 1}, a.MaskScale); diff != "" {
		t.Errorf("mask_scale mismatch (-want +got):\n%s", diff)
	}
	assert.NotNil(t, a.BiasParams, "an empty bias_params list still enables bias estimation")
	assert.Empty(t, a.BiasParams)
	assert.Equal(t, []int{1, 2}, a.DzDtLags)
	assert.Equal(t, 0, a.MaxIterations)
	assert.Equal(t, 4, a.NSubset)
	assert.Equal(t, 3, *a.SubsetIterations)
	assert.Equal(t, 250.0, *a.RepeatRes)
	assert.Equal(t, 1.0, a.RepeatDt)
	assert.True(t, a.ComputeE)
	assert.Equal(t, 1e-4, *a.InverseTolerance)
	assert.IsType(t, &lsq.QRSolver{}, a.Solver)
	assert.True(t, a.Verbose)
	assert.Equal(t, 1e4, a.WCtr)
}

func TestFitArgsWithoutBias(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	d, err := models.NewDataset(nil, nil, nil, nil, nil)
	require.NoError(t, err)

	a, err := cfg.FitArgs(d, nil)
	require.NoError(t, err)
	assert.Nil(t, a.BiasParams)
	assert.Nil(t, a.ERMS.D2zDt2)
	assert.Same(t, d, a.Data)
	assert.Equal(t, 400.0, a.W.X)
	assert.Equal(t, 1.0, a.Ctr.T)
	assert.Equal(t, 0.02, a.ERMS.D2zDxDt)
	assert.IsType(t, &lsq.NormalSolver{}, a.Solver)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "bias_params: [track]\n"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "fit.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoggerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "debug"
	assert.Equal(t, logging.Config{Level: "debug", Format: "json"}, cfg.LoggerConfig())
}
