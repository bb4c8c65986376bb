// Package config provides configuration loading and management for smoothxyt.
// It handles loading fit configuration from YAML files, fills defaults for
// the optional keys and checks that the required keys are present.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"smoothxyt/internal/logging"
	"smoothxyt/internal/models"
	"smoothxyt/pkg/fit"
	"smoothxyt/pkg/lsq"
)

// ErrMissingField is wrapped by every MissingFieldError
var ErrMissingField = errors.New("config: missing required field")

// ErrEditOnlyWithoutSubset is returned when Edit_only is set without N_subset
var ErrEditOnlyWithoutSubset = errors.New("config: Edit_only requires N_subset")

// MissingFieldError names a required key absent from the configuration
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%v %q", ErrMissingField, e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

// Window holds one value per coordinate
type Window struct {
	X *float64 `yaml:"x"`
	Y *float64 `yaml:"y"`
	T *float64 `yaml:"t"`
}

// Spacing holds the node spacing of the z0 and dz grids
type Spacing struct {
	Z0 *float64 `yaml:"z0"`
	Dz *float64 `yaml:"dz"`
	Dt *float64 `yaml:"dt"`
}

// ERMS holds the expected derivative magnitudes. D2zDt2 is optional and
// enables the temporal curvature constraint.
type ERMS struct {
	D2z0Dx2  *float64 `yaml:"d2z0_dx2"`
	D3zDx2Dt *float64 `yaml:"d3z_dx2dt"`
	D2zDxDt  *float64 `yaml:"d2z_dxdt"`
	D2zDt2   *float64 `yaml:"d2z_dt2,omitempty"`
}

// Config represents the fit configuration loaded from YAML. Pointer fields
// are optional; nil means unset.
type Config struct {
	// Domain and grids (required)
	W       Window  `yaml:"W"`
	Ctr     Window  `yaml:"ctr"`
	Spacing Spacing `yaml:"spacing"`
	ERMS    ERMS    `yaml:"E_RMS"`

	ReferenceEpoch *int     `yaml:"reference_epoch,omitempty"`
	WCtr           *float64 `yaml:"W_ctr,omitempty"`

	// Mask parameters
	MaskFile   string          `yaml:"mask_file,omitempty"`
	MaskScale  map[int]float64 `yaml:"mask_scale,omitempty"`
	MaskNoData *float64        `yaml:"mask_nodata,omitempty"`
	SRSWKT     string          `yaml:"srs_WKT,omitempty"`

	// Robust iteration and pre-editing
	MaxIterations    *int `yaml:"max_iterations,omitempty"`
	NSubset          *int `yaml:"N_subset,omitempty"`
	SubsetIterations *int `yaml:"subset_iterations,omitempty"`
	EditOnly         bool `yaml:"Edit_only,omitempty"`
	NumWorkers       *int `yaml:"num_workers,omitempty"`

	// BiasParams enables bias estimation when set, even to an empty list
	BiasParams *[]string `yaml:"bias_params,omitempty"`

	// Repeat filter
	RepeatRes *float64 `yaml:"repeat_res,omitempty"`
	RepeatDt  *float64 `yaml:"repeat_dt,omitempty"`

	// Outputs
	DzDtLags         []int    `yaml:"dzdt_lags,omitempty"`
	ComputeE         bool     `yaml:"compute_E,omitempty"`
	InverseTolerance *float64 `yaml:"inverse_tolerance,omitempty"`

	// Solver is "cholesky" (sparse normal equations) or "qr" (dense, small
	// systems only)
	Solver string `yaml:"solver,omitempty"`

	Verbose bool `yaml:"VERBOSE,omitempty"`

	Logging struct {
		// Level is debug, info, warn or error
		Level string `yaml:"level,omitempty"`

		// Format is text or json
		Format string `yaml:"format,omitempty"`
	} `yaml:"logging,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultConfig returns a configuration with every optional key at its
// default. The required keys are left unset.
func DefaultConfig() *Config {
	cfg := &Config{
		ReferenceEpoch: ptrInt(0),
		WCtr:           ptrFloat64(1e4),
		MaxIterations:  ptrInt(10),
		NumWorkers:     ptrInt(runtime.NumCPU()),
		RepeatDt:       ptrFloat64(1),
		DzDtLags:       []int{1, 4},
		Solver:         "cholesky",
	}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// LoadConfig loads configuration from a YAML file over the defaults
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// Validate checks that every required key is present, that Edit_only comes
// with N_subset and that the solver is known. The first missing key is reported as a *MissingFieldError.
func (c *Config) Validate() error {
	required := []struct {
		name string
		v    *float64
	}{
		{"W.x", c.W.X}, {"W.y", c.W.Y}, {"W.t", c.W.T},
		{"ctr.x", c.Ctr.X}, {"ctr.y", c.Ctr.Y}, {"ctr.t", c.Ctr.T},
		{"spacing.z0", c.Spacing.Z0}, {"spacing.dz", c.Spacing.Dz}, {"spacing.dt", c.Spacing.Dt},
		{"E_RMS.d2z0_dx2", c.ERMS.D2z0Dx2}, {"E_RMS.d3z_dx2dt", c.ERMS.D3zDx2Dt}, {"E_RMS.d2z_dxdt", c.ERMS.D2zDxDt},
	}
	for _, r := range required {
		if r.v == nil {
			return &MissingFieldError{Field: r.name}
		}
	}
	if c.EditOnly && (c.NSubset == nil || *c.NSubset < 1) {
		return ErrEditOnlyWithoutSubset
	}
	switch c.Solver {
	case "", "qr", "cholesky":
	default:
		return fmt.Errorf("%w: %q", lsq.ErrUnknownSolver, c.Solver)
	}
	return nil
}

// LoggerConfig returns the logger settings of the configuration
func (c *Config) LoggerConfig() logging.Config {
	level := c.Logging.Level
	if c.Verbose && level == "" {
		level = "info"
	}
	return logging.Config{Level: level, Format: c.Logging.Format}
}

// FitArgs validates the configuration and converts it to fit arguments
// over the given data
func (c *Config) FitArgs(data *models.Dataset, logger logging.Logger) (fit.Args, error) {
	if err := c.Validate(); err != nil {
		return fit.Args{}, err
	}
	solver, err := lsq.New(c.Solver, logger)
	if err != nil {
		return fit.Args{}, err
	}

	a := fit.DefaultArgs()
	a.Data = data
	a.W = fit.Window{X: *c.W.X, Y: *c.W.Y, T: *c.W.T}
	a.Ctr = fit.Window{X: *c.Ctr.X, Y: *c.Ctr.Y, T: *c.Ctr.T}
	a.Spacing = fit.Spacing{Z0: *c.Spacing.Z0, Dz: *c.Spacing.Dz, Dt: *c.Spacing.Dt}
	a.ERMS = fit.ERMS{
		D2z0Dx2:  *c.ERMS.D2z0Dx2,
		D3zDx2Dt: *c.ERMS.D3zDx2Dt,
		D2zDxDt:  *c.ERMS.D2zDxDt,
		D2zDt2:   c.ERMS.D2zDt2,
	}
	if c.ReferenceEpoch != nil {
		a.ReferenceEpoch = *c.ReferenceEpoch
	}
	if c.WCtr != nil {
		a.WCtr = *c.WCtr
	}
	a.MaskFile = c.MaskFile
	a.MaskNoData = c.MaskNoData
	a.MaskScale = c.MaskScale
	a.SRSWKT = c.SRSWKT
	a.ComputeE = c.ComputeE
	if c.MaxIterations != nil {
		a.MaxIterations = *c.MaxIterations
	}
	if c.NSubset != nil {
		a.NSubset = *c.NSubset
	}
	a.SubsetIterations = c.SubsetIterations
	a.EditOnly = c.EditOnly
	if c.BiasParams != nil {
		a.BiasParams = append([]string{}, (*c.BiasParams)...)
	}
	a.RepeatRes = c.RepeatRes
	if c.RepeatDt != nil {
		a.RepeatDt = *c.RepeatDt
	}
	if c.DzDtLags != nil {
		a.DzDtLags = append([]int(nil), c.DzDtLags...)
	}
	a.Verbose = c.Verbose
	a.InverseTolerance = c.InverseTolerance
	if c.NumWorkers != nil {
		a.NumWorkers = *c.NumWorkers
	}
	a.Solver = solver
	a.Logger = logger
	return a, nil
}
