package fit

import (
	"errors"
	"fmt"

	"smoothxyt/internal/logging"
	"smoothxyt/internal/models"
	"smoothxyt/pkg/lsq"
)

var (
	// ErrNoData is returned when a fit is started without a dataset
	ErrNoData = errors.New("fit: no data")

	// ErrBadArgs is returned for window, spacing or lag values that cannot
	// define a grid
	ErrBadArgs = errors.New("fit: invalid arguments")
)

// Window holds one value per coordinate: half-widths, centres or widths
type Window struct {
	X, Y, T float64
}

// Spacing holds the node spacing of the grids
type Spacing struct {
	// Z0 is the spacing of the static surface grid
	Z0 float64

	// Dz is the horizontal spacing of the anomaly grid
	Dz float64

	// Dt is the time step of the anomaly grid
	Dt float64
}

// ERMS holds the expected root-mean-square magnitude of each regularized
// derivative
type ERMS struct {
	D2z0Dx2  float64
	D3zDx2Dt float64
	D2zDxDt  float64

	// D2zDt2 enables the temporal curvature constraint when set
	D2zDt2 *float64
}

// Args is the complete description of one fit
type Args struct {
	Data *models.Dataset

	// W is the full width of the fit domain in x, y and t
	W Window

	// Ctr is the centre of the fit domain
	Ctr Window

	Spacing Spacing
	ERMS    ERMS

	// ReferenceEpoch is the time index at which dz is held at zero
	ReferenceEpoch int

	// WCtr is the width of the central window averaged into dz_bar
	WCtr float64

	// MaskFile is a georeferenced raster of node categories
	MaskFile   string
	MaskNoData *float64

	// MaskScale maps mask categories to regularization weights
	MaskScale map[int]float64

	// SRSWKT is the spatial reference of the grids
	SRSWKT string

	ComputeE      bool
	MaxIterations int

	// NSubset enables tiled pre-editing with tiles of width 2W/NSubset
	NSubset          int
	SubsetIterations *int
	EditOnly         bool

	// BiasParams enables per-category bias estimation when not nil. An
	// empty list fits a single shared bias.
	BiasParams []string

	// RepeatRes enables the repeat filter at this spatial resolution
	RepeatRes *float64
	RepeatDt  float64

	DzDtLags []int

	Verbose bool

	// InverseTolerance overrides the drop tolerance of the error propagation
	InverseTolerance *float64

	// NumWorkers bounds the number of tiles fitted at once
	NumWorkers int

	// Solver defaults to lsq.NormalSolver
	Solver lsq.Solver
	Logger logging.Logger
}

// DefaultArgs returns arguments with every optional value at its default
func DefaultArgs() Args {
	return Args{
		WCtr:          1e4,
		MaxIterations: 10,
		RepeatDt:      1,
		DzDtLags:      []int{1, 4},
		NumWorkers:    1,
	}
}

func (a *Args) validate() error {
	if a.Data == nil {
		return ErrNoData
	}
	for name, v := range map[string]float64{"W.x": a.W.X, "W.y": a.W.Y, "spacing.z0": a.Spacing.Z0, "spacing.dz": a.Spacing.Dz, "spacing.dt": a.Spacing.Dt} {
		if !(v > 0) {
			return fmt.Errorf("%w: %s must be positive, got %g", ErrBadArgs, name, v)
		}
	}
	if a.W.T < 0 {
		return fmt.Errorf("%w: W.t must not be negative", ErrBadArgs)
	}
	for _, lag := range a.DzDtLags {
		if lag < 1 {
			return fmt.Errorf("%w: dzdt lag %d", ErrBadArgs, lag)
		}
	}
	if a.MaxIterations < 0 {
		return fmt.Errorf("%w: max_iterations %d", ErrBadArgs, a.MaxIterations)
	}
	if a.EditOnly && a.NSubset < 1 {
		return fmt.Errorf("%w: Edit_only needs N_subset", ErrBadArgs)
	}
	if a.RepeatRes != nil && !(*a.RepeatRes > 0 && a.RepeatDt > 0) {
		return fmt.Errorf("%w: repeat filter needs positive repeat_res and repeat_dt", ErrBadArgs)
	}
	return nil
}

// bounds returns ctr +/- w/2
func bounds(ctr, w float64) [2]float64 {
	return [2]float64{ctr - w/2, ctr + w/2}
}
