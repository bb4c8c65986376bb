package fit

import (
	"time"

	"github.com/ctessum/sparse"

	"smoothxyt/internal/models"
	"smoothxyt/pkg/grid"
	"smoothxyt/pkg/linop"
)

// Fields holds the gridded products of a fit, or their formal errors
type Fields struct {
	// Z0 is the static surface on the (y, x) grid
	Z0 *sparse.DenseArray

	// Dz is the anomaly on the (y, x, t) grid
	Dz *sparse.DenseArray

	// DzDt holds the lag-n rates of dz, keyed by lag
	DzDt map[int]*sparse.DenseArray

	// DzBar is the mean of dz over the central window at each epoch
	DzBar []float64

	// DzDtBar holds the lag-n rates of DzBar, keyed by lag
	DzDtBar map[int][]float64

	// Bias holds per-category biases ordered by id, nil without bias
	// estimation
	Bias []BiasEstimate
}

// Grids are the grids a fit was solved on
type Grids struct {
	Z0 *grid.Grid
	Dz *grid.Grid
	T  *grid.Grid
}

// IterationStats records one pass of the robust loop
type IterationStats struct {
	// Retained is the number of data rows within the threshold after the pass
	Retained int

	SigmaHat float64
}

// Result is the output of Fit
type Result struct {
	// M holds the fitted fields
	M Fields

	// E holds the propagated errors, nil unless ComputeE was set
	E *Fields

	// Model is the full solution vector over all columns
	Model []float64

	// Extent is [xmin, xmax, ymin, ymax] of the z0 grid
	Extent [4]float64

	// Data is the dataset the fit used, annotated with the three_sigma_edit
	// and z_est fields
	Data *models.Dataset

	Grids Grids

	// ValidData flags, over the input points, those retained by the fit
	ValidData []bool

	// TOC is the table of contents of the constraint equations
	TOC *linop.TOC

	// R is the sum of squared scaled residuals per equation group, RMS the
	// root-mean-square of the unscaled residuals
	R   map[linop.EqID]float64
	RMS map[linop.EqID]float64

	Timing map[string]time.Duration

	// ERMS echoes the regularization targets
	ERMS ERMS

	// Iterations is the number of robust iterations run
	Iterations int

	// SigmaHat is the last robust spread of the scaled residuals
	SigmaHat float64

	// History holds the passes of the robust loop that reached the edit step
	History []IterationStats

	// EditOnly marks results of a pre-editing pass that skipped the fit
	EditOnly bool
}
