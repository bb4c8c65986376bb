package pointio

import (
	"bytes"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `# two passes over one site
x, y, time, z, sigma, track
0, 0, 2019.5, 10.5, 0.2, 7
100, 50, 2020.0, , 0.3, 8
`

func TestReadCoreAndFields(t *testing.T) {
	d, err := Read(strings.NewReader(sample))
	require.NoError(t, err)
	require.Equal(t, 2, d.Len())

	assert.Equal(t, []float64{0, 100}, d.X)
	assert.Equal(t, []float64{0, 50}, d.Y)
	assert.Equal(t, []float64{2019.5, 2020.0}, d.Time)
	assert.Equal(t, 10.5, d.Z[0])
	assert.True(t, math.IsNaN(d.Z[1]), "empty cells read as NaN")
	assert.Equal(t, []float64{0.2, 0.3}, d.Sigma)
	assert.Equal(t, []string{"track"}, d.FieldNames())
	assert.Equal(t, []float64{7, 8}, d.Field("track"))
}

func TestReadMissingColumn(t *testing.T) {
	_, err := Read(strings.NewReader("x,y,time,z\n1,2,3,4\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestReadBadNumber(t *testing.T) {
	_, err := Read(strings.NewReader("x,y,time,z,sigma\n1,2,3,four,1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadHeaderOnly(t *testing.T) {
	d, err := Read(strings.NewReader("x,y,time,z,sigma,rgt\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, d.Len())
	assert.True(t, d.HasField("rgt"))
}

func TestWriteRoundTrip(t *testing.T) {
	d, err := Read(strings.NewReader(sample))
	require.NoError(t, err)
	require.NoError(t, d.Assign("z_est", []float64{10.4, 11}))

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, d))
	assert.True(t, strings.HasPrefix(buf.String(), "x,y,time,z,sigma,track,z_est\n"))

	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, WriteFile(path, d))
	back, err := ReadFile(path)
	require.NoError(t, err)

	opt := cmpopts.EquateNaNs()
	for _, c := range []struct {
		name      string
		want, got []float64
	}{
		{"x", d.X, back.X},
		{"z", d.Z, back.Z},
		{"sigma", d.Sigma, back.Sigma},
		{"track", d.Field("track"), back.Field("track")},
		{"z_est", d.Field("z_est"), back.Field("z_est")},
	} {
		if diff := cmp.Diff(c.want, c.got, opt); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", c.name, diff)
		}
	}
}
