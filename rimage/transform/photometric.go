package transform

import (
	"bufio"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/dso/rimage"
)

// ResponseSize is the number of entries of an inverse response table.
const ResponseSize = 256

// PhotometricResponse is the inverse camera response G⁻¹ mapping a raw 8 bit value to
// irradiance, rescaled to [0, 255].
type PhotometricResponse struct {
	inverse [ResponseSize]float64
}

// NewPhotometricResponse builds a response from a monotonically increasing table of 256 values.
func NewPhotometricResponse(table []float64) (*PhotometricResponse, error) {
	if len(table) != ResponseSize {
		return nil, errors.Errorf("response table needs %d entries, got %d", ResponseSize, len(table))
	}
	lo, hi := table[0], table[ResponseSize-1]
	if !(hi > lo) {
		return nil, errors.Errorf("response table not increasing (%v to %v)", lo, hi)
	}
	resp := &PhotometricResponse{}
	for i, v := range table {
		if i > 0 && v < table[i-1] {
			return nil, errors.Errorf("response table decreases at entry %d", i)
		}
		resp.inverse[i] = 255 * (v - lo) / (hi - lo)
	}
	return resp, nil
}

// LinearResponse returns the identity response.
func LinearResponse() *PhotometricResponse {
	resp := &PhotometricResponse{}
	for i := range resp.inverse {
		resp.inverse[i] = float64(i)
	}
	return resp
}

// ReadPhotometricResponseFile reads whitespace separated response values.
func ReadPhotometricResponseFile(path string) (*PhotometricResponse, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening response file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var table []float64
	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		v, err := strconv.ParseFloat(strings.TrimSpace(scanner.Text()), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad response value %q", scanner.Text())
		}
		table = append(table, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "error reading response file")
	}
	return NewPhotometricResponse(table)
}

// Irradiance maps a raw value, with linear interpolation between table entries.
func (r *PhotometricResponse) Irradiance(raw float64) float64 {
	if raw <= 0 {
		return r.inverse[0]
	}
	if raw >= ResponseSize-1 {
		return r.inverse[ResponseSize-1]
	}
	i := int(raw)
	f := raw - float64(i)
	return (1-f)*r.inverse[i] + f*r.inverse[i+1]
}

// Vignette holds per-pixel attenuation in (0, 1].
type Vignette struct {
	width, height int
	inv           []float32
}

// NewVignette normalizes img by its maximum. Pixels with no signal are clamped to a small
// positive attenuation.
func NewVignette(img *rimage.FloatImage) (*Vignette, error) {
	maxV := float32(0)
	for _, v := range img.Data() {
		if v > maxV {
			maxV = v
		}
	}
	if maxV <= 0 {
		return nil, errors.New("vignette image has no positive values")
	}
	vig := &Vignette{width: img.Width(), height: img.Height(), inv: make([]float32, len(img.Data()))}
	for i, v := range img.Data() {
		a := math.Max(float64(v/maxV), 1e-3)
		vig.inv[i] = float32(1 / a)
	}
	return vig, nil
}

// ReadVignetteFile loads a vignette image resampled to width x height.
func ReadVignetteFile(path string, width, height int) (*Vignette, error) {
	img, err := rimage.ReadFloatImageFromFile(path, width, height)
	if err != nil {
		return nil, err
	}
	return NewVignette(img)
}
