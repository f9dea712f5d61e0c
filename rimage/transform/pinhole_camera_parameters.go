package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/dso/rimage"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrapf(ErrNoIntrinsics, "%s", msg)
}

// minPyramidLevelArea is the smallest level area (in pixels) a pyramid may be halved into.
const minPyramidLevelArea = 5000

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width == 0 || params.Height == 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, intrinsics.CheckValid()
}

// Rescaled returns intrinsics for the same camera sampled at width x height.
func (params *PinholeCameraIntrinsics) Rescaled(width, height int) *PinholeCameraIntrinsics {
	sx := float64(width) / float64(params.Width)
	sy := float64(height) / float64(params.Height)
	// Pixel centers sit at integer coordinates, so the principal point scales about -0.5.
	return &PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     params.Fx * sx,
		Fy:     params.Fy * sy,
		Ppx:    (params.Ppx+0.5)*sx - 0.5,
		Ppy:    (params.Ppy+0.5)*sy - 0.5,
	}
}

// PixelToRay returns the normalized viewing ray K⁻¹[u, v, 1] of a pixel.
func (params *PinholeCameraIntrinsics) PixelToRay(u, v float64) r3.Vector {
	return r3.Vector{X: (u - params.Ppx) / params.Fx, Y: (v - params.Ppy) / params.Fy, Z: 1}
}

// Project projects a 3D point to sub-pixel image coordinates. ok is false for points at or
// behind the camera.
func (params *PinholeCameraIntrinsics) Project(pt r3.Vector) (r2.Point, bool) {
	if pt.Z <= 0 {
		return r2.Point{}, false
	}
	return r2.Point{X: pt.X/pt.Z*params.Fx + params.Ppx, Y: pt.Y/pt.Z*params.Fy + params.Ppy}, true
}

// NumPyramidLevels returns the pyramid depth for this camera: a level is halved again while both
// its dimensions are even and its area exceeds minPyramidLevelArea, up to rimage.MaxPyramidLevels.
func (params *PinholeCameraIntrinsics) NumPyramidLevels() int {
	w, h := params.Width, params.Height
	levels := 1
	for levels < rimage.MaxPyramidLevels && w%2 == 0 && h%2 == 0 && w*h > minPyramidLevelArea {
		w, h = w/2, h/2
		levels++
	}
	return levels
}

// LevelIntrinsics are the intrinsics of one pyramid level together with their inverses.
type LevelIntrinsics struct {
	Width, Height  int
	Fx, Fy, Cx, Cy float64
	FxInv, FyInv   float64
	CxInv, CyInv   float64
}

// Levels returns the intrinsics of each pyramid level. Level l samples pixel (x, y) of level 0
// at ((x+0.5)/2^l - 0.5, (y+0.5)/2^l - 0.5).
func (params *PinholeCameraIntrinsics) Levels(n int) []LevelIntrinsics {
	out := make([]LevelIntrinsics, n)
	fx, fy, cx, cy := params.Fx, params.Fy, params.Ppx, params.Ppy
	w, h := params.Width, params.Height
	for lvl := 0; lvl < n; lvl++ {
		out[lvl] = LevelIntrinsics{
			Width: w, Height: h,
			Fx: fx, Fy: fy, Cx: cx, Cy: cy,
			FxInv: 1 / fx, FyInv: 1 / fy,
			CxInv: -cx / fx, CyInv: -cy / fy,
		}
		fx, fy = fx*0.5, fy*0.5
		cx, cy = (cx+0.5)*0.5-0.5, (cy+0.5)*0.5-0.5
		w, h = w/2, h/2
	}
	return out
}

// Ray returns K⁻¹[u, v, 1] at this level.
func (l LevelIntrinsics) Ray(u, v float64) r3.Vector {
	return r3.Vector{X: u*l.FxInv + l.CxInv, Y: v*l.FyInv + l.CyInv, Z: 1}
}

// Project projects pt at this level. ok is false for points at or behind the camera.
func (l LevelIntrinsics) Project(pt r3.Vector) (u, v float64, ok bool) {
	if pt.Z <= 0 {
		return 0, 0, false
	}
	return l.Fx*pt.X/pt.Z + l.Cx, l.Fy*pt.Y/pt.Z + l.Cy, true
}
