package outputs

import (
	"image/color"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"go.viam.com/dso/logging"
	"go.viam.com/dso/vision/odometry"
)

// PlotOutput collects the camera path seen from above (x against z) and writes it as an image
// when the engine is closed. Keyframe centers are drawn on top of the tracked path.
type PlotOutput struct {
	odometry.BaseOutput
	path   string
	logger logging.Logger

	mu        sync.Mutex
	track     plotter.XYs
	keyframes map[int]plotter.XY
}

// NewPlotOutput returns an output saving its plot to path. The format follows the extension.
func NewPlotOutput(path string, logger logging.Logger) *PlotOutput {
	return &PlotOutput{path: path, logger: logger, keyframes: map[int]plotter.XY{}}
}

// PublishPose appends the camera center of a tracked frame.
func (o *PlotOutput) PublishPose(pose odometry.FramePose) {
	c := pose.Pose.Center()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.track = append(o.track, plotter.XY{X: c.X, Y: c.Z})
}

// PublishKeyframes updates the centers of the given keyframes.
func (o *PlotOutput) PublishKeyframes(kfs []odometry.KeyframeView) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, kf := range kfs {
		c := kf.Pose.Center()
		o.keyframes[kf.KFID] = plotter.XY{X: c.X, Y: c.Z}
	}
}

// Reset forgets everything collected so far.
func (o *PlotOutput) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.track = nil
	o.keyframes = map[int]plotter.XY{}
}

// Join saves the plot.
func (o *PlotOutput) Join() {
	if err := o.Save(); err != nil {
		o.logger.Errorw("failed to save trajectory plot", "path", o.path, "error", err)
	}
}

// Plot builds the plot of what was collected.
func (o *PlotOutput) Plot() (*plot.Plot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := plot.New()
	p.Title.Text = "camera path"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "z"
	p.Add(plotter.NewGrid())

	if len(o.track) > 0 {
		line, err := plotter.NewLine(o.track)
		if err != nil {
			return nil, errors.Wrap(err, "error creating path line")
		}
		line.Width = vg.Points(1)
		line.Color = color.RGBA{B: 200, A: 255}
		p.Add(line)
		p.Legend.Add("frames", line)
	}
	if len(o.keyframes) > 0 {
		pts := make(plotter.XYs, 0, len(o.keyframes))
		for _, xy := range o.keyframes {
			pts = append(pts, xy)
		}
		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, errors.Wrap(err, "error creating keyframe markers")
		}
		scatter.GlyphStyle.Color = color.RGBA{R: 200, A: 255}
		scatter.GlyphStyle.Radius = vg.Points(2)
		p.Add(scatter)
		p.Legend.Add("keyframes", scatter)
	}
	return p, nil
}

// Save writes the plot to the output path.
func (o *PlotOutput) Save() error {
	p, err := o.Plot()
	if err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 8*vg.Inch, o.path)
}
