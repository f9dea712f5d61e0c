package main

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/dso/rimage"
	"go.viam.com/dso/vision/odometry"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".gif":  true,
}

// dataset is a directory of images, ordered by file name, with an optional times.txt next to the
// directory holding one "id timestamp [exposure]" line per image.
type dataset struct {
	paths         []string
	timestamps    []float64
	exposures     []float64
	width, height int
}

// openDataset lists the images under dir. Frames are decoded at width x height.
func openDataset(dir string, width, height int) (*dataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list images in %q", dir)
	}
	ds := &dataset{width: width, height: height}
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		ds.paths = append(ds.paths, filepath.Join(dir, e.Name()))
	}
	if len(ds.paths) == 0 {
		return nil, errors.Errorf("no images found in %q", dir)
	}
	sort.Strings(ds.paths)

	timesPath := filepath.Join(filepath.Dir(filepath.Clean(dir)), "times.txt")
	if err := ds.loadTimes(timesPath); err != nil {
		return nil, err
	}
	return ds, nil
}

// loadTimes reads timestamps and exposures. Without a times file every timestamp is zero and the
// exposure unknown.
func (ds *dataset) loadTimes(path string) error {
	ds.timestamps = make([]float64, len(ds.paths))
	ds.exposures = make([]float64, len(ds.paths))
	//nolint:gosec
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "error opening times file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var ts, exp []float64
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) < 2 {
			return errors.Errorf("%s:%d: expected an id and a timestamp", path, line)
		}
		t, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return errors.Wrapf(err, "%s:%d: bad timestamp", path, line)
		}
		e := 0.0
		if len(fields) >= 3 {
			if e, err = strconv.ParseFloat(fields[2], 64); err != nil {
				return errors.Wrapf(err, "%s:%d: bad exposure", path, line)
			}
		}
		ts = append(ts, t)
		exp = append(exp, e)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "error reading times file")
	}
	if len(ts) != len(ds.paths) {
		return errors.Errorf("%s has %d entries for %d images", path, len(ts), len(ds.paths))
	}
	ds.timestamps, ds.exposures = ts, exp
	return nil
}

func (ds *dataset) Len() int {
	return len(ds.paths)
}

func (ds *dataset) Timestamp(i int) float64 {
	return ds.timestamps[i]
}

func (ds *dataset) Frame(ctx context.Context, i int) (odometry.InputFrame, error) {
	if err := ctx.Err(); err != nil {
		return odometry.InputFrame{}, err
	}
	img, err := rimage.ReadFloatImageFromFile(ds.paths[i], ds.width, ds.height)
	if err != nil {
		return odometry.InputFrame{}, err
	}
	return odometry.InputFrame{
		Index:     i,
		Timestamp: ds.timestamps[i],
		Exposure:  ds.exposures[i],
		Image:     img,
	}, nil
}
