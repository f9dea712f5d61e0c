// Package pixelselector picks well-textured, well-distributed pixels of an image pyramid to
// serve as candidate depth points.
package pixelselector

import (
	"math"

	"github.com/montanaflynn/stats"

	"go.viam.com/dso/config"
	"go.viam.com/dso/rimage"
)

// maxGradForHistogram caps gradient magnitudes entering the block statistics.
const maxGradForHistogram = 48

// border is the number of pixels next to the image border that are never selected.
const border = 4

// Scale records at which grid scale a pixel won its cell.
type Scale uint8

const (
	// NotSelected marks pixels that were not chosen.
	NotSelected Scale = 0
	// ScaleFine pixels won a pot x pot cell on level 0.
	ScaleFine Scale = 1
	// ScaleMedium pixels won a 2pot x 2pot cell using level 1 gradients.
	ScaleMedium Scale = 2
	// ScaleCoarse pixels won a 4pot x 4pot cell using level 2 gradients.
	ScaleCoarse Scale = 4
)

// Params are the selector constants.
type Params struct {
	BlockSize      int
	MinGradHistAdd float64
	GradDownweight float64
	InitialPot     int
	MaxRecursion   int
}

// NewParams reads selector constants from cfg.
func NewParams(cfg *config.Config) Params {
	return Params{
		BlockSize:      cfg.Thresholds.SelectionBlockSize,
		MinGradHistAdd: cfg.MinGradHistAdd(),
		GradDownweight: cfg.Thresholds.GradDownweightPerLvl,
		InitialPot:     cfg.Thresholds.InitialSelectionPot,
		MaxRecursion:   cfg.Thresholds.SelectionMaxRecursion,
	}
}

// Selection is the result of a selection pass over level 0.
type Selection struct {
	Width, Height int
	Map           []Scale
	Count         int
	// Pot is the cell size the final pass used.
	Pot int
}

// Selected reports whether (x, y) was chosen.
func (s *Selection) Selected(x, y int) bool {
	return s.Map[y*s.Width+x] != NotSelected
}

// Select picks about density pixels of level 0 of pyr. It is a pure function of its inputs.
func Select(pyr *rimage.Pyramid, params Params, density float64) *Selection {
	l0 := pyr.Level(0)
	thresholds := blockThresholds(l0, params)
	pot := params.InitialPot
	if pot < 1 {
		pot = 1
	}
	recursions := params.MaxRecursion
	for {
		sel := &Selection{Width: l0.Width, Height: l0.Height, Map: make([]Scale, l0.Width*l0.Height), Pot: pot}
		n := selectCells(pyr, thresholds, params, sel, pot)
		have := float64(n)
		quotient := density / math.Max(have, 1)
		k := have * float64(pot+1) * float64(pot+1)
		ideal := int(math.Sqrt(k/density) - 1)
		if ideal < 1 {
			ideal = 1
		}
		if recursions > 0 && quotient > 1.25 && pot > 1 {
			if ideal >= pot {
				ideal = pot - 1
			}
			pot = ideal
			recursions--
			continue
		}
		if recursions > 0 && quotient < 0.25 {
			if ideal <= pot {
				ideal = pot + 1
			}
			pot = ideal
			recursions--
			continue
		}
		sel.Count = n
		if quotient < 0.95 {
			thin(sel, quotient)
		}
		return sel
	}
}

// thresholdGrid holds squared, smoothed gradient thresholds per block.
type thresholdGrid struct {
	blockSize int
	cols      int
	values    []float64
}

func (g *thresholdGrid) at(x, y int) float64 {
	return g.values[(y/g.blockSize)*g.cols+x/g.blockSize]
}

// blockThresholds computes per block the median gradient magnitude plus a constant, then
// averages each block with its 3x3 neighbourhood and squares the result.
func blockThresholds(l *rimage.PyramidLevel, params Params) *thresholdGrid {
	bs := params.BlockSize
	cols := (l.Width + bs - 1) / bs
	rows := (l.Height + bs - 1) / bs
	raw := make([]float64, cols*rows)
	samples := make([]float64, 0, bs*bs)
	for by := 0; by < rows; by++ {
		for bx := 0; bx < cols; bx++ {
			samples = samples[:0]
			for y := by * bs; y < (by+1)*bs && y < l.Height-1; y++ {
				if y < 1 {
					continue
				}
				for x := bx * bs; x < (bx+1)*bs && x < l.Width-1; x++ {
					if x < 1 {
						continue
					}
					g := math.Sqrt(float64(l.GradSq[l.Idx(x, y)]))
					samples = append(samples, math.Min(g, maxGradForHistogram))
				}
			}
			median, err := stats.Median(samples)
			if err != nil {
				// Empty block; only possible for degenerate sizes.
				median = 0
			}
			raw[by*cols+bx] = median + params.MinGradHistAdd
		}
	}
	smoothed := make([]float64, cols*rows)
	for by := 0; by < rows; by++ {
		for bx := 0; bx < cols; bx++ {
			sum, num := 0.0, 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					x, y := bx+dx, by+dy
					if x < 0 || y < 0 || x >= cols || y >= rows {
						continue
					}
					sum += raw[y*cols+x]
					num++
				}
			}
			mean := sum / float64(num)
			smoothed[by*cols+bx] = mean * mean
		}
	}
	return &thresholdGrid{blockSize: bs, cols: cols, values: smoothed}
}

// selectCells runs one pass over a grid of 4pot cells, each split into 2pot and pot cells. A
// pot cell keeps its strongest level 0 pixel above threshold; a 2pot cell without any such pixel
// falls back to its strongest pixel by level 1 gradient, and a 4pot cell to level 2.
func selectCells(pyr *rimage.Pyramid, th *thresholdGrid, params Params, sel *Selection, pot int) int {
	l0 := pyr.Level(0)
	l1 := pyr.Level(min(1, pyr.NumLevels()-1))
	l2 := pyr.Level(min(2, pyr.NumLevels()-1))
	s1 := float64(l1.Width) / float64(l0.Width)
	s2 := float64(l2.Width) / float64(l0.Width)
	dw1 := params.GradDownweight
	dw2 := dw1 * dw1
	w, h := l0.Width, l0.Height

	count := 0
	cell := 0
	for y4 := 0; y4 < h; y4 += 4 * pot {
		for x4 := 0; x4 < w; x4 += 4 * pot {
			best4, bestVal4 := -1, 0.0
			dir4 := direction(cell)
			cell++
			for y3 := y4; y3 < min(y4+4*pot, h); y3 += 2 * pot {
				for x3 := x4; x3 < min(x4+4*pot, w); x3 += 2 * pot {
					best3, bestVal3 := -1, 0.0
					dir3 := direction(cell)
					cell++
					for y2 := y3; y2 < min(y3+2*pot, h); y2 += pot {
						for x2 := x3; x2 < min(x3+2*pot, w); x2 += pot {
							best2, bestVal2 := -1, 0.0
							dir2 := direction(cell)
							cell++
							for yf := y2; yf < min(y2+pot, h); yf++ {
								for xf := x2; xf < min(x2+pot, w); xf++ {
									if xf < border || xf >= w-border-1 || yf < border || yf >= h-border {
										continue
									}
									idx := l0.Idx(xf, yf)
									th0 := th.at(xf, yf)
									th1 := th0 * dw1
									th2 := th1 * dw2
									gx, gy := float64(l0.DX[idx]), float64(l0.DY[idx])

									if float64(l0.GradSq[idx]) > th0 {
										v := math.Abs(gx*dir2[0] + gy*dir2[1])
										if v > bestVal2 {
											bestVal2, best2 = v, idx
											best3, best4 = -2, -2
										}
									}
									if best3 == -2 {
										continue
									}
									ag1 := l1.GradSq[l1.Idx(min(int(float64(xf)*s1+0.25), l1.Width-1), min(int(float64(yf)*s1+0.25), l1.Height-1))]
									if float64(ag1) > th1 {
										v := math.Abs(gx*dir3[0] + gy*dir3[1])
										if v > bestVal3 {
											bestVal3, best3 = v, idx
											best4 = -2
										}
									}
									if best4 == -2 {
										continue
									}
									ag2 := l2.GradSq[l2.Idx(min(int(float64(xf)*s2+0.125), l2.Width-1), min(int(float64(yf)*s2+0.125), l2.Height-1))]
									if float64(ag2) > th2 {
										v := math.Abs(gx*dir4[0] + gy*dir4[1])
										if v > bestVal4 {
											bestVal4, best4 = v, idx
										}
									}
								}
							}
							if best2 >= 0 {
								sel.Map[best2] = ScaleFine
								bestVal3 = 1e10
								count++
							}
						}
					}
					if best3 >= 0 {
						sel.Map[best3] = ScaleMedium
						bestVal4 = 1e10
						count++
					}
				}
			}
			if best4 >= 0 {
				sel.Map[best4] = ScaleCoarse
				count++
			}
		}
	}
	return count
}

// thin deterministically drops selected pixels so roughly a fraction keep of them remain.
func thin(sel *Selection, keep float64) {
	limit := uint8(255 * keep)
	n := 0
	for i, s := range sel.Map {
		if s == NotSelected {
			continue
		}
		if patternByte(n) > limit {
			sel.Map[i] = NotSelected
			sel.Count--
		}
		n++
	}
}
