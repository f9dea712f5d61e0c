package window

import (
	"github.com/pkg/errors"
)

// ErrWindowFull is returned when inserting into a window at capacity.
var ErrWindowFull = errors.New("keyframe window is full")

// Window is the ordered, bounded set of resident keyframes, oldest first. It is owned by the
// mapping thread.
type Window struct {
	maxFrames int
	keyframes []*Keyframe
	nextKFID  int
}

// New returns an empty window holding at most maxFrames keyframes.
func New(maxFrames int) *Window {
	return &Window{maxFrames: maxFrames}
}

// NextKeyframeID returns a fresh keyframe id.
func (w *Window) NextKeyframeID() int {
	id := w.nextKFID
	w.nextKFID++
	return id
}

// MaxFrames returns the capacity.
func (w *Window) MaxFrames() int {
	return w.maxFrames
}

// Len returns the number of resident keyframes.
func (w *Window) Len() int {
	return len(w.keyframes)
}

// Full reports whether the window is at capacity.
func (w *Window) Full() bool {
	return len(w.keyframes) >= w.maxFrames
}

// Keyframes returns the resident keyframes, oldest first. The slice must not be modified.
func (w *Window) Keyframes() []*Keyframe {
	return w.keyframes
}

// At returns the keyframe at position i.
func (w *Window) At(i int) *Keyframe {
	return w.keyframes[i]
}

// Newest returns the most recently inserted keyframe, or nil when empty.
func (w *Window) Newest() *Keyframe {
	if len(w.keyframes) == 0 {
		return nil
	}
	return w.keyframes[len(w.keyframes)-1]
}

// Insert appends kf. It fails with ErrWindowFull rather than exceeding capacity; the caller is
// expected to evict first.
func (w *Window) Insert(kf *Keyframe) error {
	if kf.Resident() {
		return errors.Errorf("keyframe %d is already resident", kf.KFID)
	}
	if w.Full() {
		return ErrWindowFull
	}
	kf.index = len(w.keyframes)
	w.keyframes = append(w.keyframes, kf)
	return nil
}

// Remove takes kf out of the window and reindexes the remaining keyframes.
func (w *Window) Remove(kf *Keyframe) error {
	i := kf.index
	if i < 0 || i >= len(w.keyframes) || w.keyframes[i] != kf {
		return errors.Errorf("keyframe %d is not resident", kf.KFID)
	}
	copy(w.keyframes[i:], w.keyframes[i+1:])
	w.keyframes[len(w.keyframes)-1] = nil
	w.keyframes = w.keyframes[:len(w.keyframes)-1]
	kf.index = -1
	for j := i; j < len(w.keyframes); j++ {
		w.keyframes[j].index = j
	}
	return nil
}

// ActivePoints returns every active point hosted in the window.
func (w *Window) ActivePoints() []*Point {
	var out []*Point
	for _, kf := range w.keyframes {
		out = append(out, kf.ActivePoints()...)
	}
	return out
}

// NumActivePoints counts active points across the window.
func (w *Window) NumActivePoints() int {
	n := 0
	for _, kf := range w.keyframes {
		for _, p := range kf.Points {
			if p.State == Active {
				n++
			}
		}
	}
	return n
}

// NumImmaturePoints counts immature points across the window.
func (w *Window) NumImmaturePoints() int {
	n := 0
	for _, kf := range w.keyframes {
		for _, p := range kf.Points {
			if p.State == Immature {
				n++
			}
		}
	}
	return n
}

// CheckInvariants verifies the window bound, that every active point's host and every residual
// target is resident, and that resident keyframes are indexed consistently.
func (w *Window) CheckInvariants() error {
	if len(w.keyframes) > w.maxFrames {
		return errors.Errorf("window holds %d keyframes, capacity %d", len(w.keyframes), w.maxFrames)
	}
	for i, kf := range w.keyframes {
		if kf.index != i {
			return errors.Errorf("keyframe %d has index %d at position %d", kf.KFID, kf.index, i)
		}
		for _, p := range kf.Points {
			if p.Host != kf {
				return errors.Errorf("point hosted by keyframe %d lists another host", kf.KFID)
			}
			if p.State != Active {
				continue
			}
			for _, r := range p.Residuals {
				if !r.Target.Resident() {
					return errors.Errorf("residual of a point of keyframe %d targets evicted keyframe %d",
						kf.KFID, r.Target.KFID)
				}
				if r.Target == kf {
					return errors.Errorf("point of keyframe %d has a residual on its own host", kf.KFID)
				}
			}
		}
	}
	return nil
}
