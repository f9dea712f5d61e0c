// Package odometry ties the tracker, the initializer and the windowed optimizer into a direct
// sparse visual odometry engine fed one frame at a time.
package odometry

import (
	"fmt"

	"github.com/pkg/errors"
)

// State is the stage of the engine's state machine.
type State int

const (
	// Uninitialized is the state before the first frame and after a reset.
	Uninitialized State = iota
	// Initializing bootstraps the first map from a short sequence of frames.
	Initializing
	// Tracking aligns every frame against the newest keyframe.
	Tracking
	// Lost is terminal until the next reset.
	Lost
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Tracking:
		return "tracking"
	case Lost:
		return "lost"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Initialized reports whether a map exists.
func (s State) Initialized() bool {
	return s == Tracking || s == Lost
}

var (
	// ErrInitializationFailed is returned by the runner when the engine keeps failing to
	// bootstrap past the reset budget.
	ErrInitializationFailed = errors.New("initialization failed")
	// ErrClosed is returned by AddFrame after Close.
	ErrClosed = errors.New("odometry system is closed")
)
