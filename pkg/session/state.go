package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/menta2k/snapdetect/pkg/types"
)

// State is a step of the capture state machine
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateResampling
	StateAwaitingInference
	StateNormalizing
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateResampling:
		return "resampling"
	case StateAwaitingInference:
		return "awaiting_inference"
	case StateNormalizing:
		return "normalizing"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateError; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// InFlight reports whether a capture is running in this state
func (s State) InFlight() bool {
	return s >= StateCapturing && s <= StateNormalizing
}

// ErrorKind classifies why a capture ended in StateError
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindSourceUnreadable
	KindConfiguration
	KindTimeout
	KindCancelled
	KindInference
)

func (k ErrorKind) String() string {
	switch k {
	case KindSourceUnreadable:
		return "source_unreadable"
	case KindConfiguration:
		return "configuration"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindInference:
		return "inference"
	default:
		return "internal"
	}
}

// Error is the classified failure carried by a session in StateError
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrBusy is returned when a capture is requested while the controller is not idle
	ErrBusy = errors.New("capture already in progress")
	// ErrInvalidTransition is returned by Dismiss and Acknowledge from the wrong state
	ErrInvalidTransition = errors.New("invalid state transition")
)

// CaptureSession is an immutable view of one capture's progress.
// The controller replaces it on every transition; callers get copies.
type CaptureSession struct {
	ID         string                     `json:"id"`
	State      State                      `json:"state"`
	Frame      *types.FrameDescriptor     `json:"frame,omitempty"`
	Tiles      []types.Tile               `json:"tiles,omitempty"`
	Detections []types.CanonicalDetection `json:"detections"`
	// Dropped counts response entries the normalizer discarded
	Dropped   int       `json:"dropped"`
	Err       *Error    `json:"-"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s CaptureSession) clone() CaptureSession {
	out := s
	if s.Frame != nil {
		f := *s.Frame
		out.Frame = &f
	}
	if s.Tiles != nil {
		out.Tiles = append([]types.Tile(nil), s.Tiles...)
	}
	if s.Detections != nil {
		out.Detections = append([]types.CanonicalDetection(nil), s.Detections...)
	}
	return out
}
