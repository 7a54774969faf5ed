package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/snapdetect/pkg/client"
	"github.com/menta2k/snapdetect/pkg/detection"
	"github.com/menta2k/snapdetect/pkg/processing"
	"github.com/menta2k/snapdetect/pkg/tiling"
	"github.com/menta2k/snapdetect/pkg/types"
)

// Options configure one controller. Zero values take the defaults from DefaultOptions.
type Options struct {
	// MaxSide bounds the full frame when no grid is used; negative disables bounding
	MaxSide int
	// GridMaxSide bounds the full frame when a grid is used
	GridMaxSide int
	// TileMaxSide bounds each transmitted tile
	TileMaxSide int
	// GridCols and GridRows enable multi-view tiling when both are positive
	GridCols int
	GridRows int
	Format   string
	Quality  int
	// Mirror flips every capture horizontally; Input.Mirror flips a single capture
	Mirror        bool
	Timeout       time.Duration
	MaxObjects    int
	MaxDetections int
	MergeIoU      float64
	Detail        string
	GridDetail    string
	Workers       int
}

// DefaultOptions returns the single-frame defaults
func DefaultOptions() Options {
	return Options{
		MaxSide:     768,
		GridMaxSide: 448,
		TileMaxSide: 256,
		Format:      processing.FormatJPEG,
		Quality:     85,
		Timeout:     15 * time.Second,
		MaxObjects:  detection.DefaultMaxObjects,
		Detail:      "high",
		GridDetail:  "low",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxSide == 0 {
		o.MaxSide = d.MaxSide
	}
	if o.GridMaxSide == 0 {
		o.GridMaxSide = d.GridMaxSide
	}
	if o.TileMaxSide == 0 {
		o.TileMaxSide = d.TileMaxSide
	}
	if o.Format == "" {
		o.Format = d.Format
	}
	if o.Quality == 0 {
		o.Quality = d.Quality
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.MaxObjects <= 0 {
		o.MaxObjects = d.MaxObjects
	}
	if o.Detail == "" {
		o.Detail = d.Detail
	}
	if o.GridDetail == "" {
		o.GridDetail = d.GridDetail
	}
	return o
}

func (o Options) gridEnabled() bool {
	return o.GridCols > 0 && o.GridRows > 0
}

// Input is one captured raster. Image wins over Data when both are set.
type Input struct {
	Image  image.Image
	Data   []byte
	Mirror bool
}

// Controller runs the capture state machine. At most one capture is in flight;
// the session it exposes is replaced wholesale on every transition.
type Controller struct {
	client     client.InferenceClient
	processor  *processing.Processor
	planner    *tiling.Planner
	normalizer *detection.Normalizer
	opts       Options
	log        logrus.FieldLogger
	now        func() time.Time

	mu        sync.Mutex
	current   CaptureSession
	cancel    context.CancelFunc
	observers map[int]func(CaptureSession)
	nextObs   int
	// pending holds published sessions in transition order until delivered
	pending  []CaptureSession
	draining bool
}

// New creates a controller. A nil client makes every capture fail with KindConfiguration.
func New(c client.InferenceClient, opts Options, log logrus.FieldLogger) *Controller {
	opts = opts.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	proc := processing.NewProcessor()
	return &Controller{
		client:    c,
		processor: proc,
		planner:   tiling.NewPlanner(proc, opts.Workers),
		normalizer: detection.NewNormalizer(detection.Options{
			MaxDetections: opts.MaxDetections,
			MergeIoU:      opts.MergeIoU,
		}),
		opts:      opts,
		log:       log,
		now:       time.Now,
		current:   CaptureSession{State: StateIdle},
		observers: make(map[int]func(CaptureSession)),
	}
}

// Options returns the effective options after defaults
func (c *Controller) Options() Options { return c.opts }

// Capture runs one full capture and blocks until it reaches Ready or Error.
// It returns ErrBusy without side effects when the controller is not idle.
// A capture that ends in Error returns the session together with its *Error.
func (c *Controller) Capture(ctx context.Context, in Input) (CaptureSession, error) {
	runCtx, cancel, id, err := c.begin(ctx)
	if err != nil {
		return c.Snapshot(), err
	}
	return c.run(runCtx, cancel, id, in)
}

// Trigger starts a capture in the background and reports whether it was accepted.
// The run is bound to ctx; observe progress with Subscribe or Snapshot.
func (c *Controller) Trigger(ctx context.Context, in Input) bool {
	runCtx, cancel, id, err := c.begin(ctx)
	if err != nil {
		return false
	}
	go func() {
		_, _ = c.run(runCtx, cancel, id, in)
	}()
	return true
}

// Cancel aborts the in-flight capture, which then ends in Error with KindCancelled.
// It reports whether there was anything to cancel.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current.State.InFlight() || c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// Dismiss closes the preview of a Ready session and discards its detections
func (c *Controller) Dismiss() error {
	return c.reset(StateReady)
}

// Acknowledge clears an Error session
func (c *Controller) Acknowledge() error {
	return c.reset(StateError)
}

// Busy reports whether a capture is in flight
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.State.InFlight()
}

// Snapshot returns a copy of the current session
func (c *Controller) Snapshot() CaptureSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.clone()
}

// Subscribe registers fn for every published session and returns a function that removes it.
// Deliveries happen outside the controller's lock, one at a time and in transition
// order, so fn may call back into the controller.
func (c *Controller) Subscribe(fn func(CaptureSession)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Controller) begin(ctx context.Context) (context.Context, context.CancelFunc, string, error) {
	c.mu.Lock()
	if c.current.State != StateIdle {
		state := c.current.State
		c.mu.Unlock()
		c.log.WithField("state", state).Debug("capture rejected: busy")
		return nil, nil, "", ErrBusy
	}

	runCtx, cancel := context.WithCancel(ctx)
	now := c.now()
	c.current = CaptureSession{
		ID:        uuid.NewString(),
		State:     StateCapturing,
		StartedAt: now,
		UpdatedAt: now,
	}
	c.cancel = cancel
	snap := c.current.clone()
	c.pending = append(c.pending, snap)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"capture_id": snap.ID, "state": snap.State}).Debug("capture started")
	c.drain()
	return runCtx, cancel, snap.ID, nil
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, id string, in Input) (snap CaptureSession, err error) {
	defer cancel()
	defer c.release(id)
	defer func() {
		if r := recover(); r != nil {
			snap, err = c.fail(id, KindInternal, fmt.Errorf("panic: %v", r))
		}
	}()

	if c.client == nil {
		return c.fail(id, KindConfiguration, errors.New("no inference client configured"))
	}

	img := in.Image
	if img == nil {
		decoded, err := c.processor.Decode(in.Data)
		if err != nil {
			return c.fail(id, KindSourceUnreadable, err)
		}
		img = decoded
	}
	if err := ctx.Err(); err != nil {
		return c.fail(id, classify(ctx, nil, err), err)
	}

	c.transition(id, func(s *CaptureSession) { s.State = StateResampling })

	grid := c.opts.gridEnabled()
	maxSide := c.opts.MaxSide
	if grid {
		maxSide = c.opts.GridMaxSide
	}
	res, err := c.processor.Resample(img, processing.ResampleOptions{
		MaxSide: maxSide,
		Mirror:  c.opts.Mirror || in.Mirror,
		Format:  c.opts.Format,
		Quality: c.opts.Quality,
	})
	if err != nil {
		if errors.Is(err, processing.ErrUnreadableSource) {
			return c.fail(id, KindSourceUnreadable, err)
		}
		return c.fail(id, KindInternal, err)
	}
	frame := res.Frame
	res.Encoded.Name = "FULL"

	req := client.Request{
		Images: []types.EncodedImage{res.Encoded},
		Detail: c.opts.Detail,
	}
	var tiles []types.Tile
	if grid {
		planned, err := tiling.Plan(frame, c.opts.GridCols, c.opts.GridRows)
		if err != nil {
			return c.fail(id, KindConfiguration, err)
		}
		cut, images, err := c.planner.Cut(ctx, res.Image, planned, c.opts.TileMaxSide, c.opts.Format, c.opts.Quality)
		if err != nil {
			if ctx.Err() != nil {
				return c.fail(id, classify(ctx, nil, err), err)
			}
			return c.fail(id, KindInternal, err)
		}
		tiles = cut
		req.Images = append(req.Images, images...)
		req.Instruction = detection.BuildGridInstruction(frame, tiles, c.opts.MaxObjects)
		req.Detail = c.opts.GridDetail
	} else {
		req.Instruction = detection.BuildInstruction(frame, c.opts.MaxObjects)
	}

	c.transition(id, func(s *CaptureSession) {
		s.State = StateAwaitingInference
		s.Frame = &frame
		s.Tiles = tiles
	})

	inferCtx, inferCancel := context.WithTimeout(ctx, c.opts.Timeout)
	out := c.infer(inferCtx, req)
	inferErr := inferCtx.Err()
	inferCancel()
	if out.recovered != nil {
		return c.fail(id, KindInternal, fmt.Errorf("%s: panic: %v", c.client.Name(), out.recovered))
	}
	text, err := out.text, out.err
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return c.fail(id, classify(ctx, inferErr, err), fmt.Errorf("%s: %w", c.client.Name(), err))
	}

	c.transition(id, func(s *CaptureSession) { s.State = StateNormalizing })

	result := c.normalizer.Normalize(text, frame, tiles)
	entry := c.log.WithField("capture_id", id)
	if result.ParseErr != nil {
		entry.WithError(result.ParseErr).WithField("response", client.Truncate([]byte(text), 200)).Warn("no detections recovered from response")
	}
	if result.Dropped > 0 {
		entry.WithField("dropped", result.Dropped).Debug("discarded invalid detections")
	}

	snap, _ = c.transition(id, func(s *CaptureSession) {
		s.State = StateReady
		s.Detections = result.Detections
		s.Dropped = result.Dropped
	})
	return snap, nil
}

type inferResult struct {
	text      string
	err       error
	recovered any
}

// infer runs the client call on its own goroutine so that the deadline and Cancel
// end the wait even when the client ignores ctx. A late result is discarded.
func (c *Controller) infer(ctx context.Context, req client.Request) inferResult {
	done := make(chan inferResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- inferResult{recovered: r}
			}
		}()
		text, err := c.client.Infer(ctx, req)
		done <- inferResult{text: text, err: err}
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		select {
		case r := <-done:
			return r
		default:
			return inferResult{err: ctx.Err()}
		}
	}
}

// classify maps a failed step to an ErrorKind. runCtx is the capture's own context,
// inferErr the state of the per-call timeout context.
func classify(runCtx context.Context, inferErr, err error) ErrorKind {
	switch {
	case errors.Is(err, client.ErrMissingCredential):
		return KindConfiguration
	case errors.Is(runCtx.Err(), context.Canceled):
		return KindCancelled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded),
		errors.Is(inferErr, context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInference
	}
}

// transition replaces the session for capture id. Updates for a capture that is no
// longer current, or no longer in flight, are ignored.
func (c *Controller) transition(id string, mutate func(*CaptureSession)) (CaptureSession, bool) {
	c.mu.Lock()
	if c.current.ID != id || !c.current.State.InFlight() {
		snap := c.current.clone()
		c.mu.Unlock()
		return snap, false
	}
	next := c.current.clone()
	mutate(&next)
	next.UpdatedAt = c.now()
	c.current = next
	snap := next.clone()
	c.pending = append(c.pending, snap)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"capture_id": id,
		"state":      snap.State,
		"elapsed":    snap.UpdatedAt.Sub(snap.StartedAt),
	}).Debug("capture transition")
	c.drain()
	return snap, true
}

func (c *Controller) fail(id string, kind ErrorKind, cause error) (CaptureSession, error) {
	e := &Error{Kind: kind, Err: cause}
	snap, ok := c.transition(id, func(s *CaptureSession) {
		s.State = StateError
		s.Err = e
		s.Detections = nil
	})
	if ok {
		c.log.WithFields(logrus.Fields{"capture_id": id, "kind": kind}).WithError(cause).Warn("capture failed")
	}
	return snap, e
}

// release drops the abort handle of capture id once its run is over
func (c *Controller) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current.ID == id {
		c.cancel = nil
	}
}

func (c *Controller) reset(from State) error {
	c.mu.Lock()
	if c.current.State != from {
		state := c.current.State
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, StateIdle)
	}
	c.current = CaptureSession{State: StateIdle, UpdatedAt: c.now()}
	snap := c.current.clone()
	c.pending = append(c.pending, snap)
	c.mu.Unlock()

	c.log.WithField("state", snap.State).Debug("session reset")
	c.drain()
	return nil
}

// drain delivers pending sessions to observers in the order they were published.
// Only one goroutine drains at a time; a publish made while another goroutine is
// draining, including one made from inside an observer, is delivered by that goroutine.
func (c *Controller) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		snap := c.pending[0]
		c.pending = c.pending[1:]
		fns := make([]func(CaptureSession), 0, len(c.observers))
		for _, fn := range c.observers {
			fns = append(fns, fn)
		}
		c.mu.Unlock()

		for _, fn := range fns {
			c.deliver(fn, snap)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Controller) deliver(fn func(CaptureSession), snap CaptureSession) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{"capture_id": snap.ID, "state": snap.State}).Errorf("observer panic: %v", r)
		}
	}()
	fn(snap.clone())
}
