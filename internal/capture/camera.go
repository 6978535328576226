package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"
)

// FacingMode is the requested camera direction.
type FacingMode string

const (
	FacingBack  FacingMode = "back"
	FacingFront FacingMode = "front"
)

func (m FacingMode) Opposite() FacingMode {
	if m == FacingFront {
		return FacingBack
	}
	return FacingFront
}

// Device acquires a hardware video stream. Open blocks until access is granted or denied.
type Device interface {
	Open(ctx context.Context, facing FacingMode) (Stream, error)
}

// Stream is an open hardware handle. Frame returns one JPEG-encoded frame.
type Stream interface {
	Frame(ctx context.Context) ([]byte, error)
	Close() error
}

// ErrorKind classifies camera failures into operator-actionable categories.
type ErrorKind string

const (
	KindPermissionDenied      ErrorKind = "permission_denied"
	KindNoDevice              ErrorKind = "no_device"
	KindDeviceBusy            ErrorKind = "device_busy"
	KindUnsupportedConstraint ErrorKind = "unsupported_constraint"
	KindCaptureFailed         ErrorKind = "capture_failed"
)

// CaptureError is returned by every camera operation that fails.
type CaptureError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *CaptureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CaptureError) Unwrap() error { return e.Cause }

// Is matches on Kind so callers can use errors.Is(err, capture.ErrDeviceBusy).
func (e *CaptureError) Is(target error) bool {
	t, ok := target.(*CaptureError)
	return ok && t.Kind == e.Kind
}

var (
	ErrPermissionDenied      = &CaptureError{Kind: KindPermissionDenied, Message: "camera access was denied; allow camera access for this application and try again"}
	ErrNoDevice              = &CaptureError{Kind: KindNoDevice, Message: "no camera was found; connect a camera or choose a file instead"}
	ErrDeviceBusy            = &CaptureError{Kind: KindDeviceBusy, Message: "the camera is in use by another application; close it and try again"}
	ErrUnsupportedConstraint = &CaptureError{Kind: KindUnsupportedConstraint, Message: "the camera does not support the requested mode; switch cameras or choose a file instead"}
	ErrCaptureFailed         = &CaptureError{Kind: KindCaptureFailed, Message: "the photo could not be read; retake it"}
	ErrNotStarted            = errors.New("camera is not started")
)

// NewCaptureError builds a CaptureError of kind with the standard message for that kind.
func NewCaptureError(kind ErrorKind, cause error) *CaptureError {
	msg := ErrCaptureFailed.Message
	for _, e := range []*CaptureError{ErrPermissionDenied, ErrNoDevice, ErrDeviceBusy, ErrUnsupportedConstraint, ErrCaptureFailed} {
		if e.Kind == kind {
			msg = e.Message
			break
		}
	}
	return &CaptureError{Kind: kind, Message: msg, Cause: cause}
}

func asCaptureError(err error) *CaptureError {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	return NewCaptureError(KindCaptureFailed, err)
}

// Exclusive wraps a Device so that at most one stream is open at a time. A second Open
// while a stream is held fails with ErrDeviceBusy.
func Exclusive(dev Device) Device {
	return &exclusiveDevice{dev: dev}
}

type exclusiveDevice struct {
	dev  Device
	mu   sync.Mutex
	held bool
}

func (d *exclusiveDevice) Open(ctx context.Context, facing FacingMode) (Stream, error) {
	d.mu.Lock()
	if d.held {
		d.mu.Unlock()
		return nil, NewCaptureError(KindDeviceBusy, errors.New("device already held by another capture source"))
	}
	d.held = true
	d.mu.Unlock()

	s, err := d.dev.Open(ctx, facing)
	if err != nil {
		d.release()
		return nil, err
	}
	return &leasedStream{Stream: s, release: d.release}, nil
}

func (d *exclusiveDevice) release() {
	d.mu.Lock()
	d.held = false
	d.mu.Unlock()
}

type leasedStream struct {
	Stream
	once    sync.Once
	release func()
}

// Close releases the lease even if the underlying close fails; the handle is gone either way.
func (s *leasedStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.Stream.Close()
		s.release()
	})
	return err
}

// Camera is the camera capture path. It owns at most one open stream.
type Camera struct {
	dev    Device
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	stream Stream
	facing FacingMode
}

func NewCamera(dev Device, logger *slog.Logger) *Camera {
	if logger == nil {
		logger = slog.Default()
	}
	return &Camera{dev: dev, logger: logger.With(slog.String("component", "camera")), now: time.Now, facing: FacingBack}
}

// Start opens a stream with the requested facing. Starting again with another facing
// switches cameras.
func (c *Camera) Start(ctx context.Context, facing FacingMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil && c.facing == facing {
		return nil
	}
	return c.restartLocked(ctx, facing)
}

// SwitchFacing stops the current stream and opens one with the opposite facing.
func (c *Camera) SwitchFacing(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartLocked(ctx, c.facing.Opposite())
}

func (c *Camera) restartLocked(ctx context.Context, facing FacingMode) error {
	var closeErr error
	if c.stream != nil {
		closeErr = c.stream.Close()
		c.stream = nil
		if closeErr != nil {
			c.logger.Warn("camera.stream.close_failed", "facing", string(c.facing), "error", closeErr)
		}
	}

	s, err := c.dev.Open(ctx, facing)
	if err != nil {
		ce := asCaptureError(err)
		c.logger.Warn("camera.open.failed", "facing", string(facing), "kind", string(ce.Kind), "error", err)
		return errors.Join(ce, closeErr)
	}
	c.stream = s
	c.facing = facing
	c.logger.Info("camera.open.ok", "facing", string(facing))
	return nil
}

// Preview returns the current live frame without freezing it.
func (c *Camera) Preview(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, ErrNotStarted
	}
	frame, err := c.stream.Frame(ctx)
	if err != nil {
		return nil, asCaptureError(err)
	}
	return frame, nil
}

// Capture freezes one frame into a CandidateFile. The stream is released whether or not the
// capture succeeds; call Start again to retake.
func (c *Camera) Capture(ctx context.Context) (CandidateFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return CandidateFile{}, ErrNotStarted
	}
	defer c.releaseLocked()

	frame, err := c.stream.Frame(ctx)
	if err != nil {
		return CandidateFile{}, asCaptureError(err)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(frame)); err != nil {
		c.logger.Warn("camera.capture.corrupt", "bytes", len(frame), "error", err)
		return CandidateFile{}, NewCaptureError(KindCaptureFailed, err)
	}

	ts := c.now().UTC()
	c.logger.Info("camera.capture.ok", "facing", string(c.facing), "bytes", len(frame))
	return CandidateFile{
		Name:       fmt.Sprintf("capture-%s.jpg", ts.Format("20060102-150405")),
		MediaType:  "image/jpeg",
		Size:       int64(len(frame)),
		Data:       frame,
		Source:     SourceCamera,
		CapturedAt: ts,
	}, nil
}

// Facing returns the current (or last requested) facing mode.
func (c *Camera) Facing() FacingMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facing
}

// Active reports whether a hardware stream is currently held.
func (c *Camera) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Close releases the hardware stream. It is safe to call at any time and more than once.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseLocked()
}

func (c *Camera) releaseLocked() error {
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	c.stream = nil
	if err != nil {
		return fmt.Errorf("release camera: %w", err)
	}
	c.logger.Debug("camera.released", "facing", string(c.facing))
	return nil
}
