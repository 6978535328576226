package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joseph-ayodele/receipts-reconcile/internal/runner"
)

// CommandDevice grabs stills through an external capture tool (fswebcam-compatible flags),
// mapping each facing mode to a video device node.
type CommandDevice struct {
	Command    string
	Devices    map[FacingMode]string
	Resolution string
	Runner     runner.Runner
}

func NewCommandDevice(command string, devices map[FacingMode]string, r runner.Runner) *CommandDevice {
	if r == nil {
		r = runner.Exec{}
	}
	return &CommandDevice{Command: command, Devices: devices, Resolution: "1920x1080", Runner: r}
}

// Open grabs a warm-up frame so that permission and presence errors surface at acquisition
// time rather than on the first capture.
func (d *CommandDevice) Open(ctx context.Context, facing FacingMode) (Stream, error) {
	node, ok := d.Devices[facing]
	if !ok || node == "" {
		return nil, NewCaptureError(KindUnsupportedConstraint, fmt.Errorf("no device configured for %s-facing camera", facing))
	}
	s := &commandStream{dev: d, node: node}
	if _, err := s.Frame(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type commandStream struct {
	dev    *CommandDevice
	node   string
	closed bool
}

func (s *commandStream) Frame(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, errors.New("stream closed")
	}
	args := []string{"-q", "--no-banner", "-d", s.node, "-r", s.dev.Resolution, "--jpeg", "90", "-"}
	stdout, stderr, err := s.dev.Runner.Run(ctx, s.dev.Command, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyCommandError(err, string(stderr))
	}
	if len(stdout) == 0 {
		return nil, NewCaptureError(KindCaptureFailed, errors.New("capture command produced no image"))
	}
	return stdout, nil
}

func (s *commandStream) Close() error {
	s.closed = true
	return nil
}

func classifyCommandError(err error, stderr string) *CaptureError {
	msg := strings.ToLower(stderr)
	cause := fmt.Errorf("%w: %s", err, strings.TrimSpace(runner.Truncate(stderr, 512)))
	switch {
	case strings.Contains(msg, "permission denied"):
		return NewCaptureError(KindPermissionDenied, cause)
	case strings.Contains(msg, "no such file or directory"), strings.Contains(msg, "no such device"):
		return NewCaptureError(KindNoDevice, cause)
	case strings.Contains(msg, "device or resource busy"):
		return NewCaptureError(KindDeviceBusy, cause)
	case strings.Contains(msg, "unable to set"), strings.Contains(msg, "not supported"), strings.Contains(msg, "invalid argument"):
		return NewCaptureError(KindUnsupportedConstraint, cause)
	}
	return NewCaptureError(KindCaptureFailed, cause)
}
