package adaptercontrol

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Subprocess implements Control via the adapter control commands spec.md
// §6 names literally: `hciconfig <adapter> reset`, `systemctl restart
// bluetooth`, `hciconfig <adapter>`, `systemctl is-active bluetooth`.
// Every invocation is bounded so a hung subprocess can never wedge the
// watchdog; per spec.md §5 "subprocesses launched by C7 run to completion
// with captured output; they are never left hanging."
type Subprocess struct {
	Logger  *logrus.Logger
	Timeout time.Duration
}

// NewSubprocess returns a Control backed by real hciconfig/systemctl
// invocations with a sensible default timeout.
func NewSubprocess(logger *logrus.Logger) *Subprocess {
	return &Subprocess{Logger: logger, Timeout: 10 * time.Second}
}

func (s *Subprocess) run(name string, args ...string) (string, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"cmd":    name,
			"args":   args,
			"output": strings.TrimSpace(string(out)),
		}).Debug("adaptercontrol: subprocess completed")
	}
	return string(out), err
}

// Reset issues `hciconfig <adapter> reset`.
func (s *Subprocess) Reset(adapter string) error {
	_, err := s.run("hciconfig", adapter, "reset")
	return err
}

// RestartService issues `systemctl restart bluetooth`.
func (s *Subprocess) RestartService() error {
	_, err := s.run("systemctl", "restart", "bluetooth")
	return err
}

// AdapterStatus issues `hciconfig <adapter>` and classifies the output.
func (s *Subprocess) AdapterStatus(adapter string) Status {
	out, err := s.run("hciconfig", adapter)
	if err != nil {
		return StatusMissing
	}
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "up running"):
		return StatusUp
	case strings.Contains(lower, "down"):
		return StatusDown
	case lower == "":
		return StatusMissing
	default:
		return StatusUnknown
	}
}

// ServiceActive issues `systemctl is-active bluetooth`.
func (s *Subprocess) ServiceActive() bool {
	out, err := s.run("systemctl", "is-active", "bluetooth")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "active"
}
