package docker

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

var (
	portInUsePattern = regexp.MustCompile(`(?i)port is already allocated|address already in use`)
	boundPortPattern = regexp.MustCompile(`:(\d+)(?:\s+failed|:\s*bind|\s*$)`)
)

// PortInUseError reports that a container could not start because its host
// port was already bound. It is the only start failure worth retrying on a
// different port.
type PortInUseError struct {
	Port int
	Err  error
}

func (e *PortInUseError) Error() string {
	if e.Port > 0 {
		return fmt.Sprintf("host port %d already in use: %v", e.Port, e.Err)
	}
	return fmt.Sprintf("host port already in use: %v", e.Err)
}

func (e *PortInUseError) Unwrap() error { return e.Err }

// IsPortInUse reports whether err is or wraps a PortInUseError.
func IsPortInUse(err error) bool {
	var target *PortInUseError
	return errors.As(err, &target)
}

// classifyStartError converts daemon bind conflicts into PortInUseError.
func classifyStartError(err error, hostPort int) error {
	if err == nil {
		return nil
	}
	if !portInUsePattern.MatchString(err.Error()) {
		return err
	}
	port := hostPort
	if m := boundPortPattern.FindStringSubmatch(err.Error()); len(m) == 2 {
		if parsed, convErr := strconv.Atoi(m[1]); convErr == nil {
			port = parsed
		}
	}
	return &PortInUseError{Port: port, Err: err}
}
