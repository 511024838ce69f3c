package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks a request the lifecycle refuses before touching any resource.
var ErrInvalidInput = errors.New("lifecycle: invalid input")

// PortBindError reports that no host port could be bound: either every
// allocator range is reserved or every bind attempt hit a conflict.
type PortBindError struct {
	FirstPort int
	LastPort  int
	Attempts  int
	Err       error
}

func (e *PortBindError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("port bind failed: %v", e.Err)
	}
	return fmt.Sprintf("port bind failed after %d attempts (ports %d-%d): %v", e.Attempts, e.FirstPort, e.LastPort, e.Err)
}

func (e *PortBindError) Unwrap() error { return e.Err }

// CreationError reports that the runtime rejected the container for a reason
// other than a port conflict.
type CreationError struct {
	Subdomain string
	Err       error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create deployment %s: %v", e.Subdomain, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// DNSProvisionError reports a failed DNS upsert. The deployment stays up and
// reachable on its raw port.
type DNSProvisionError struct {
	Subdomain string
	Err       error
}

func (e *DNSProvisionError) Error() string {
	return fmt.Sprintf("provision dns for %s: %v", e.Subdomain, e.Err)
}

func (e *DNSProvisionError) Unwrap() error { return e.Err }

// RecordDeletionError reports that the container was removed but its mapping
// record could not be deleted. Callers retry the record deletion only.
type RecordDeletionError struct {
	Subdomain string
	Err       error
}

func (e *RecordDeletionError) Error() string {
	return fmt.Sprintf("container for %s removed but mapping record remains: %v", e.Subdomain, e.Err)
}

func (e *RecordDeletionError) Unwrap() error { return e.Err }
