package ports

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/splax/docket/internal/domain"
)

// MaxPort is the highest valid TCP port.
const MaxPort = 65535

// Range is a closed interval of host ports.
type Range struct {
	Start int
	End   int
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ExhaustedError reports that every port in every configured range is reserved.
type ExhaustedError struct {
	Ranges []Range
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Ranges))
	for i, r := range e.Ranges {
		parts[i] = r.String()
	}
	return fmt.Sprintf("no free port in ranges [%s]", strings.Join(parts, ", "))
}

// Lister is the slice of the mapping store the allocator reads.
type Lister interface {
	ListMappings(ctx context.Context) ([]domain.MappingRecord, error)
}

// Allocator picks candidate host ports from the mapping store's reservations.
// It takes no lock: two concurrent callers may receive the same port, and the
// container runtime's bind is what settles the race.
type Allocator struct {
	store Lister
}

// New constructs an Allocator.
func New(store Lister) *Allocator {
	return &Allocator{store: store}
}

// Allocate returns the first unreserved port, scanning ranges in declaration
// order and each range in ascending order.
func (a *Allocator) Allocate(ctx context.Context, ranges []Range) (int, error) {
	if len(ranges) == 0 {
		return 0, errors.New("no port ranges configured")
	}
	records, err := a.store.ListMappings(ctx)
	if err != nil {
		return 0, fmt.Errorf("read reserved ports: %w", err)
	}
	reserved := make(map[int]struct{}, len(records))
	for _, record := range records {
		reserved[record.Port] = struct{}{}
	}
	for _, r := range ranges {
		for port := r.Start; port <= r.End; port++ {
			if _, taken := reserved[port]; !taken {
				return port, nil
			}
		}
	}
	return 0, &ExhaustedError{Ranges: append([]Range(nil), ranges...)}
}

// ParseRanges parses "5000-5099,6000" style specifications.
func ParseRanges(spec string) ([]Range, error) {
	var ranges []Range
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		startText, endText, isRange := strings.Cut(part, "-")
		start, err := parsePort(startText)
		if err != nil {
			return nil, fmt.Errorf("port range %q: %w", part, err)
		}
		end := start
		if isRange {
			end, err = parsePort(endText)
			if err != nil {
				return nil, fmt.Errorf("port range %q: %w", part, err)
			}
		}
		if end < start {
			return nil, fmt.Errorf("port range %q: end before start", part)
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	if len(ranges) == 0 {
		return nil, errors.New("no port ranges configured")
	}
	return ranges, nil
}

func parsePort(text string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", text)
	}
	if port < 1 || port > MaxPort {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
