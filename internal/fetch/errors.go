package fetch

import "fmt"

// Kind classifies a fetch failure.
type Kind int

// Failure kinds surfaced after the retry budget is exhausted.
const (
	KindTransport Kind = iota + 1
	KindBadStatus
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindBadStatus:
		return "bad_status"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned once retries are exhausted. It carries
// the last observed status code or transport error.
type Error struct {
	Kind       Kind
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindBadStatus:
		return fmt.Sprintf("fetch %s: status %d after %d attempts", e.URL, e.StatusCode, e.Attempts)
	case KindTimeout:
		return fmt.Sprintf("fetch %s: timed out after %d attempts: %v", e.URL, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("fetch %s: transport failure after %d attempts: %v", e.URL, e.Attempts, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
