package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// ErrBudgetExceeded stops a job whose next iteration would overrun its cap.
// It is never retried.
var ErrBudgetExceeded = eris.New("budget exceeded")

// ErrStructuralFailure means no usable shelf structure could be determined,
// so no product or detail stage can run.
var ErrStructuralFailure = eris.New("structural failure")

// TransientError wraps an error that is safe to retry (rate limits, 5xx,
// timeouts).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// transienter is implemented by error types from other packages that know
// whether they can be retried.
type transienter interface {
	Transient() bool
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"overloaded",
}

// IsTransient reports whether err, or anything in its chain, is worth
// retrying. Context cancellation is never transient; a per-call deadline is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrBudgetExceeded) || errors.Is(err, ErrStructuralFailure) || errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var tr transienter
	if errors.As(err, &tr) {
		return tr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a provider status code is retryable.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 409, 425, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}

// Kind is a coarse error class used in reason strings and logs.
type Kind string

const (
	KindTransient  Kind = "transient"
	KindSchema     Kind = "schema_violation"
	KindBudget     Kind = "budget_exceeded"
	KindStructural Kind = "structural_failure"
	KindCanceled   Kind = "canceled"
	KindCircuit    Kind = "circuit_open"
	KindPermanent  Kind = "permanent"
)

// kinder is implemented by error types that classify themselves.
type kinder interface {
	Kind() Kind
}

// Classify maps an error onto the taxonomy.
func Classify(err error) Kind {
	var k kinder
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudget
	case errors.Is(err, ErrStructuralFailure):
		return KindStructural
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuit
	case errors.As(err, &k):
		return k.Kind()
	case IsTransient(err):
		return KindTransient
	default:
		return KindPermanent
	}
}
