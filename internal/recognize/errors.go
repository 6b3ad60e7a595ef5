package recognize

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned by Process when the caller breaks the input contract.
// Both ErrLengthMismatch and ErrOutOfOrderTimestamp wrap it.
var ErrInvalidInput = errors.New("invalid input")

var (
	// ErrLengthMismatch reports a score vector whose length differs from the vocabulary.
	ErrLengthMismatch = fmt.Errorf("%w: score length mismatch", ErrInvalidInput)

	// ErrOutOfOrderTimestamp reports a timestamp earlier than the most recent sample in the window.
	ErrOutOfOrderTimestamp = fmt.Errorf("%w: out-of-order timestamp", ErrInvalidInput)
)

// ErrorKind returns a short, stable name for an input error, suitable for metric labels.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, ErrOutOfOrderTimestamp):
		return "out_of_order_timestamp"
	default:
		return "other"
	}
}
