package dispatcher

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrCircuitOpen     = errors.New("provider circuit open")
)

// DispatchError is a failed hand-off to a render provider. Permanent errors
// will not succeed on retry.
type DispatchError struct {
	Provider   string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch to %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dispatch to %s: %v", e.Provider, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a permanent dispatch failure.
func IsPermanent(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Permanent
}

func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
