package exchange

import (
	"errors"
	"fmt"
)

// Exchange response codes with special handling. Cancel-of-nonexistent,
// leverage-not-modified, and trading-stop-not-modified are classified as
// success; the auth codes are fatal and never retried.
const (
	codeOK                    = 0
	codeOrderNotExists        = 110001
	codeLeverageNotModified   = 110043
	codeTradingStopNotChanged = 34040
	codeInvalidAPIKey         = 10003
	codeSignatureError        = 10004
)

// APIError is a non-zero retCode returned by the exchange.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange retCode %d: %s", e.Code, e.Msg)
}

// IsAuthError reports whether err is a fatal credential failure. The
// affected (user, account) client is unusable and its session must stop.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeInvalidAPIKey || apiErr.Code == codeSignatureError
}

// IsTransient reports whether err is worth retrying: timeouts, transport
// failures, and any exchange error that is not an auth failure or an
// explicit parameter rejection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthError(err) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// Parameter and permission rejections will not succeed on retry.
		switch apiErr.Code {
		case 10001, 10005, 110017, 110012:
			return false
		}
		return true
	}
	// Transport-level errors (timeouts, resets) are transient.
	return true
}

// benignCode reports whether a non-zero retCode should be treated as success
// for the given operation family.
func benignCode(code int) bool {
	switch code {
	case codeOrderNotExists, codeLeverageNotModified, codeTradingStopNotChanged:
		return true
	}
	return false
}
