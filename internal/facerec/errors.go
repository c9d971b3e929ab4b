package facerec

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// UpstreamError is a structured failure reported by the recognition backend.
type UpstreamError struct {
	Status  int
	Code    string
	Message string
}

// Error renders the error in the backend's legacy wire form so that callers
// which log or re-parse the text see a familiar shape.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("(%d, '%s', '%s')", e.Status, e.Code, e.Message)
}

// TranslatedError is an HTTP status and message derived from a backend
// failure. Ephemeral; constructed per failed call.
type TranslatedError struct {
	Status  int
	Message string
}

// Translate converts any failure from the capability boundary into an HTTP
// status and message. Typed upstream errors map directly; everything else
// goes through the legacy string parser. Translate never fails.
func Translate(err error) TranslatedError {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return TranslatedError{
			Status:  upstream.Status,
			Message: fmt.Sprintf("%s: %s", upstream.Code, upstream.Message),
		}
	}
	return TranslateString(rootCause(err).Error())
}

// TranslateString parses the backend's legacy error form
// "(status, 'CODE', 'message')" into a status and a "CODE: message" string.
// Any malformed input soft-fails to a 400 with the original text attached;
// the parser itself never errors.
func TranslateString(raw string) TranslatedError {
	parts := strings.SplitN(strings.Trim(raw, "()"), ", ", 3)
	if len(parts) != 3 {
		return unknownError(raw)
	}
	status, err := strconv.Atoi(parts[0])
	if err != nil {
		return unknownError(raw)
	}
	code := strings.Trim(parts[1], "'")
	message := strings.Trim(parts[2], "'")
	return TranslatedError{Status: status, Message: fmt.Sprintf("%s: %s", code, message)}
}

func unknownError(raw string) TranslatedError {
	return TranslatedError{
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("An unknown error occurred. Error: %s", raw),
	}
}

// rootCause strips wrapping layers so the parser sees the backend's own text
// rather than operation annotations added on the way up.
func rootCause(err error) error {
	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
}
