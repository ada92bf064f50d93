package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a reference to something that does not exist, such as
	// an unknown store id or an address the geocoder cannot place.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps failures of a collaborator (storage, geocoder).
	ErrUnavailable = errors.New("service unavailable")
	// ErrCooldown is returned when a client reports the same store again too soon.
	ErrCooldown = errors.New("report cooldown active")
)

// Validation categories.
const (
	CategoryMissingFields     = "missing fields"
	CategoryInvalidCrowdLevel = "invalid crowd level"
	CategoryInvalidCoords     = "invalid coordinates"
	CategoryInvalidTimestamp  = "invalid timestamp"
)

// ValidationError is a client-caused rejection of a submission.
type ValidationError struct {
	Category string `json:"category"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
