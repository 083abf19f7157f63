package live

import (
	"errors"
)

var (
	ErrNotFound       = errors.New("Entity not found.")
	ErrParentNotFound = errors.New("Parent not found.")
	// the write is older than the current entity
	ErrStale = errors.New("Stale change.")
	// the write has the same version as the current entity
	ErrDuplicate = errors.New("Duplicate change.")

	ErrOperationPending = errors.New("An operation of the same kind is already pending for the target.")
	// the target is a local record that the server has not confirmed yet
	ErrUnconfirmed = errors.New("Target is not confirmed yet.")

	ErrNoCredential = errors.New("No credential.")
	// the server rejected the credential. The session must be invalidated.
	ErrUnauthorized = errors.New("Unauthorized.")

	ErrClosed = errors.New("Closed.")
)

// error returned by the api when the server rejects a request
type ApiError struct {
	StatusCode int
	Message    string
	Detail     string
}

func (self *ApiError) Error() string {
	if self.Detail != "" {
		return self.Message + " (" + self.Detail + ")"
	}
	return self.Message
}

func (self *ApiError) Unwrap() error {
	if self.StatusCode == 401 {
		return ErrUnauthorized
	}
	return nil
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
