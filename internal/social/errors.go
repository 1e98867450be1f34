package social

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotAuthenticated is returned by every guarded operation before a
// successful login.
var ErrNotAuthenticated = AuthenticationError{Reason: "not authenticated - login first"}

// ConfigurationError is returned when required configuration is missing.
type ConfigurationError struct {
	Provider  string
	Variables []string
}

func (e ConfigurationError) Error() string {
	if len(e.Variables) == 0 {
		return fmt.Sprintf("%s credentials not configured", e.Provider)
	}
	return fmt.Sprintf("%s credentials not configured (set %s)", e.Provider, strings.Join(e.Variables, " and "))
}

// ValidationError captures caller input the server refuses to forward.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthenticationError reports an operation attempted without a session.
type AuthenticationError struct {
	Reason string
}

func (e AuthenticationError) Error() string { return e.Reason }

// UploadError describes a single image that failed to upload.
type UploadError struct {
	Index    int
	MimeType string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload image %d (%s): %v", e.Index, e.MimeType, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// BackendError wraps a failed backend call with the action that issued it.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// errEmptyBlob marks an upload the backend acknowledged without a blob.
var errEmptyBlob = errors.New("backend returned no blob reference")

func backendErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Err: err}
}
