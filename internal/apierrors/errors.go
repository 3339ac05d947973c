// Package apierrors provides shared error types for the ethree client.
package apierrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() checks
var (
	// ErrUnauthorized is returned when the access token is missing, invalid or expired.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTransport matches every transport failure that has no more specific
	// meaning: network errors, unexpected statuses and server errors.
	ErrTransport = errors.New("transport error")

	// ErrAlreadyRegistered is returned when publishing a card for an identity
	// that already has one.
	ErrAlreadyRegistered = errors.New("identity is already registered")

	// ErrCardNotFound is returned when the directory has no card for an identity.
	ErrCardNotFound = errors.New("card not found")

	// ErrCardConflict is returned when a card replacement names a previous
	// card that is no longer current.
	ErrCardConflict = errors.New("card was replaced concurrently")

	// ErrGroupNotFound is returned when a group does not exist or the caller
	// is not a member of it.
	ErrGroupNotFound = errors.New("group not found")

	// ErrGroupAlreadyExists is returned when creating a group whose id is taken.
	ErrGroupAlreadyExists = errors.New("group already exists")

	// ErrGroupEpochConflict is returned when another update to the group
	// committed the same epoch first.
	ErrGroupEpochConflict = errors.New("group epoch conflict")

	// ErrGroupPermissionDenied is returned when a non-initiator tries to
	// change a group.
	ErrGroupPermissionDenied = errors.New("only the group initiator can modify the group")

	// ErrBackupNotFound is returned when no key backup exists for the identity.
	ErrBackupNotFound = errors.New("private key backup not found")

	// ErrBackupAlreadyExists is returned when a key backup already exists.
	ErrBackupAlreadyExists = errors.New("private key backup already exists")

	// ErrRateLimited is returned when the API rate limit is exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Machine-readable error codes returned by the service in the "code" field.
const (
	CodeAlreadyRegistered = "already_registered"
	CodeCardMismatch      = "card_mismatch"
	CodeGroupExists       = "group_exists"
	CodeEpochConflict     = "epoch_conflict"
	CodeNotInitiator      = "not_initiator"
	CodeBackupExists      = "backup_exists"
)

// ResourceType indicates which type of resource an error relates to.
type ResourceType string

const (
	// ResourceUnknown indicates the resource type is not specified.
	ResourceUnknown ResourceType = ""
	// ResourceAuth indicates the error relates to authentication endpoints.
	ResourceAuth ResourceType = "auth"
	// ResourceCard indicates the error relates to a directory card.
	ResourceCard ResourceType = "card"
	// ResourceGroup indicates the error relates to a group.
	ResourceGroup ResourceType = "group"
	// ResourceBackup indicates the error relates to a key backup.
	ResourceBackup ResourceType = "backup"
)

// APIError represents an HTTP error from the service.
type APIError struct {
	StatusCode   int
	Message      string
	Code         string
	RequestID    string
	ResourceType ResourceType
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		if e.Message != "" {
			return fmt.Sprintf("API error %d: %s (request_id: %s)", e.StatusCode, e.Message, e.RequestID)
		}
		return fmt.Sprintf("API error %d (request_id: %s)", e.StatusCode, e.RequestID)
	}
	if e.Message != "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d", e.StatusCode)
}

// sentinel returns the specific error this status means for the resource,
// or nil when it has no specific meaning.
func (e *APIError) sentinel() error {
	switch e.StatusCode {
	case 401:
		return ErrUnauthorized
	case 403:
		if e.ResourceType == ResourceGroup {
			return ErrGroupPermissionDenied
		}
	case 404:
		switch e.ResourceType {
		case ResourceCard:
			return ErrCardNotFound
		case ResourceGroup:
			return ErrGroupNotFound
		case ResourceBackup:
			return ErrBackupNotFound
		}
	case 409:
		switch e.ResourceType {
		case ResourceCard:
			if e.Code == CodeCardMismatch {
				return ErrCardConflict
			}
			return ErrAlreadyRegistered
		case ResourceGroup:
			if e.Code == CodeEpochConflict {
				return ErrGroupEpochConflict
			}
			return ErrGroupAlreadyExists
		case ResourceBackup:
			return ErrBackupAlreadyExists
		}
	case 429:
		return ErrRateLimited
	}
	return nil
}

// Is implements errors.Is for sentinel error matching.
func (e *APIError) Is(target error) bool {
	s := e.sentinel()
	if target == ErrTransport {
		return s == nil || s == ErrRateLimited
	}
	return s != nil && target == s
}

// WithResourceType returns a copy of the error with the resource type set.
// If the error is not an *APIError, it is returned unchanged.
func WithResourceType(err error, rt ResourceType) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			StatusCode:   apiErr.StatusCode,
			Message:      apiErr.Message,
			Code:         apiErr.Code,
			RequestID:    apiErr.RequestID,
			ResourceType: rt,
		}
	}
	return err
}

// NetworkError represents a network-level failure.
type NetworkError struct {
	Err     error
	URL     string
	Attempt int
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *NetworkError) Is(target error) bool {
	return target == ErrTransport
}
