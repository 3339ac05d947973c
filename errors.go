package ethree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethree/client-go/internal/apierrors"
	"github.com/ethree/client-go/internal/crypto"
	"github.com/ethree/client-go/internal/group"
)

// Sentinel errors for errors.Is() checks
var (
	// ErrMissingIdentity is returned by Initialize when identity is empty.
	ErrMissingIdentity = errors.New("identity is required")

	// ErrClientClosed is returned when operations are attempted on a closed client.
	ErrClientClosed = errors.New("client has been closed")

	// ErrNotAuthenticated is returned when the application backend does not
	// issue an auth token for the identity.
	ErrNotAuthenticated = errors.New("identity is not authenticated")

	// ErrTokenRenewalFailed is returned when the auth token cannot be
	// exchanged for an access token.
	ErrTokenRenewalFailed = errors.New("access token renewal failed")

	// ErrMissingPrivateKey is returned when no private key is stored locally.
	ErrMissingPrivateKey = errors.New("private key not found on this device")

	// ErrPrivateKeyExists is returned when restoring over an existing local key.
	ErrPrivateKeyExists = errors.New("private key already exists on this device")

	// ErrMissingPublicKey is returned when an empty recipient set is passed
	// to Encrypt.
	ErrMissingPublicKey = errors.New("recipient public keys are empty")

	// ErrMissingIdentities is returned when a lookup names no identities.
	ErrMissingIdentities = errors.New("no identities to look up")

	// ErrKeyIsNotNativeFormat is returned when a directory key does not use
	// the expected key scheme.
	ErrKeyIsNotNativeFormat = errors.New("public key is not in the native format")

	// ErrCardVerificationFailed is returned when a card's self-signature
	// does not verify.
	ErrCardVerificationFailed = errors.New("card signature verification failed")

	// ErrUserNotFound is returned when the directory has no card for a
	// looked-up identity.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserNotRegistered is returned when rotating or unregistering an
	// identity the directory does not know.
	ErrUserNotRegistered = errors.New("identity is not registered")

	// ErrVerificationFailed is returned when a signature does not match the
	// expected sender.
	ErrVerificationFailed = crypto.ErrSignatureVerificationFailed

	// ErrDecryptionFailed is returned for malformed, tampered or foreign
	// ciphertext.
	ErrDecryptionFailed = crypto.ErrDecryptionFailed

	// ErrEncodingFailed is returned when text input cannot be encoded.
	ErrEncodingFailed = errors.New("text encoding failed")

	// ErrDecodingFailed is returned when text input cannot be decoded.
	ErrDecodingFailed = errors.New("text decoding failed")

	// ErrMissingPassword is returned when a backup password is empty.
	ErrMissingPassword = errors.New("password is required")

	// ErrWrongPassword is returned when a backup cannot be opened with the
	// given password.
	ErrWrongPassword = errors.New("wrong backup password")

	// ErrInvalidGroupMembers is returned when a member list is empty, too
	// large, or contains empty identities.
	ErrInvalidGroupMembers = group.ErrInvalidMembers

	// ErrMissingGroupID is returned when a group id is empty.
	ErrMissingGroupID = errors.New("group id is required")

	// ErrMissingGroupEpoch is returned when a group message belongs to an
	// epoch whose key this device does not hold.
	ErrMissingGroupEpoch = group.ErrMissingEpoch

	// ErrGroupDeleted is returned by operations on a deleted group.
	ErrGroupDeleted = group.ErrDeleted

	// ErrInvalidInitiator is returned when group tickets were not signed by
	// the claimed initiator.
	ErrInvalidInitiator = errors.New("group initiator could not be verified")

	// ErrPartialRotation is returned when the directory accepted a new key
	// but the device could not store it.
	ErrPartialRotation = errors.New("key rotation partially failed")

	// ErrUnauthorized is returned when the access token is rejected even
	// after renewal.
	ErrUnauthorized = apierrors.ErrUnauthorized

	// ErrTransport matches network failures and backend errors without a
	// more specific meaning.
	ErrTransport = apierrors.ErrTransport

	// ErrAlreadyRegistered is returned when the identity already has a card.
	// Register recovers from it by rotating.
	ErrAlreadyRegistered = apierrors.ErrAlreadyRegistered

	// ErrCardConflict is returned when the card was replaced by a concurrent
	// rotation.
	ErrCardConflict = apierrors.ErrCardConflict

	// ErrInvalidMnemonic is returned when a recovery phrase is malformed.
	ErrInvalidMnemonic = crypto.ErrInvalidMnemonic

	// ErrGroupNotFound is returned when the group does not exist or this
	// identity is not a member.
	ErrGroupNotFound = apierrors.ErrGroupNotFound

	// ErrGroupAlreadyExists is returned when the group id is taken.
	ErrGroupAlreadyExists = apierrors.ErrGroupAlreadyExists

	// ErrGroupEpochConflict is returned when another update of the group
	// committed first.
	ErrGroupEpochConflict = apierrors.ErrGroupEpochConflict

	// ErrGroupPermissionDenied is returned when a member other than the
	// initiator tries to change the group.
	ErrGroupPermissionDenied = apierrors.ErrGroupPermissionDenied

	// ErrBackupNotFound is returned when no key backup exists.
	ErrBackupNotFound = apierrors.ErrBackupNotFound

	// ErrBackupAlreadyExists is returned when a key backup already exists.
	ErrBackupAlreadyExists = apierrors.ErrBackupAlreadyExists

	// ErrRateLimited is returned when the API rate limit is exceeded.
	ErrRateLimited = apierrors.ErrRateLimited
)

// Error is implemented by all typed SDK errors.
type Error interface {
	error
	EThreeError() // marker method
}

// APIError represents an HTTP error from the backend.
type APIError struct {
	StatusCode int
	Message    string
	Code       string // machine-readable code, if returned by server
	RequestID  string // if returned by server

	resource apierrors.ResourceType
}

func (e *APIError) Error() string {
	return e.internal().Error()
}

func (e *APIError) internal() *apierrors.APIError {
	return &apierrors.APIError{
		StatusCode:   e.StatusCode,
		Message:      e.Message,
		Code:         e.Code,
		RequestID:    e.RequestID,
		ResourceType: e.resource,
	}
}

// Is implements errors.Is for sentinel error matching.
func (e *APIError) Is(target error) bool {
	return e.internal().Is(target)
}

// EThreeError implements the Error interface.
func (e *APIError) EThreeError() {}

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

// EThreeError implements the Error interface.
func (e *NetworkError) EThreeError() {}

// AuthError reports a failed access token renewal.
type AuthError struct {
	// Kind is ErrNotAuthenticated or ErrTokenRenewalFailed.
	Kind error
	// Err is the underlying failure.
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap returns the kind and the underlying error.
func (e *AuthError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// EThreeError implements the Error interface.
func (e *AuthError) EThreeError() {}

// LookupError lists identities the directory has no card for.
type LookupError struct {
	Missing []string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("user not found: %s", strings.Join(e.Missing, ", "))
}

// Is implements errors.Is for sentinel error matching.
func (e *LookupError) Is(target error) bool {
	return target == ErrUserNotFound
}

// EThreeError implements the Error interface.
func (e *LookupError) EThreeError() {}

// PartialRotationError reports that the directory holds the new card but
// the device kept the previous key. The new key could not be stored, so
// messages addressed to the identity cannot be read until Register or
// RotatePrivateKey succeeds again.
type PartialRotationError struct {
	CardID string
	Err    error
}

func (e *PartialRotationError) Error() string {
	return fmt.Sprintf("key rotation partially failed: directory card %s published but local key not stored: %v", e.CardID, e.Err)
}

// Unwrap returns the underlying error.
func (e *PartialRotationError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *PartialRotationError) Is(target error) bool {
	return target == ErrPartialRotation
}

// EThreeError implements the Error interface.
func (e *PartialRotationError) EThreeError() {}

// DecryptionError represents a failure to open a message.
type DecryptionError struct {
	Stage string // "envelope", "group", "ticket"
	Err   error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed at %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryptionFailed
}

// EThreeError implements the Error interface.
func (e *DecryptionError) EThreeError() {}

// SignatureVerificationError indicates the message was not signed by the
// expected sender.
type SignatureVerificationError struct {
	Stage  string
	Sender string // key fingerprint of the expected sender
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("signature verification failed at %s: not signed by %s", e.Stage, e.Sender)
}

// Is implements errors.Is for sentinel error matching.
func (e *SignatureVerificationError) Is(target error) bool {
	return target == ErrVerificationFailed
}

// EThreeError implements the Error interface.
func (e *SignatureVerificationError) EThreeError() {}

// wrapError converts internal API errors to public errors.
// This ensures that errors.Is() checks work with public sentinel errors.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	var public Error
	if errors.As(err, &public) {
		return err
	}

	var apiErr *apierrors.APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Code:       apiErr.Code,
			RequestID:  apiErr.RequestID,
			resource:   apiErr.ResourceType,
		}
	}

	var netErr *apierrors.NetworkError
	if errors.As(err, &netErr) {
		return &NetworkError{
			Err:     netErr.Err,
			URL:     netErr.URL,
			Attempt: netErr.Attempt,
		}
	}

	return err
}

// wrapOpenError classifies a failure to open a message or ticket.
func wrapOpenError(stage string, sender *crypto.PublicKey, err error) error {
	if errors.Is(err, crypto.ErrSignatureVerificationFailed) {
		return &SignatureVerificationError{Stage: stage, Sender: sender.Fingerprint()}
	}
	if errors.Is(err, crypto.ErrDecryptionFailed) {
		return &DecryptionError{Stage: stage, Err: err}
	}
	return err
}
