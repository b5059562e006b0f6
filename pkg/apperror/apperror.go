package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Type is the machine-readable error class.
type Type string

const (
	TypeProviderAPI       Type = "provider_api_error"
	TypeInstallation      Type = "installation_error"
	TypeWebhookProcessing Type = "webhook_processing_error"
	TypeSync              Type = "sync_error"
	TypeStore             Type = "store_error"
	TypePermission        Type = "permission_error"
	TypeNetwork           Type = "network_error"
)

// Severity grades how urgently an error needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is a recovery step the caller can surface to the user.
type Action string

const (
	ActionRetry            Action = "retry"
	ActionManualSync       Action = "manual_sync"
	ActionReinstall        Action = "reinstall"
	ActionContactSupport   Action = "contact_support"
	ActionCheckPermissions Action = "check_permissions"
)

// Error is the classified error that crosses component boundaries.
// Raw client or store errors are never propagated upward directly.
type Error struct {
	Type        Type
	Message     string
	UserMessage string
	Severity    Severity
	Retryable   bool
	Actions     []Action
	RetryAfter  time.Duration
	// Code is the provider HTTP status that produced this error, when one
	// exists. Zero for errors that did not come from a provider reply.
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Unauthenticated means the provider rejected our credentials outright.
func Unauthenticated(cause error) *Error {
	return &Error{
		Type:        TypeProviderAPI,
		Code:        http.StatusUnauthorized,
		Message:     "provider rejected authentication",
		UserMessage: "The connection to your provider is no longer valid. Reinstall the app to continue.",
		Severity:    SeverityHigh,
		Retryable:   false,
		Actions:     []Action{ActionReinstall},
		Err:         cause,
	}
}

// Forbidden means the credentials are valid but lack the required scope.
func Forbidden(cause error) *Error {
	return &Error{
		Type:        TypePermission,
		Code:        http.StatusForbidden,
		Message:     "provider denied access",
		UserMessage: "Access was denied by the provider. Check the app's granted permissions.",
		Severity:    SeverityMedium,
		Retryable:   false,
		Actions:     []Action{ActionCheckPermissions},
		Err:         cause,
	}
}

// NotFound means the provider no longer knows the entity. The local record
// likely needs a refresh rather than a retry of the same call.
func NotFound(resource string, cause error) *Error {
	return &Error{
		Type:        TypeProviderAPI,
		Code:        http.StatusNotFound,
		Message:     fmt.Sprintf("%s not found at provider", resource),
		UserMessage: fmt.Sprintf("The %s could not be found. Run a manual sync to refresh.", resource),
		Severity:    SeverityLow,
		Retryable:   false,
		Actions:     []Action{ActionManualSync},
		Err:         cause,
	}
}

// RateLimited carries the provider-supplied reset time.
func RateLimited(resetAt time.Time, cause error) *Error {
	wait := time.Until(resetAt)
	if wait < 0 {
		wait = 0
	}
	return &Error{
		Type:        TypeProviderAPI,
		Code:        http.StatusTooManyRequests,
		Message:     fmt.Sprintf("provider rate limit exceeded, resets in %s", wait.Round(time.Second)),
		UserMessage: "The provider is rate limiting requests. This will resolve automatically.",
		Severity:    SeverityLow,
		Retryable:   true,
		Actions:     []Action{ActionRetry},
		RetryAfter:  wait,
		Err:         cause,
	}
}

// ServerError is a 5xx-equivalent provider failure.
func ServerError(cause error) *Error {
	return &Error{
		Type:        TypeProviderAPI,
		Message:     "provider returned a server error",
		UserMessage: "The provider is having trouble. Retrying shortly.",
		Severity:    SeverityMedium,
		Retryable:   true,
		Actions:     []Action{ActionRetry},
		Err:         cause,
	}
}

// Network covers connection failures and exceeded timeouts on provider calls.
func Network(cause error) *Error {
	return &Error{
		Type:        TypeNetwork,
		Message:     "network failure talking to provider",
		UserMessage: "Could not reach the provider. Retrying shortly.",
		Severity:    SeverityMedium,
		Retryable:   true,
		Actions:     []Action{ActionRetry},
		Err:         cause,
	}
}

// InstallationNotFound means the local installation record does not exist.
func InstallationNotFound(installationID string) *Error {
	return &Error{
		Type:        TypeInstallation,
		Message:     fmt.Sprintf("installation %s not found", installationID),
		UserMessage: "This installation is not known. It may need to be reinstalled.",
		Severity:    SeverityMedium,
		Retryable:   false,
		Actions:     []Action{ActionReinstall},
	}
}

// InstallationNotActive rejects operations on suspended or deleted installations.
func InstallationNotActive(installationID, status string) *Error {
	return &Error{
		Type:        TypeInstallation,
		Message:     fmt.Sprintf("installation %s is %s, not active", installationID, status),
		UserMessage: "This installation is not active. Reinstall the app or check its permissions.",
		Severity:    SeverityMedium,
		Retryable:   false,
		Actions:     []Action{ActionReinstall, ActionCheckPermissions},
	}
}

// StoreConnectivity is a transient persistence failure.
func StoreConnectivity(cause error) *Error {
	return &Error{
		Type:        TypeStore,
		Message:     "store connection failure",
		UserMessage: "A temporary storage problem occurred. Retrying shortly.",
		Severity:    SeverityHigh,
		Retryable:   true,
		Actions:     []Action{ActionRetry},
		Err:         cause,
	}
}

// StoreValidation means the caller supplied bad data; retrying will fail again.
func StoreValidation(message string, cause error) *Error {
	return &Error{
		Type:        TypeStore,
		Message:     message,
		UserMessage: "The request could not be stored. Contact support if this persists.",
		Severity:    SeverityMedium,
		Retryable:   false,
		Actions:     []Action{ActionContactSupport},
		Err:         cause,
	}
}

// WebhookProcessing wraps a failure inside a webhook handler.
func WebhookProcessing(message string, cause error) *Error {
	return &Error{
		Type:        TypeWebhookProcessing,
		Message:     message,
		UserMessage: "A provider event could not be processed. A sync will repair the gap.",
		Severity:    SeverityMedium,
		Retryable:   false,
		Actions:     []Action{ActionManualSync},
		Err:         cause,
	}
}

// Sync wraps a failure during a full reconcile.
func Sync(message string, cause error) *Error {
	return &Error{
		Type:        TypeSync,
		Message:     message,
		UserMessage: "Repository sync hit a problem. Run a manual sync to retry.",
		Severity:    SeverityMedium,
		Retryable:   false,
		Actions:     []Action{ActionManualSync},
		Err:         cause,
	}
}

// FromStatus classifies an HTTP-like provider status code. resetAt is only
// consulted for rate-limit replies.
func FromStatus(code int, resetAt time.Time, cause error) *Error {
	switch {
	case code == http.StatusUnauthorized:
		return Unauthenticated(cause)
	case code == http.StatusForbidden && !resetAt.IsZero():
		return RateLimited(resetAt, cause)
	case code == http.StatusForbidden:
		return Forbidden(cause)
	case code == http.StatusNotFound:
		return NotFound("resource", cause)
	case code == http.StatusTooManyRequests:
		return RateLimited(resetAt, cause)
	case code >= 500:
		e := ServerError(cause)
		e.Code = code
		return e
	default:
		return &Error{
			Type:      TypeProviderAPI,
			Code:      code,
			Message:   fmt.Sprintf("provider returned unexpected status %d", code),
			Severity:  SeverityMedium,
			Retryable: false,
			Actions:   []Action{ActionContactSupport},
			Err:       cause,
		}
	}
}

// Classify passes through already-classified errors and wraps anything else
// as a retryable network failure, the safest default for transport errors.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Network(err)
}

// IsNotFound reports whether err classifies a provider not-found reply.
func IsNotFound(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == http.StatusNotFound
}

// IsUnauthenticated reports whether the provider rejected our credentials.
func IsUnauthenticated(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == http.StatusUnauthorized
}

// IsRetryable reports whether err is classified retryable.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// RetryAfter returns the provider-requested wait, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.RetryAfter > 0 {
		return appErr.RetryAfter, true
	}
	return 0, false
}
