package notification

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ValidationError rejects a request before any side effect has happened.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, f+": "+e.Fields[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NotFoundTargetError is a per-target resolution failure. The batch continues.
type NotFoundTargetError struct {
	Target string
	Reason string
}

func (e *NotFoundTargetError) Error() string {
	return fmt.Sprintf("%s: %s", e.Target, e.Reason)
}

type ProviderTransientError struct {
	Reason string
}

func (e *ProviderTransientError) Error() string {
	return "provider transient error: " + e.Reason
}

type ProviderPermanentError struct {
	Reason string
}

func (e *ProviderPermanentError) Error() string {
	return "provider permanent error: " + e.Reason
}

type InvalidTokenError struct {
	Reason string
}

func (e *InvalidTokenError) Error() string {
	return "invalid device token: " + e.Reason
}

// ConflictError reports an illegal state transition or a capability mismatch.
type ConflictError struct {
	Resource string
	ID       string
	From     Status
	To       Status
	Message  string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Message)
	}
	return fmt.Sprintf("conflict on %s %s: cannot transition %s -> %s", e.Resource, e.ID, e.From, e.To)
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// WebhookDeliveryError is logged and retried by the webhook dispatcher only.
type WebhookDeliveryError struct {
	EndpointID string
	StatusCode int
	Err        error
}

func (e *WebhookDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook delivery to %s failed: %v", e.EndpointID, e.Err)
	}
	return fmt.Sprintf("webhook delivery to %s failed: status %d", e.EndpointID, e.StatusCode)
}

func (e *WebhookDeliveryError) Unwrap() error { return e.Err }
