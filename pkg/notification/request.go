package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	MaxTitleLength = 255
	MaxBodyBytes   = 4096
	MaxDataBytes   = 4096
	MaxBulkTargets = 500
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// SendRequest is the inbound send command, shared by the HTTP API and the
// Pub/Sub consumer. Exactly one of PhoneNumbers or Topic must be set.
type SendRequest struct {
	PhoneNumbers   []string       `json:"phone_numbers,omitempty" validate:"excluded_with=Topic,max=500,dive,required,max=32"`
	Topic          string         `json:"topic,omitempty" validate:"max=255"`
	Title          string         `json:"title" validate:"required,max=255"`
	Body           string         `json:"body" validate:"required"`
	Data           map[string]any `json:"data,omitempty"`
	Priority       Priority       `json:"priority,omitempty" validate:"omitempty,oneof=high normal"`
	ImageURL       string         `json:"image_url,omitempty" validate:"omitempty,http_url"`
	CollapseKey    string         `json:"collapse_key,omitempty" validate:"max=64"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" validate:"max=255"`
}

// TargetKind reports which addressing mode the request uses.
func (r SendRequest) TargetKind() TargetKind {
	if r.Topic != "" {
		return TargetTopic
	}
	return TargetPhoneNumbers
}

// Normalize trims whitespace and applies defaults. It is idempotent.
func (r *SendRequest) Normalize() {
	r.Title = strings.TrimSpace(r.Title)
	r.Topic = strings.TrimSpace(r.Topic)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	for i, n := range r.PhoneNumbers {
		r.PhoneNumbers[i] = strings.TrimSpace(n)
	}
	if r.Priority == "" {
		r.Priority = PriorityHigh
	}
}

// Validate checks the request against the payload limits. It never has side effects.
func (r SendRequest) Validate() error {
	fields := make(map[string]string)

	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate send request: %w", err)
		}
		for _, fe := range verrs {
			fields[fieldName(fe)] = describe(fe)
		}
	}

	if r.Topic == "" && len(r.PhoneNumbers) == 0 {
		fields["phone_numbers"] = "phone_numbers or topic is required"
	}
	if len(r.Body) > MaxBodyBytes {
		fields["body"] = fmt.Sprintf("must be at most %d bytes", MaxBodyBytes)
	}
	if data, err := r.StringData(); err != nil {
		fields["data"] = err.Error()
	} else if size := dataSize(data); size > MaxDataBytes {
		fields["data"] = fmt.Sprintf("serialised size %d exceeds %d bytes", size, MaxDataBytes)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// StringData coerces the free-form data payload into the string map every
// push platform requires. Non-string values are JSON encoded.
func (r SendRequest) StringData() (map[string]string, error) {
	if len(r.Data) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(r.Data))
	for k, v := range r.Data {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("value for %q is not serialisable", k)
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

func dataSize(data map[string]string) int {
	if len(data) == 0 {
		return 0
	}
	b, _ := json.Marshal(data)
	return len(b)
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "excluded_with":
		return "cannot be combined with topic"
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "http_url":
		return "must be an absolute http(s) URL"
	}
	return "failed " + fe.Tag() + " check"
}

// TargetError is a per-target resolution failure reported back to the caller.
type TargetError struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

func (e TargetError) String() string {
	return e.Target + ": " + e.Reason
}

// SendResult is returned as soon as a request has been accepted.
type SendResult struct {
	NotificationID  string   `json:"notification_id"`
	PerTargetErrors []string `json:"per_target_errors"`
	DeviceCount     int      `json:"device_count"`
	Duplicate       bool     `json:"duplicate"`
}

// NewSendResult renders target errors in their "<target>: <reason>" form.
func NewSendResult(notificationID string, targetErrors []TargetError, deviceCount int, duplicate bool) SendResult {
	rendered := make([]string, 0, len(targetErrors))
	for _, te := range targetErrors {
		rendered = append(rendered, te.String())
	}
	return SendResult{
		NotificationID:  notificationID,
		PerTargetErrors: rendered,
		DeviceCount:     deviceCount,
		Duplicate:       duplicate,
	}
}
