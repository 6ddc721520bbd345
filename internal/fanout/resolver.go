// Package fanout turns a send target into the concrete set of devices to push to.
package fanout

import (
	"context"
	"fmt"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

const (
	reasonNotFound  = "not found"
	reasonNoDevices = "no active devices"
)

// Target is exactly one of a phone number list or a topic name.
type Target struct {
	PhoneNumbers []string
	Topic        string
}

// TargetOf extracts the addressing part of a send request.
func TargetOf(req notification.SendRequest) Target {
	return Target{PhoneNumbers: req.PhoneNumbers, Topic: req.Topic}
}

// Resolver is a read-only view over the TokenStore.
type Resolver struct {
	tokens dispatch.TokenStore
}

func NewResolver(tokens dispatch.TokenStore) *Resolver {
	return &Resolver{tokens: tokens}
}

// Resolve returns the active devices for the target, deduplicated by token.
// Unknown numbers and numbers without devices are reported per target and
// never abort the resolution. An empty topic resolves to no devices.
func (r *Resolver) Resolve(ctx context.Context, target Target) ([]notification.Device, []notification.TargetError, error) {
	if target.Topic != "" {
		return r.resolveTopic(ctx, target.Topic)
	}
	return r.resolvePhones(ctx, target.PhoneNumbers)
}

func (r *Resolver) resolvePhones(ctx context.Context, phones []string) ([]notification.Device, []notification.TargetError, error) {
	phones = dedupe(phones)
	if len(phones) == 0 {
		return nil, nil, nil
	}

	userIDs, err := r.tokens.UserIDsByPhone(ctx, phones)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve phone numbers: %w", err)
	}

	var targetErrors []notification.TargetError
	known := make([]string, 0, len(userIDs))
	for _, phone := range phones {
		id, ok := userIDs[phone]
		if !ok {
			targetErrors = append(targetErrors, notification.TargetError{Target: phone, Reason: reasonNotFound})
			continue
		}
		known = append(known, id)
	}

	byUser, err := r.tokens.ActiveDevices(ctx, dedupe(known))
	if err != nil {
		return nil, nil, fmt.Errorf("load devices: %w", err)
	}

	seen := make(map[string]struct{})
	var devices []notification.Device
	for _, phone := range phones {
		id, ok := userIDs[phone]
		if !ok {
			continue
		}
		userDevices := byUser[id]
		if len(userDevices) == 0 {
			targetErrors = append(targetErrors, notification.TargetError{Target: phone, Reason: reasonNoDevices})
			continue
		}
		devices = appendUnique(devices, seen, userDevices)
	}
	return devices, targetErrors, nil
}

func (r *Resolver) resolveTopic(ctx context.Context, topic string) ([]notification.Device, []notification.TargetError, error) {
	members, err := r.tokens.TopicMemberIDs(ctx, topic)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve topic %s: %w", topic, err)
	}
	if len(members) == 0 {
		return nil, nil, nil
	}

	members = dedupe(members)
	byUser, err := r.tokens.ActiveDevices(ctx, members)
	if err != nil {
		return nil, nil, fmt.Errorf("load devices: %w", err)
	}

	seen := make(map[string]struct{})
	var devices []notification.Device
	for _, id := range members {
		devices = appendUnique(devices, seen, byUser[id])
	}
	return devices, nil, nil
}

func appendUnique(dst []notification.Device, seen map[string]struct{}, src []notification.Device) []notification.Device {
	for _, d := range src {
		if !d.Active {
			continue
		}
		if _, dup := seen[d.Token]; dup {
			continue
		}
		seen[d.Token] = struct{}{}
		dst = append(dst, d)
	}
	return dst
}

// dedupe keeps the first occurrence of each value, preserving order.
func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
