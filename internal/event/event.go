// Package event defines the on-wire event envelope and the canonical
// topic grammar used across the bus, the outbox, and the SSE layer.
package event

import (
	"strings"
	"time"
)

// Event is the on-wire message envelope.
//
// Type determines both the bus subject suffix and the SSE event label
// delivered downstream (via TypeForTopic when Type is a dotted topic).
type Event struct {
	Type        string         `json:"type"`
	Data        map[string]any `json:"data"`
	Timestamp   int64          `json:"timestamp"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
}

// New builds an Event with the current unix timestamp.
func New(eventType string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// Actions permitted as the final topic segment.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
	ActionList    = "list"
)

// Legacy system subjects kept for older consumers.
const (
	TopicSystemNotification     = "system.notification"
	TopicSystemAlert            = "system.alert"
	TopicVMStatusUpdate         = "vm.status.update"
	TopicVMResourceUpdate       = "vm.resource.update"
	TopicProviderStatusUpdate   = "provider.status.update"
	TopicProviderInstanceUpdate = "provider.instance.update"
)

// SSE event labels for the legacy subjects.
const (
	TypeNotification           = "notification"
	TypeAlert                  = "alert"
	TypeVMStatusUpdate         = "vm-status-update"
	TypeVMResourceUpdate       = "vm-resource-update"
	TypeProviderStatusUpdate   = "provider-status-update"
	TypeProviderInstanceUpdate = "provider-instance-update"
)

var legacyTypes = map[string]string{
	TopicSystemNotification:     TypeNotification,
	TopicSystemAlert:            TypeAlert,
	TopicVMStatusUpdate:         TypeVMStatusUpdate,
	TopicVMResourceUpdate:       TypeVMResourceUpdate,
	TopicProviderStatusUpdate:   TypeProviderStatusUpdate,
	TopicProviderInstanceUpdate: TypeProviderInstanceUpdate,
}

// TypeForTopic derives the SSE event label for a dotted topic.
//
// Resource topics collapse to "{class}-{singular sub-resource}-{action}"
// (e.g. "network.aws.cred-1.us-east-1.vpcs.created" -> "network-vpc-created").
// Legacy system subjects map through a fixed table. Anything else falls back
// to the topic with dots replaced by dashes so the label stays deterministic.
func TypeForTopic(topic string) string {
	if t, ok := legacyTypes[topic]; ok {
		return t
	}
	parts := strings.Split(topic, ".")
	if len(parts) < 2 {
		return topic
	}
	class := parts[0]
	action := parts[len(parts)-1]
	switch class {
	case "kubernetes", "network":
		if len(parts) >= 3 {
			sub := singular(parts[len(parts)-2])
			return class + "-" + sub + "-" + action
		}
	case "vm", "workspace", "credential", "cost":
		return class + "-" + action
	}
	return strings.ReplaceAll(topic, ".", "-")
}

func singular(s string) string {
	return strings.TrimSuffix(s, "s")
}

// IsSystemType reports whether the label names a system-class event that is
// delivered to every live connection unconditionally.
func IsSystemType(eventType string) bool {
	return eventType == TypeNotification || eventType == TypeAlert
}

// IsVMFamily reports whether the label belongs to the VM family, whose
// delivery requires a matching subscribed VM id.
func IsVMFamily(eventType string) bool {
	return strings.HasPrefix(eventType, "vm-")
}

// IsProviderFamily reports whether the label belongs to the provider family,
// whose delivery requires a matching subscribed provider id.
func IsProviderFamily(eventType string) bool {
	return strings.HasPrefix(eventType, "provider-")
}

// IsFilterFamily reports whether the label is subject to the
// provider/credential/region filter sets.
func IsFilterFamily(eventType string) bool {
	return strings.HasPrefix(eventType, "kubernetes-") || strings.HasPrefix(eventType, "network-")
}
