package sse

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cloudmesh-io/cmp/internal/event"
	"github.com/cloudmesh-io/cmp/internal/eventstore"
)

// sendBuffer bounds the per-connection command channel between the
// dispatcher and the connection's writer task. A client that cannot drain
// it is cancelled; replay covers the gap on reconnect.
const sendBuffer = 32

// connection is the in-memory state of one live SSE session. The writer
// handle stays with the serving task; other tasks signal through send.
type connection struct {
	id          string
	userID      string
	workspaceID string

	mu          sync.RWMutex
	eventTypes  map[string]struct{}
	vmIDs       map[string]struct{}
	providerIDs map[string]struct{}
	providers   map[string]struct{}
	credentials map[string]struct{}
	regions     map[string]struct{}
	resources   map[string]struct{}
	lastSeen    time.Time

	send   chan Frame
	ctx    context.Context
	cancel context.CancelFunc
}

func newConnection(parent context.Context, id, userID, workspaceID string) *connection {
	ctx, cancel := context.WithCancel(parent)
	return &connection{
		id:          id,
		userID:      userID,
		workspaceID: workspaceID,
		eventTypes:  make(map[string]struct{}),
		vmIDs:       make(map[string]struct{}),
		providerIDs: make(map[string]struct{}),
		providers:   make(map[string]struct{}),
		credentials: make(map[string]struct{}),
		regions:     make(map[string]struct{}),
		resources:   make(map[string]struct{}),
		lastSeen:    time.Now(),
		send:        make(chan Frame, sendBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *connection) lastSeenAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *connection) addEventType(eventType string) {
	c.mu.Lock()
	c.eventTypes[eventType] = struct{}{}
	c.mu.Unlock()
}

func (c *connection) removeEventType(eventType string) {
	c.mu.Lock()
	delete(c.eventTypes, eventType)
	c.mu.Unlock()
}

func (c *connection) mergeFilters(f *eventstore.Filters) {
	if f == nil {
		return
	}
	c.mu.Lock()
	for _, p := range f.Providers {
		c.providers[p] = struct{}{}
	}
	for _, id := range f.CredentialIDs {
		c.credentials[id] = struct{}{}
	}
	for _, r := range f.Regions {
		c.regions[r] = struct{}{}
	}
	for _, rt := range f.ResourceTypes {
		c.resources[rt] = struct{}{}
	}
	c.mu.Unlock()
}

// matches applies the delivery rules for one bus event against this
// connection's subscription state.
func (c *connection) matches(label string, ev *event.Event) bool {
	if event.IsSystemType(label) {
		return true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.eventTypes) > 0 {
		if _, ok := c.eventTypes[label]; !ok {
			return false
		}
	}

	switch {
	case event.IsVMFamily(label):
		vmID, ok := stringField(ev.Data, "vmId")
		if !ok {
			return false
		}
		_, subscribed := c.vmIDs[vmID]
		return subscribed
	case event.IsProviderFamily(label):
		provider, ok := stringField(ev.Data, "provider")
		if !ok {
			return false
		}
		_, subscribed := c.providerIDs[provider]
		return subscribed
	case event.IsFilterFamily(label):
		if len(c.providers) > 0 {
			provider, ok := stringField(ev.Data, "provider")
			if !ok {
				return false
			}
			if _, match := c.providers[provider]; !match {
				return false
			}
		}
		if len(c.credentials) > 0 {
			credential, ok := stringField(ev.Data, "credential_id")
			if !ok {
				credential, ok = stringField(ev.Data, "credentialId")
			}
			if !ok {
				return false
			}
			if _, match := c.credentials[credential]; !match {
				return false
			}
		}
		if len(c.regions) > 0 {
			region, ok := stringField(ev.Data, "region")
			if !ok {
				return false
			}
			if _, match := c.regions[region]; !match {
				return false
			}
		}
		return true
	}

	return true
}

// snapshot copies the connection state for the Redis mirror and the
// control endpoints.
func (c *connection) snapshot() *eventstore.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &eventstore.ConnectionState{
		ID:          c.id,
		UserID:      c.userID,
		WorkspaceID: c.workspaceID,
		EventTypes:  setToSlice(c.eventTypes),
		VMIDs:       setToSlice(c.vmIDs),
		ProviderIDs: setToSlice(c.providerIDs),
		Filters: eventstore.Filters{
			Providers:     setToSlice(c.providers),
			CredentialIDs: setToSlice(c.credentials),
			Regions:       setToSlice(c.regions),
			ResourceTypes: setToSlice(c.resources),
		},
		LastSeen: c.lastSeen.Unix(),
	}
}

func stringField(data map[string]any, key string) (string, bool) {
	if data == nil {
		return "", false
	}
	v, ok := data[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func setToSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
