// Package registry tracks live bidirectional client connections and owns
// the notification buffer used while no client is connected.
package registry

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
)

// Connection is one named, bidirectional channel to a client context. The
// registry owns the mapping from name to connection exclusively; transports
// implement this interface.
type Connection interface {
	Name() string
	Endpoint() schemas.ClientEndpoint
	TabID() int64
	Send(msg schemas.Message) error
}

// Filter selects connections by name. A nil filter matches everything.
type Filter func(name string) bool

// Registry is the only structure mutated from multiple call sites
// (connect/disconnect callbacks plus broker dispatch), so every iteration
// works on a snapshot taken under the read lock.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Connection
	buffer []schemas.Message
	log    *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		conns: make(map[string]Connection),
		log:   logger.Named("registry"),
	}
}

// MakeName builds a connection name encoding the endpoint kind, the owning
// tab and a random suffix: "{endpoint}-{tab}-{suffix}".
func MakeName(endpoint schemas.ClientEndpoint, tabID int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", endpoint, tabID, suffix)
}

// ParseName splits a connection name back into its endpoint kind and tab id.
func ParseName(name string) (schemas.ClientEndpoint, int64, error) {
	parts := strings.Split(name, "-")
	if len(parts) < 3 {
		return "", 0, fmt.Errorf("malformed connection name %q", name)
	}
	tabID, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed tab id in connection name %q: %w", name, err)
	}
	endpoint := schemas.ClientEndpoint(strings.Join(parts[:len(parts)-2], "-"))
	switch endpoint {
	case schemas.EndpointContentScript, schemas.EndpointPopup, schemas.EndpointPage, schemas.EndpointRecovery:
		return endpoint, tabID, nil
	}
	return "", 0, fmt.Errorf("unknown endpoint kind in connection name %q", name)
}

// Add registers a connection under its name. A duplicate name replaces the
// previous connection; the transport guarantees uniqueness via the random
// suffix, so a collision means a reconnect of the same client.
func (r *Registry) Add(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.Name()] = c
	r.log.Debug("connection added",
		zap.String("name", c.Name()),
		zap.String("endpoint", string(c.Endpoint())),
		zap.Int64("tab_id", c.TabID()))
}

// Remove drops the named connection and returns it, or nil when unknown.
func (r *Registry) Remove(name string) Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[name]
	if !ok {
		return nil
	}
	delete(r.conns, name)
	r.log.Debug("connection removed", zap.String("name", name))
	return c
}

// Get returns the named connection, or nil.
func (r *Registry) Get(name string) Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[name]
}

// Query returns a snapshot of connections whose name matches the filter.
func (r *Registry) Query(filter Filter) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0, len(r.conns))
	for name, c := range r.conns {
		if filter == nil || filter(name) {
			out = append(out, c)
		}
	}
	return out
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast delivers a message to every open connection matching the
// filter. Sends happen outside the lock on a snapshot, so a concurrent
// disconnect cannot invalidate the iteration; delivery to a closed or
// errored connection is swallowed, never fatal.
func (r *Registry) Broadcast(msg schemas.Message, filter Filter) {
	for _, c := range r.Query(filter) {
		if err := c.Send(msg); err != nil {
			r.log.Debug("broadcast delivery failed",
				zap.String("name", c.Name()), zap.Error(err))
		}
	}
}

// ForEndpoint returns a filter matching connections of one endpoint kind.
func ForEndpoint(endpoint schemas.ClientEndpoint) Filter {
	prefix := string(endpoint) + "-"
	return func(name string) bool { return strings.HasPrefix(name, prefix) }
}

// ForTab returns a filter matching connections owned by one tab.
func ForTab(endpoint schemas.ClientEndpoint, tabID int64) Filter {
	prefix := fmt.Sprintf("%s-%d-", endpoint, tabID)
	return func(name string) bool { return strings.HasPrefix(name, prefix) }
}

// BufferPush queues a broadcast for delivery once a client connects. The
// buffer is not persisted across worker restarts.
func (r *Registry) BufferPush(msg schemas.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = append(r.buffer, msg)
}

// BufferFlush delivers every buffered message to the given connection in
// FIFO order, then clears the buffer. Delivery failures drop the remainder;
// a client that disconnects mid-flush reconnects into an empty buffer
// rather than replaying half-delivered state.
func (r *Registry) BufferFlush(c Connection) {
	r.mu.Lock()
	pending := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	for i, msg := range pending {
		if err := c.Send(msg); err != nil {
			r.log.Warn("notification buffer flush interrupted",
				zap.String("name", c.Name()),
				zap.Int("delivered", i),
				zap.Int("pending", len(pending)-i),
				zap.Error(err))
			return
		}
	}
}

// BufferLen reports the number of undelivered notifications.
func (r *Registry) BufferLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buffer)
}
