// Package broker is the single inbound/outbound gateway of the worker: it
// multiplexes one-shot requests and connection-bound messages onto typed
// handlers, enforcing protocol-version and origin policy at the boundary.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/registry"
)

// Handler processes one message type. The returned value is marshaled into
// the Result payload; a returned error becomes a structured failure.
type Handler func(ctx context.Context, msg schemas.Message, sender schemas.Sender) (any, error)

// DisconnectHook runs after a connection is removed, enabling cache and
// per-tab state cleanup. Hook failures are logged, never propagated.
type DisconnectHook func(name string)

// ConnectHook runs after a connection is registered.
type ConnectHook func(c registry.Connection)

var (
	ErrUnhandledMessage = errors.New("unhandled message type")
	ErrExternalDenied   = errors.New("message type not allowed from external sender")
	ErrOriginMismatch   = errors.New("sender origin verification failed")
	ErrVersionMismatch  = errors.New("worker version mismatch")
)

// Config carries the broker's protocol policy.
type Config struct {
	// Version is the worker's protocol version; inbound messages carrying
	// a different non-empty version trigger the reload hook.
	Version string
	// TrustedOrigin is required on the sender for message types listed in
	// the trusted set. Empty disables origin verification.
	TrustedOrigin string
	// OnReload is invoked (at most once per mismatch) when a version
	// mismatch is detected; it should restart the worker process.
	OnReload func()
}

// Broker routes messages to registered handlers and owns the connection
// lifecycle callbacks. It wraps the connection registry; all pushes go
// through Broadcast or the registry it exposes.
type Broker struct {
	cfg      Config
	log      *zap.Logger
	registry *registry.Registry

	mu       sync.RWMutex
	handlers map[schemas.MessageType]Handler

	// external lists the message types accepted from cross-extension or
	// website senders; everything else is rejected at the boundary.
	external map[schemas.MessageType]struct{}
	// trusted lists the credential-bearing message types requiring strict
	// sender-origin verification.
	trusted map[schemas.MessageType]struct{}

	hookMu          sync.Mutex
	connectHooks    []ConnectHook
	disconnectHooks []DisconnectHook
}

// New creates a broker over the given registry.
func New(cfg Config, reg *registry.Registry, logger *zap.Logger) *Broker {
	return &Broker{
		cfg:      cfg,
		log:      logger.Named("broker"),
		registry: reg,
		handlers: make(map[schemas.MessageType]Handler),
		external: map[schemas.MessageType]struct{}{
			schemas.MessageAccountFork:  {},
			schemas.MessageAccountProbe: {},
			schemas.MessagePing:         {},
		},
		trusted: map[schemas.MessageType]struct{}{
			schemas.MessageAuthUnlock:       {},
			schemas.MessageAutosaveRequest:  {},
			schemas.MessageFormEntryCommit:  {},
			schemas.MessageFormEntryRequest: {},
			schemas.MessageFormEntryStage:   {},
			schemas.MessageFormEntryStash:   {},
		},
	}
}

// Registry exposes the underlying connection registry for query primitives.
func (b *Broker) Registry() *registry.Registry { return b.registry }

// RegisterHandler binds exactly one handler per message type for the
// worker's lifetime. Registering the same type twice is a programmer
// error and panics at service start.
func (b *Broker) RegisterHandler(t schemas.MessageType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.handlers[t]; dup {
		panic(fmt.Sprintf("broker: handler already registered for %q", t))
	}
	b.handlers[t] = h
}

// OnConnect registers a hook invoked after every new connection.
func (b *Broker) OnConnect(hook ConnectHook) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.connectHooks = append(b.connectHooks, hook)
}

// OnDisconnect registers a cleanup hook invoked after a connection drops.
func (b *Broker) OnDisconnect(hook DisconnectHook) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.disconnectHooks = append(b.disconnectHooks, hook)
}

// Connect registers a new connection and runs the connect hooks.
func (b *Broker) Connect(c registry.Connection) {
	b.registry.Add(c)

	b.hookMu.Lock()
	hooks := append([]ConnectHook(nil), b.connectHooks...)
	b.hookMu.Unlock()

	for _, hook := range hooks {
		hook(c)
	}
}

// Disconnect removes the named connection and runs cleanup hooks. Hook
// panics are contained: a failing cache flush must not take down the
// dispatch loop.
func (b *Broker) Disconnect(name string) {
	if b.registry.Remove(name) == nil {
		return
	}

	b.hookMu.Lock()
	hooks := append([]DisconnectHook(nil), b.disconnectHooks...)
	b.hookMu.Unlock()

	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("disconnect hook panicked",
						zap.String("name", name), zap.Any("panic", r))
				}
			}()
			hook(name)
		}()
	}
}

// Dispatch routes one message to its handler and returns a structured
// result. Protocol errors (unknown type, external denial, origin mismatch,
// version mismatch) are rejected here and never reach a handler; handler
// errors and panics are folded into a failure result so a client never
// observes an unhandled rejection.
func (b *Broker) Dispatch(ctx context.Context, msg schemas.Message, sender schemas.Sender) schemas.Result {
	if msg.Version != "" && msg.Version != b.cfg.Version {
		b.log.Warn("protocol version mismatch, scheduling worker reload",
			zap.String("got", msg.Version), zap.String("want", b.cfg.Version))
		if b.cfg.OnReload != nil {
			b.cfg.OnReload()
		}
		return schemas.Failure(ErrVersionMismatch)
	}

	if sender.External {
		if _, ok := b.external[msg.Type]; !ok {
			b.log.Warn("rejected external message",
				zap.String("type", string(msg.Type)), zap.String("origin", sender.Origin))
			return schemas.Failure(ErrExternalDenied)
		}
	}

	if _, sensitive := b.trusted[msg.Type]; sensitive && b.cfg.TrustedOrigin != "" {
		if sender.Origin != b.cfg.TrustedOrigin {
			b.log.Warn("origin verification failed for sensitive message",
				zap.String("type", string(msg.Type)), zap.String("origin", sender.Origin))
			return schemas.Failure(ErrOriginMismatch)
		}
	}

	b.mu.RLock()
	handler, ok := b.handlers[msg.Type]
	b.mu.RUnlock()
	if !ok {
		return schemas.Failure(fmt.Errorf("%w: %s", ErrUnhandledMessage, msg.Type))
	}

	data, err := b.invoke(ctx, handler, msg, sender)
	if err != nil {
		b.log.Debug("handler returned error",
			zap.String("type", string(msg.Type)), zap.Error(err))
		return schemas.Failure(err)
	}
	return schemas.Success(data)
}

// invoke runs a handler with panic containment.
func (b *Broker) invoke(ctx context.Context, h Handler, msg schemas.Message, sender schemas.Sender) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked",
				zap.String("type", string(msg.Type)), zap.Any("panic", r))
			data, err = nil, fmt.Errorf("handler failure for %s", msg.Type)
		}
	}()
	return h(ctx, msg, sender)
}

// Broadcast delivers a message to every open connection matching the
// filter. When no client is connected at all, the message is buffered for
// the next popup connect instead of being dropped.
func (b *Broker) Broadcast(msg schemas.Message, filter registry.Filter) {
	if b.registry.Len() == 0 {
		b.registry.BufferPush(msg)
		return
	}
	b.registry.Broadcast(msg, filter)
}
