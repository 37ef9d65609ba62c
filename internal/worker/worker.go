// Package worker binds the services together behind the message broker:
// it registers every message handler, relays lifecycle callbacks between
// services and pushes state changes out to connected clients.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/apiclient"
	"github.com/kestrelvault/kestrel/internal/auth"
	"github.com/kestrelvault/kestrel/internal/autosave"
	"github.com/kestrelvault/kestrel/internal/broker"
	"github.com/kestrelvault/kestrel/internal/formtracker"
	"github.com/kestrelvault/kestrel/internal/registry"
	"github.com/kestrelvault/kestrel/internal/tracker"
)

// Config wires the worker's collaborators.
type Config struct {
	Version  string
	Broker   *broker.Broker
	Auth     *auth.Service
	Forms    *formtracker.Service
	Autosave *autosave.Engine
	Tabs     *tracker.Tabs
	Logger   *zap.Logger
}

// Service is the top-level glue. It owns no domain state of its own.
type Service struct {
	version  string
	broker   *broker.Broker
	auth     *auth.Service
	forms    *formtracker.Service
	autosave *autosave.Engine
	tabs     *tracker.Tabs
	log      *zap.Logger
}

// New registers every handler and hook. Call once at startup.
func New(c Config) *Service {
	s := &Service{
		version:  c.Version,
		broker:   c.Broker,
		auth:     c.Auth,
		forms:    c.Forms,
		autosave: c.Autosave,
		tabs:     c.Tabs,
		log:      c.Logger.Named("worker"),
	}
	s.registerHandlers()
	s.broker.OnConnect(s.handleConnect)
	return s
}

func (s *Service) registerHandlers() {
	b := s.broker
	b.RegisterHandler(schemas.MessagePing, s.handlePing)
	b.RegisterHandler(schemas.MessageWorkerWakeup, s.handleWakeup)
	b.RegisterHandler(schemas.MessageAuthInit, s.handleAuthInit)
	b.RegisterHandler(schemas.MessageAuthCheck, s.handleAuthCheck)
	b.RegisterHandler(schemas.MessageAuthUnlock, s.handleAuthUnlock)
	b.RegisterHandler(schemas.MessageAccountFork, s.handleAccountFork)
	b.RegisterHandler(schemas.MessageAccountProbe, s.handleAccountProbe)
	b.RegisterHandler(schemas.MessageFormEntryStage, s.handleFormStage)
	b.RegisterHandler(schemas.MessageFormEntryCommit, s.handleFormCommit)
	b.RegisterHandler(schemas.MessageFormEntryStash, s.handleFormStash)
	b.RegisterHandler(schemas.MessageFormEntryRequest, s.handleFormRequest)
	b.RegisterHandler(schemas.MessageAutosaveRequest, s.handleAutosaveRequest)
	b.RegisterHandler(schemas.MessageTabsQuery, s.handleTabsQuery)
	b.RegisterHandler(schemas.MessagePortForwarding, s.handlePortForwarding)
}

// OnStatusChange is installed as the auth service's status callback: the
// new state is broadcast to every client, and popups are told explicitly
// when the session stops being usable.
func (s *Service) OnStatusChange(status schemas.AppStatus) {
	state := s.auth.State(s.version)
	payload, err := json.Marshal(state)
	if err != nil {
		s.log.Error("failed to encode state change", zap.Error(err))
		return
	}
	s.broker.Broadcast(schemas.Message{
		Type:    schemas.MessageStateChange,
		Payload: payload,
	}, nil)

	if !status.Ready() {
		s.broker.Registry().Broadcast(schemas.Message{
			Type: schemas.MessagePortUnauthorized,
		}, registry.ForEndpoint(schemas.EndpointPopup))
	}
}

// OnNotification is installed as the auth service's notification callback.
func (s *Service) OnNotification(text string) {
	s.Notify(schemas.Notification{Type: "error", Text: text})
}

// Notify broadcasts a user-facing notification, buffering it when no
// client is connected.
func (s *Service) Notify(n schemas.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	s.broker.Broadcast(schemas.Message{
		Type:    schemas.MessageNotification,
		Payload: payload,
	}, nil)
}

// PushFormStatus delivers a form status update to the content scripts of
// the tab that staged the submission.
func (s *Service) PushFormStatus(tabID int64, p schemas.FormStatusPayload) {
	payload, err := json.Marshal(p)
	if err != nil {
		return
	}
	s.broker.Registry().Broadcast(schemas.Message{
		Type:    schemas.MessageFormStatus,
		Payload: payload,
	}, registry.ForTab(schemas.EndpointContentScript, tabID))
}

// handleConnect flushes buffered notifications to a fresh popup and tells
// it immediately when the session is unusable.
func (s *Service) handleConnect(c registry.Connection) {
	if c.Endpoint() != schemas.EndpointPopup {
		return
	}
	s.broker.Registry().BufferFlush(c)
	if !s.auth.Status().Ready() {
		if err := c.Send(schemas.Message{Type: schemas.MessagePortUnauthorized}); err != nil {
			s.log.Debug("failed to push unauthorized notice", zap.Error(err))
		}
	}
}

func (s *Service) handlePing(_ context.Context, _ schemas.Message, _ schemas.Sender) (any, error) {
	return map[string]string{"pong": s.version}, nil
}

func (s *Service) handleWakeup(ctx context.Context, _ schemas.Message, _ schemas.Sender) (any, error) {
	if _, err := s.auth.Init(ctx); err != nil {
		s.log.Warn("init during wakeup failed", zap.Error(err))
	}
	s.auth.CheckActivity(ctx)
	return s.auth.State(s.version), nil
}

func (s *Service) handleAuthInit(ctx context.Context, _ schemas.Message, _ schemas.Sender) (any, error) {
	if _, err := s.auth.Init(ctx); err != nil {
		return nil, err
	}
	return s.auth.State(s.version), nil
}

func (s *Service) handleAuthCheck(_ context.Context, _ schemas.Message, _ schemas.Sender) (any, error) {
	return s.auth.State(s.version), nil
}

func (s *Service) handleAuthUnlock(ctx context.Context, msg schemas.Message, _ schemas.Sender) (any, error) {
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed unlock payload: %w", err)
	}
	if err := s.auth.Unlock(ctx, payload.Secret); err != nil {
		return nil, err
	}
	return s.auth.State(s.version), nil
}

func (s *Service) handleAccountFork(ctx context.Context, msg schemas.Message, _ schemas.Sender) (any, error) {
	var payload apiclient.ForkPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed fork payload: %w", err)
	}
	ok, err := s.auth.ConsumeFork(ctx, payload)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"loggedIn": ok}, nil
}

func (s *Service) handleAccountProbe(_ context.Context, _ schemas.Message, _ schemas.Sender) (any, error) {
	return map[string]any{
		"status":  s.auth.Status(),
		"version": s.version,
	}, nil
}

func (s *Service) handleFormStage(ctx context.Context, msg schemas.Message, sender schemas.Sender) (any, error) {
	var payload schemas.FormSubmitPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed stage payload: %w", err)
	}
	entry, err := s.forms.Stage(sender.TabID, payload)
	if err != nil {
		return nil, err
	}
	s.auth.CheckActivity(ctx)
	return entry, nil
}

func (s *Service) handleFormCommit(ctx context.Context, msg schemas.Message, sender schemas.Sender) (any, error) {
	var payload schemas.FormEntryCommitPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed commit payload: %w", err)
	}
	var domain string
	if origin, ok := s.tabs.Origin(sender.TabID); ok {
		domain = origin.Domain
	}
	entry, err := s.forms.Commit(sender.TabID, domain, payload.Reason)
	if err != nil {
		return nil, err
	}
	s.auth.CheckActivity(ctx)
	return entry, nil
}

func (s *Service) handleFormStash(ctx context.Context, msg schemas.Message, sender schemas.Sender) (any, error) {
	var payload schemas.FormEntryStashPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed stash payload: %w", err)
	}
	if err := s.forms.Stash(sender.TabID, payload.Reason); err != nil {
		return nil, err
	}
	s.auth.CheckActivity(ctx)
	return nil, nil
}

func (s *Service) handleFormRequest(_ context.Context, _ schemas.Message, sender schemas.Sender) (any, error) {
	return s.forms.Get(sender.TabID)
}

// handleAutosaveRequest evaluates the committed entry of the sender's tab
// against the vault.
func (s *Service) handleAutosaveRequest(ctx context.Context, _ schemas.Message, sender schemas.Sender) (any, error) {
	entry, err := s.forms.Get(sender.TabID)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Status != schemas.FormEntryCommitted {
		return schemas.AutosavePrompt{}, nil
	}
	return s.autosave.Evaluate(ctx, *entry)
}

func (s *Service) handleTabsQuery(_ context.Context, _ schemas.Message, _ schemas.Sender) (any, error) {
	return s.tabs.Query(), nil
}

// handlePortForwarding relays a payload to a named connection, for
// client-to-client messaging through the worker.
func (s *Service) handlePortForwarding(_ context.Context, msg schemas.Message, _ schemas.Sender) (any, error) {
	var payload schemas.PortForward
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed forwarding payload: %w", err)
	}
	target := s.broker.Registry().Get(payload.ForwardTo)
	if target == nil {
		return nil, fmt.Errorf("no connection named %q", payload.ForwardTo)
	}
	if err := target.Send(schemas.Message{
		Type:    schemas.MessagePortForwarding,
		Payload: payload.Payload,
	}); err != nil {
		return nil, fmt.Errorf("failed to forward to %q: %w", payload.ForwardTo, err)
	}
	return nil, nil
}
