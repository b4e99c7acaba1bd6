// Package event provides the lifecycle event registry. The engine emits
// job_complete, job_failed and task_failed; consumers such as the mail
// notifier register named hooks against them.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dagobah-org/dagobah/internal/logger"
)

// Event names emitted by the engine.
const (
	JobComplete = "job_complete"
	JobFailed   = "job_failed"
	TaskFailed  = "task_failed"
)

var (
	ErrHookExists   = errors.New("hook is already registered for event")
	ErrHookNotFound = errors.New("hook is not registered for event")
)

// Hook consumes one emitted event. The payload is the strict-JSON
// serialization decoded into a fresh map per hook, so a hook may mutate
// it freely without affecting other hooks.
type Hook func(ctx context.Context, payload map[string]any)

type namedHook struct {
	name string
	hook Hook
}

// Handler is a registry of named hooks keyed by event. Hooks run in
// registration order; a panicking hook is logged and never affects the
// emitter or the remaining hooks.
type Handler struct {
	mu    sync.RWMutex
	hooks map[string][]namedHook
}

// NewHandler returns an empty registry.
func NewHandler() *Handler {
	return &Handler{hooks: make(map[string][]namedHook)}
}

// Register adds a named hook for an event. Names are unique per event so
// hooks can be deregistered later.
func (h *Handler) Register(eventName, hookName string, hook Hook) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, registered := range h.hooks[eventName] {
		if registered.name == hookName {
			return fmt.Errorf("%w: %s/%s", ErrHookExists, eventName, hookName)
		}
	}
	h.hooks[eventName] = append(h.hooks[eventName], namedHook{name: hookName, hook: hook})
	return nil
}

// Deregister removes a named hook from an event.
func (h *Handler) Deregister(eventName, hookName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, registered := range h.hooks[eventName] {
		if registered.name == hookName {
			h.hooks[eventName] = append(h.hooks[eventName][:i], h.hooks[eventName][i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrHookNotFound, eventName, hookName)
}

// Emit serializes the payload once and invokes every hook registered for
// the event with its own decoded copy.
func (h *Handler) Emit(ctx context.Context, eventName string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error(ctx, "Failed to serialize event payload", "event", eventName, "err", err)
		return
	}

	h.mu.RLock()
	hooks := make([]namedHook, len(h.hooks[eventName]))
	copy(hooks, h.hooks[eventName])
	h.mu.RUnlock()

	for _, registered := range hooks {
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			logger.Error(ctx, "Failed to decode event payload", "event", eventName, "err", err)
			return
		}
		h.invoke(ctx, eventName, registered, decoded)
	}
}

func (h *Handler) invoke(ctx context.Context, eventName string, registered namedHook, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Panic in event hook",
				"event", eventName, "hook", registered.name, "recovered", r)
		}
	}()
	registered.hook(ctx, payload)
}
