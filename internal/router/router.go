// Package router fans normalized frames out to WebSocket subscribers.
// Each client holds a set of (entity, data type) subscriptions where the
// entity is a robot alias or the GLOBAL sentinel matching every robot.
package router

import (
	"sync"

	"github.com/omnifleet/robot-bridge/internal/frame"
	"github.com/omnifleet/robot-bridge/internal/metrics"
	"go.uber.org/zap"
)

// GlobalKey is the wildcard entity matching every robot.
const GlobalKey = "__GLOBAL__"

// Sender delivers one message to a UI client. Implementations serialize
// concurrent sends to the same client themselves.
type Sender interface {
	Send(payload []byte) error
}

type Router struct {
	mu      sync.Mutex
	clients map[string]Sender
	// subs[client][entity] = set of data types
	subs   map[string]map[string]map[string]struct{}
	logger *zap.Logger
}

func New(logger *zap.Logger) *Router {
	return &Router{
		clients: make(map[string]Sender),
		subs:    make(map[string]map[string]map[string]struct{}),
		logger:  logger,
	}
}

// AddClient registers a UI client under a stable id.
func (r *Router) AddClient(id string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = s
	metrics.UIClientsConnected.Set(float64(len(r.clients)))
}

// RemoveClient drops the client and all of its subscriptions.
func (r *Router) RemoveClient(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeClientLocked(id)
}

func (r *Router) removeClientLocked(id string) {
	delete(r.clients, id)
	delete(r.subs, id)
	metrics.UIClientsConnected.Set(float64(len(r.clients)))
}

// Subscribe adds (entity, dataType) for the client. Double subscription
// is a no-op.
func (r *Router) Subscribe(id, entity, dataType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byEntity, ok := r.subs[id]
	if !ok {
		byEntity = make(map[string]map[string]struct{})
		r.subs[id] = byEntity
	}
	types, ok := byEntity[entity]
	if !ok {
		types = make(map[string]struct{})
		byEntity[entity] = types
	}
	types[dataType] = struct{}{}
}

// Unsubscribe removes (entity, dataType) for the client and reports
// whether the subscription existed. Empty sets and maps are pruned.
func (r *Router) Unsubscribe(id, entity, dataType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byEntity, ok := r.subs[id]
	if !ok {
		return false
	}
	types, ok := byEntity[entity]
	if !ok {
		return false
	}
	if _, ok := types[dataType]; !ok {
		return false
	}
	delete(types, dataType)
	if len(types) == 0 {
		delete(byEntity, entity)
	}
	if len(byEntity) == 0 {
		delete(r.subs, id)
	}
	return true
}

// HasSubscription reports whether the client currently holds
// (entity, dataType).
func (r *Router) HasSubscription(id, entity, dataType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	types, ok := r.subs[id][entity]
	if !ok {
		return false
	}
	_, ok = types[dataType]
	return ok
}

// Broadcast delivers the envelope to every client subscribed to
// (alias, type) or (GLOBAL, type), exactly once per client even when
// both match. Clients whose send fails are removed atomically from the
// client set and the subscription map.
func (r *Router) Broadcast(env *frame.Envelope) {
	payload, err := env.Encode()
	if err != nil {
		r.logger.Error("encoding broadcast envelope", zap.Error(err))
		return
	}

	r.mu.Lock()
	targets := make(map[string]Sender)
	for id, byEntity := range r.subs {
		sender, live := r.clients[id]
		if !live {
			continue
		}
		if hasType(byEntity[env.RobotAlias], env.Type) || hasType(byEntity[GlobalKey], env.Type) {
			targets[id] = sender
		}
	}
	r.mu.Unlock()

	r.deliver(targets, payload, env.Type)
}

// BroadcastAll sends an event payload to every connected UI client,
// regardless of subscriptions. Used for robot add/remove announcements.
func (r *Router) BroadcastAll(payload []byte) {
	r.mu.Lock()
	targets := make(map[string]Sender, len(r.clients))
	for id, sender := range r.clients {
		targets[id] = sender
	}
	r.mu.Unlock()

	r.deliver(targets, payload, "event")
}

func (r *Router) deliver(targets map[string]Sender, payload []byte, dataType string) {
	var failed []string
	for id, sender := range targets {
		if err := sender.Send(payload); err != nil {
			r.logger.Warn("UI send failed, removing client",
				zap.String("client", id),
				zap.Error(err),
			)
			failed = append(failed, id)
			continue
		}
		metrics.RouterSendsTotal.WithLabelValues(dataType).Inc()
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, id := range failed {
			r.removeClientLocked(id)
			metrics.RouterSendFailuresTotal.Inc()
		}
		r.mu.Unlock()
	}
}

// HasClient reports whether the client id is registered.
func (r *Router) HasClient(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[id]
	return ok
}

func hasType(types map[string]struct{}, dataType string) bool {
	if types == nil {
		return false
	}
	_, ok := types[dataType]
	return ok
}
