// Package plugin wires monitor-style plugins to the broker core. A
// plugin registers reactor subscriptions and enqueues messages through
// the broker facade; the registry carries the pieces every plugin needs.
package plugin

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stewardsys/steward/pkg/config"
	"github.com/stewardsys/steward/pkg/reactor"
	"github.com/stewardsys/steward/pkg/store"
)

// Broker is the facade surface plugins use.
type Broker interface {
	SendMessage(message bson.M, urgent bool) (string, error)
	GetAcceptedMessageTypes() []string
	RegisterClientAcceptedMessageType(msgType string)
}

// Plugin is one pluggable component.
type Plugin interface {
	// Register wires the plugin into the registry. Called once.
	Register(registry *Registry) error
}

// Registry hands plugins their collaborators and tracks registration.
type Registry struct {
	Reactor *reactor.Reactor
	Broker  Broker
	Config  *config.Config

	plugins []Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry(r *reactor.Reactor, b Broker, cfg *config.Config) *Registry {
	return &Registry{Reactor: r, Broker: b, Config: cfg}
}

// Add registers a plugin.
func (r *Registry) Add(p Plugin) error {
	if err := p.Register(r); err != nil {
		return fmt.Errorf("failed to register plugin: %w", err)
	}
	r.plugins = append(r.plugins, p)
	return nil
}

// Plugins returns the registered plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	return append([]Plugin(nil), r.plugins...)
}

// IsAccepted reports whether the server currently accepts a type.
func (r *Registry) IsAccepted(msgType string) bool {
	for _, t := range r.Broker.GetAcceptedMessageTypes() {
		if t == msgType {
			return true
		}
	}
	return false
}

// CallOnAccepted invokes fn whenever msgType becomes accepted, and
// immediately when it already is.
func (r *Registry) CallOnAccepted(msgType string, fn func()) {
	r.Reactor.CallOn(store.TopicMessageTypeAcceptanceChanged,
		func(args ...interface{}) (interface{}, error) {
			if len(args) < 2 {
				return nil, nil
			}
			changed, _ := args[0].(string)
			accepted, _ := args[1].(bool)
			if changed == msgType && accepted {
				fn()
			}
			return nil, nil
		})
	if r.IsAccepted(msgType) {
		fn()
	}
}
