// Package broker exposes the exchange core to local clients: a thin
// synchronous method surface served over the IPC socket. Clients are
// plugin processes (monitors, the package reporter) that enqueue
// messages, query queue state, and participate in shutdown.
package broker

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stewardsys/steward/pkg/config"
	"github.com/stewardsys/steward/pkg/exchange"
	"github.com/stewardsys/steward/pkg/identity"
	"github.com/stewardsys/steward/pkg/log"
	"github.com/stewardsys/steward/pkg/metrics"
	"github.com/stewardsys/steward/pkg/reactor"
	"github.com/stewardsys/steward/pkg/store"
	"github.com/stewardsys/steward/pkg/transport"
)

// TopicStopClients broadcasts shutdown to registered clients.
var TopicStopClients = reactor.T("stop-clients")

// Registrar triggers the registration flow that populates the identity.
// Registration itself is outside the exchange core.
type Registrar interface {
	Register() error
}

// RegisteredClient is one named local client.
type RegisteredClient struct {
	ID   string
	Name string
}

// BrokerServer is the method-call facade over the exchange core.
type BrokerServer struct {
	reactor   *reactor.Reactor
	exchanger *exchange.MessageExchange
	store     *store.MessageStore
	identity  *identity.Identity
	config    *config.Config
	transport *transport.HTTPTransport
	registrar Registrar
	onExit    func()
	logger    zerolog.Logger

	clients []RegisteredClient
}

// New creates the facade. transport and registrar may be nil when the
// corresponding operations are not served (tests, partial setups).
func New(r *reactor.Reactor, e *exchange.MessageExchange, s *store.MessageStore,
	id *identity.Identity, cfg *config.Config, t *transport.HTTPTransport) *BrokerServer {
	return &BrokerServer{
		reactor:   r,
		exchanger: e,
		store:     s,
		identity:  id,
		config:    cfg,
		transport: t,
		logger:    log.WithComponent("broker"),
	}
}

// SetRegistrar installs the registration hook.
func (b *BrokerServer) SetRegistrar(reg Registrar) {
	b.registrar = reg
}

// OnExit installs the shutdown callback invoked by Exit.
func (b *BrokerServer) OnExit(fn func()) {
	b.onExit = fn
}

// Ping reports liveness.
func (b *BrokerServer) Ping() bool {
	return true
}

// RegisterClient records a named client and returns its id.
func (b *BrokerServer) RegisterClient(name string) string {
	client := RegisteredClient{ID: uuid.New().String(), Name: name}
	b.clients = append(b.clients, client)
	metrics.RegisteredClients.Set(float64(len(b.clients)))
	b.logger.Info().Str("client", name).Msg("client registered")
	return client.ID
}

// RegisteredClients returns the registered clients in registration
// order.
func (b *BrokerServer) RegisteredClients() []RegisteredClient {
	return append([]RegisteredClient(nil), b.clients...)
}

// SendMessage enqueues a message on behalf of a client.
func (b *BrokerServer) SendMessage(message bson.M, urgent bool) (string, error) {
	return b.exchanger.Send(message, urgent)
}

// IsMessagePending reports whether a message id is still pending.
func (b *BrokerServer) IsMessagePending(id string) bool {
	return b.store.IsPending(id)
}

// StopClients broadcasts shutdown to registered clients.
func (b *BrokerServer) StopClients() {
	b.logger.Info().Int("clients", len(b.clients)).Msg("stopping clients")
	b.reactor.Fire(TopicStopClients)
}

// ReloadConfiguration re-reads the configuration file and applies the
// reloadable settings.
func (b *BrokerServer) ReloadConfiguration() error {
	b.StopClients()
	if err := b.config.Reload(); err != nil {
		return err
	}
	b.exchanger.SetIntervals(b.config.UrgentExchangeInterval(), b.config.ExchangeInterval())
	if b.transport != nil {
		b.transport.SetURL(b.config.URL)
	}
	b.logger.Info().Msg("configuration reloaded")
	return nil
}

// Register triggers the registration flow.
func (b *BrokerServer) Register() error {
	if b.registrar == nil {
		return fmt.Errorf("no registrar configured")
	}
	return b.registrar.Register()
}

// GetAcceptedMessageTypes returns the server-accepted message types.
func (b *BrokerServer) GetAcceptedMessageTypes() []string {
	return b.store.GetAcceptedTypes()
}

// GetServerUUID returns the management server's UUID, or "".
func (b *BrokerServer) GetServerUUID() string {
	return b.identity.ServerUUID()
}

// RegisterClientAcceptedMessageType records a message type some local
// client consumes.
func (b *BrokerServer) RegisterClientAcceptedMessageType(msgType string) {
	b.exchanger.RegisterClientAcceptedMessageType(msgType)
}

// Exit performs an orderly shutdown: clients stop, pre-exit cancels the
// exchange timers, then the exit callback tears the process down.
func (b *BrokerServer) Exit() {
	b.StopClients()
	b.reactor.Fire(exchange.TopicPreExit)
	if b.onExit != nil {
		b.onExit()
	}
}
