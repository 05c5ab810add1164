package broker

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stewardsys/steward/pkg/config"
	"github.com/stewardsys/steward/pkg/exchange"
	"github.com/stewardsys/steward/pkg/identity"
	"github.com/stewardsys/steward/pkg/ipc"
	"github.com/stewardsys/steward/pkg/persist"
	"github.com/stewardsys/steward/pkg/reactor"
	"github.com/stewardsys/steward/pkg/schema"
	"github.com/stewardsys/steward/pkg/store"
)

type nullTransport struct{}

func (nullTransport) Exchange(payload bson.M, computerID, messageAPI string) (bson.M, error) {
	return nil, errors.New("no server")
}

type fixture struct {
	dir      string
	reactor  *reactor.Reactor
	store    *store.MessageStore
	identity *identity.Identity
	broker   *BrokerServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	r := reactor.New()
	p := persist.New(filepath.Join(dir, "message-store"))
	require.NoError(t, p.Load())
	s, err := store.New(p, r, dir)
	require.NoError(t, err)
	s.AddSchema(schema.NewMessage("empty", nil))
	require.NoError(t, s.SetAcceptedTypes([]string{"empty", "resynchronize"}))

	idPersist := persist.New(filepath.Join(dir, "identity"))
	require.NoError(t, idPersist.Load())
	id := identity.New(idPersist)

	e := exchange.New(r, s, nullTransport{}, id, exchange.Config{})
	b := New(r, e, s, id, config.Default(), nil)
	return &fixture{dir: dir, reactor: r, store: s, identity: id, broker: b}
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.broker.Ping())
}

func TestRegisterClient(t *testing.T) {
	f := newFixture(t)

	id1 := f.broker.RegisterClient("monitor")
	id2 := f.broker.RegisterClient("package-reporter")
	assert.NotEqual(t, id1, id2)

	clients := f.broker.RegisteredClients()
	require.Len(t, clients, 2)
	assert.Equal(t, "monitor", clients[0].Name)
	assert.Equal(t, "package-reporter", clients[1].Name)
}

func TestSendMessageAndPendingQuery(t *testing.T) {
	f := newFixture(t)

	id, err := f.broker.SendMessage(bson.M{"type": "empty"}, false)
	require.NoError(t, err)
	assert.True(t, f.broker.IsMessagePending(id))
	assert.False(t, f.broker.IsMessagePending("p:000000099"))
}

func TestSendMessageRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.broker.SendMessage(bson.M{"type": "bogus"}, false)
	var ie *schema.InvalidError
	assert.ErrorAs(t, err, &ie)
}

func TestStopClientsFiresEvent(t *testing.T) {
	f := newFixture(t)
	fired := 0
	f.reactor.CallOn(TopicStopClients, func(args ...interface{}) (interface{}, error) {
		fired++
		return nil, nil
	})
	f.broker.StopClients()
	assert.Equal(t, 1, fired)
}

func TestGetAcceptedMessageTypes(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"empty", "resynchronize"}, f.broker.GetAcceptedMessageTypes())
}

func TestGetServerUUID(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "", f.broker.GetServerUUID())
	f.identity.SetServerUUID("uuid-42")
	assert.Equal(t, "uuid-42", f.broker.GetServerUUID())
}

func TestRegisterWithoutRegistrarFails(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.broker.Register())
}

type fakeRegistrar struct {
	called int
}

func (r *fakeRegistrar) Register() error {
	r.called++
	return nil
}

func TestRegisterDelegates(t *testing.T) {
	f := newFixture(t)
	reg := &fakeRegistrar{}
	f.broker.SetRegistrar(reg)
	require.NoError(t, f.broker.Register())
	assert.Equal(t, 1, reg.called)
}

func TestExitFiresPreExitAndCallback(t *testing.T) {
	f := newFixture(t)
	preExit := 0
	f.reactor.CallOn(exchange.TopicPreExit, func(args ...interface{}) (interface{}, error) {
		preExit++
		return nil, nil
	})
	exited := 0
	f.broker.OnExit(func() { exited++ })

	f.broker.Exit()
	assert.Equal(t, 1, preExit)
	assert.Equal(t, 1, exited)
}

func TestReloadConfiguration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
url: https://steward.example.com/exchange
data_dir: `+dir+`
exchange_interval: 900
`), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	f := newFixture(t)
	f.broker.config = cfg

	require.NoError(t, os.WriteFile(path, []byte(`
url: https://steward.example.com/exchange
data_dir: `+dir+`
exchange_interval: 1800
urgent_exchange_interval: 30
`), 0o644))
	require.NoError(t, f.broker.ReloadConfiguration())

	urgent, regular := f.broker.exchanger.GetExchangeIntervals()
	assert.Equal(t, cfg.UrgentExchangeInterval(), urgent)
	assert.Equal(t, cfg.ExchangeInterval(), regular)
}

func TestMethodsOverIPC(t *testing.T) {
	f := newFixture(t)
	socket := filepath.Join(f.dir, "broker.sock")
	server := ipc.NewServer(f.reactor, socket)
	f.broker.RegisterMethods(server)
	require.NoError(t, server.Start())
	defer server.Stop()

	client, err := ipc.Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Call("ping")
	require.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = client.Call("register_client", "monitor")
	require.NoError(t, err)
	assert.NotEmpty(t, result)

	result, err = client.Call("send_message", bson.M{"type": "empty"}, true)
	require.NoError(t, err)
	messageID := result.(string)

	result, err = client.Call("is_message_pending", messageID)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = client.Call("get_accepted_message_types")
	require.NoError(t, err)
	types := result.(bson.A)
	assert.Len(t, types, 2)

	result, err = client.Call("get_server_uuid")
	require.NoError(t, err)
	assert.Equal(t, "", result)

	_, err = client.Call("register_client_accepted_message_type", "packages")
	require.NoError(t, err)

	_, err = client.Call("send_message", bson.M{"type": "unknown-type"})
	var ce *ipc.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "schema-error", ce.Type)
}
