package pkgmon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stewardsys/steward/pkg/config"
	"github.com/stewardsys/steward/pkg/exchange"
	"github.com/stewardsys/steward/pkg/plugin"
	"github.com/stewardsys/steward/pkg/reactor"
	"github.com/stewardsys/steward/pkg/store"
)

type fakeBroker struct {
	accepted    []string
	clientTypes []string
	sent        []bson.M
}

func (b *fakeBroker) SendMessage(message bson.M, urgent bool) (string, error) {
	b.sent = append(b.sent, message)
	return "p:000000000", nil
}

func (b *fakeBroker) GetAcceptedMessageTypes() []string {
	return b.accepted
}

func (b *fakeBroker) RegisterClientAcceptedMessageType(msgType string) {
	b.clientTypes = append(b.clientTypes, msgType)
}

func newTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	s, err := OpenTaskStore(filepath.Join(t.TempDir(), "package", "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskStoreOrdering(t *testing.T) {
	s := newTaskStore(t)

	id1, err := s.AddTask(bson.M{"type": "package-ids", "ids": []interface{}{int64(1)}})
	require.NoError(t, err)
	_, err = s.AddTask(bson.M{"type": "package-ids", "ids": []interface{}{int64(2)}})
	require.NoError(t, err)

	task, err := s.NextTask()
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id1, task.ID)

	require.NoError(t, s.RemoveTask(task.ID))
	task, err = s.NextTask()
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.NotEqual(t, id1, task.ID)
}

func TestTaskStoreRoundTripsPayload(t *testing.T) {
	s := newTaskStore(t)

	_, err := s.AddTask(bson.M{"type": "package-ids", "request-id": int64(7)})
	require.NoError(t, err)

	task, err := s.NextTask()
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "package-ids", task.Data["type"])
	assert.Equal(t, int64(7), task.Data["request-id"])
}

func TestTaskStoreEmpty(t *testing.T) {
	s := newTaskStore(t)
	task, err := s.NextTask()
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClearTasksKeepsException(t *testing.T) {
	s := newTaskStore(t)

	_, err := s.AddTask(bson.M{"type": "package-ids"})
	require.NoError(t, err)
	keep, err := s.AddTask(bson.M{"type": "resynchronize"})
	require.NoError(t, err)

	require.NoError(t, s.ClearTasks(keep))

	count, err := s.CountTasks()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	task, err := s.NextTask()
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "resynchronize", task.Data["type"])
}

type monitorFixture struct {
	reactor *reactor.Reactor
	broker  *fakeBroker
	monitor *PackageMonitor
	spawns  int
}

func newMonitorFixture(t *testing.T, accepted ...string) *monitorFixture {
	t.Helper()
	f := &monitorFixture{
		reactor: reactor.New(),
		broker:  &fakeBroker{accepted: accepted},
	}
	f.monitor = New(newTaskStore(t), "")
	f.monitor.spawn = func() { f.spawns++ }

	registry := plugin.NewRegistry(f.reactor, f.broker, config.Default())
	require.NoError(t, registry.Add(f.monitor))
	return f
}

func TestRegisterAdvertisesClientType(t *testing.T) {
	f := newMonitorFixture(t)
	assert.Contains(t, f.broker.clientTypes, "package-ids")
}

func TestPackageIDsMessageBecomesReporterTask(t *testing.T) {
	f := newMonitorFixture(t)

	f.reactor.Fire(reactor.Msg("package-ids"),
		bson.M{"type": "package-ids", "request-id": int64(3)})

	task, err := f.monitor.Store().NextTask()
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "package-ids", task.Data["type"])
	assert.Equal(t, 1, f.spawns)
}

func TestSpawnsWhenPackagesAccepted(t *testing.T) {
	f := newMonitorFixture(t)
	assert.Equal(t, 0, f.spawns)

	f.reactor.Fire(store.TopicMessageTypeAcceptanceChanged, "packages", true)
	assert.Equal(t, 1, f.spawns)

	f.reactor.Fire(store.TopicMessageTypeAcceptanceChanged, "packages", false)
	assert.Equal(t, 1, f.spawns)

	f.reactor.Fire(store.TopicMessageTypeAcceptanceChanged, "other", true)
	assert.Equal(t, 1, f.spawns)
}

func TestSpawnsImmediatelyWhenAlreadyAccepted(t *testing.T) {
	f := newMonitorFixture(t, "packages")
	assert.Equal(t, 1, f.spawns)
}

func TestResynchronizeClearsOlderTasks(t *testing.T) {
	f := newMonitorFixture(t)

	f.reactor.Fire(reactor.Msg("package-ids"), bson.M{"type": "package-ids"})
	f.reactor.Fire(reactor.Msg("package-ids"), bson.M{"type": "package-ids"})
	f.reactor.Fire(exchange.TopicResynchronizeClients)

	count, err := f.monitor.Store().CountTasks()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	task, err := f.monitor.Store().NextTask()
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "resynchronize", task.Data["type"])
}

func TestPeriodicRunSpawnsWhenAccepted(t *testing.T) {
	f := newMonitorFixture(t)
	f.broker.accepted = []string{"packages"}

	f.reactor.Advance(runInterval)
	assert.Equal(t, 1, f.spawns)

	// The run reschedules itself.
	f.reactor.Advance(runInterval)
	assert.Equal(t, 2, f.spawns)
}

func TestStopCancelsPeriodicRun(t *testing.T) {
	f := newMonitorFixture(t)
	f.broker.accepted = []string{"packages"}

	f.monitor.Stop()
	f.reactor.Advance(runInterval)
	assert.Equal(t, 0, f.spawns)
}
