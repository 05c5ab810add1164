// Package pkgmon is the package monitor plugin: it forwards package
// directives from the server to the package reporter through a durable
// task queue, and spawns the reporter when package data is wanted.
package pkgmon

import (
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stewardsys/steward/pkg/exchange"
	"github.com/stewardsys/steward/pkg/log"
	"github.com/stewardsys/steward/pkg/plugin"
	"github.com/stewardsys/steward/pkg/reactor"
)

const runInterval = 30 * time.Minute

// PackageMonitor reacts to package-ids directives and schedules the
// package reporter.
type PackageMonitor struct {
	store    *TaskStore
	registry *plugin.Registry
	reporter string
	logger   zerolog.Logger

	timer int

	// spawn is replaceable in tests.
	spawn func()
}

// New creates the monitor with an already-open task store. reporter is
// the reporter command; empty disables spawning.
func New(store *TaskStore, reporter string) *PackageMonitor {
	m := &PackageMonitor{
		store:    store,
		reporter: reporter,
		logger:   log.WithComponent("package-monitor"),
	}
	m.spawn = m.spawnReporter
	return m
}

// NewWithDataDir creates the monitor with the task store under the data
// directory.
func NewWithDataDir(dataDir, reporter string) (*PackageMonitor, error) {
	store, err := OpenTaskStore(filepath.Join(dataDir, "package", "tasks.db"))
	if err != nil {
		return nil, err
	}
	return New(store, reporter), nil
}

// Register wires the monitor into the registry.
func (m *PackageMonitor) Register(registry *plugin.Registry) error {
	m.registry = registry

	registry.Broker.RegisterClientAcceptedMessageType("package-ids")

	registry.Reactor.CallOn(reactor.Msg("package-ids"),
		func(args ...interface{}) (interface{}, error) {
			if len(args) == 0 {
				return nil, nil
			}
			message, ok := args[0].(bson.M)
			if !ok {
				return nil, nil
			}
			return nil, m.enqueueReporterTask(message)
		})

	registry.Reactor.CallOn(exchange.TopicResynchronizeClients,
		func(args ...interface{}) (interface{}, error) {
			return nil, m.resynchronize()
		})

	registry.CallOnAccepted("packages", func() { m.spawn() })

	m.scheduleRun()
	return nil
}

// Stop cancels the periodic run.
func (m *PackageMonitor) Stop() {
	if m.timer != 0 {
		m.registry.Reactor.CancelCall(m.timer)
		m.timer = 0
	}
}

// Store exposes the task queue (used by the reporter process and
// tests).
func (m *PackageMonitor) Store() *TaskStore {
	return m.store
}

func (m *PackageMonitor) scheduleRun() {
	m.timer = m.registry.Reactor.CallLater(runInterval, func() {
		m.run()
		m.scheduleRun()
	})
}

func (m *PackageMonitor) run() {
	if m.registry.IsAccepted("packages") {
		m.spawn()
	}
}

func (m *PackageMonitor) enqueueReporterTask(message bson.M) error {
	if _, err := m.store.AddTask(message); err != nil {
		return err
	}
	m.spawn()
	return nil
}

// resynchronize drops queued work in favor of a fresh report. The
// resynchronize task is added first so the queue is never empty in
// between, and everything older is cleared around it.
func (m *PackageMonitor) resynchronize() error {
	task, err := m.store.AddTask(bson.M{"type": "resynchronize"})
	if err != nil {
		return err
	}
	return m.store.ClearTasks(task)
}

func (m *PackageMonitor) spawnReporter() {
	if m.reporter == "" {
		return
	}
	cmd := exec.Command(m.reporter, "--quiet")
	go func() {
		output, err := cmd.CombinedOutput()
		if err != nil {
			m.logger.Warn().Err(err).Msg("package reporter failed")
		}
		if len(output) > 0 {
			m.logger.Warn().Str("output", string(output)).Msg("package reporter output")
		}
	}()
}
