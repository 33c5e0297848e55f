// Copyright (C) 2026 The Dagmaster Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package master wires every other package into one running application
// master process (spec §1/§9): it owns the event bus, the RM/NM
// communicators, the scheduler, the task-attempt listener's gRPC server,
// and the registry of DAG runs a client has submitted. Nothing in this
// package performs domain logic of its own beyond construction and
// submission bookkeeping; every state transition still lives in the
// entity packages this wires together.
package master

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/config"
	"github.com/dagflow/dagmaster/internal/container"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/dagrun"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/listener"
	"github.com/dagflow/dagmaster/internal/logger"
	"github.com/dagflow/dagmaster/internal/metrics"
	"github.com/dagflow/dagmaster/internal/nmcomm"
	"github.com/dagflow/dagmaster/internal/rmcomm"
	_ "github.com/dagflow/dagmaster/internal/rpcwire" // registers the gob-backed grpc codec
	"github.com/dagflow/dagmaster/internal/scheduler"
	"github.com/dagflow/dagmaster/internal/task"
	v1 "github.com/dagflow/dagmaster/proto/tez/v1"
)

// communicatorWorkers is the bounded pool size for each of the RM/NM
// communicators (spec §5: "a small bounded pool for RM/NM communicator
// work"); unlike am.task-listener.threads this isn't a tunable a DAG
// author needs exposed, so it is a constant rather than a config key.
const communicatorWorkers = 4

// Submission is a resolved DAG run this Master is tracking.
type Submission struct {
	DagID ids.DAGID
	Run   *dagrun.Run
}

// Master is one running application master process.
type Master struct {
	appID  ids.ApplicationID
	cfg    config.Config
	log    logger.Logger
	busPtr *bus.Bus
	rec    *metrics.Recorder

	listener  *listener.Listener
	scheduler *scheduler.Scheduler
	rmComm    *rmcomm.Communicator
	nmComm    *nmcomm.Communicator

	rmOverride rmcomm.ResourceManager
	nmOverride nmcomm.NodeManager

	mu      sync.Mutex
	dagSeq  int
	runs    map[ids.DAGID]*Submission
	outcome map[ids.DAGID]dagrun.Outcome

	grpcServer *grpc.Server
}

// Option configures a Master at construction.
type Option func(*Master)

func WithLogger(l logger.Logger) Option { return func(m *Master) { m.log = l } }
func WithConfig(c config.Config) Option { return func(m *Master) { m.cfg = c } }
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Master) { m.rec = r }
}

// WithResourceManager overrides the default in-memory Fake resource
// manager. A real cluster integration is an explicit non-goal (spec §1);
// this hook exists so a future cluster-backed binary can still reuse this
// package's wiring.
func WithResourceManager(rm rmcomm.ResourceManager) Option {
	return func(m *Master) { m.rmOverride = rm }
}

// WithNodeManager overrides the default in-memory Fake node manager.
func WithNodeManager(nm nmcomm.NodeManager) Option {
	return func(m *Master) { m.nmOverride = nm }
}

// New constructs a Master in ALLOCATED state for every subsystem: the bus
// exists and every fixed-subject handler (scheduler, rmcomm, nmcomm,
// listener) is registered, but nothing is running yet. Call Run to start
// the dispatch loop, the communicators' worker pools, and the gRPC
// server.
func New(appClusterTimestamp int64, opts ...Option) *Master {
	m := &Master{
		appID:   ids.ApplicationID{ClusterTimestamp: appClusterTimestamp, Seq: 1},
		cfg:     config.Default(),
		log:     logger.New(logger.WithQuiet()),
		runs:    make(map[ids.DAGID]*Submission),
		outcome: make(map[ids.DAGID]dagrun.Outcome),
	}
	for _, o := range opts {
		o(m)
	}

	m.busPtr = bus.New(bus.WithLogger(m.log), bus.WithMetrics(m.rec))

	m.listener = listener.New(listener.WithLogger(m.log), listener.WithBus(m.busPtr))
	m.busPtr.Register(task.ListenerSubject(), m.listener)

	m.scheduler = scheduler.New(
		scheduler.WithLogger(m.log),
		scheduler.WithBus(m.busPtr),
		scheduler.WithContainerFactory(m.constructContainer),
	)
	m.busPtr.Register(scheduler.Subject(), m.scheduler)

	rm := m.rmOverride
	if rm == nil {
		rm = rmcomm.NewFake(m.demoNode())
	}
	m.rmComm = rmcomm.New(rm, rmcomm.WithLogger(m.log), rmcomm.WithBus(m.busPtr))
	m.busPtr.Register(rmcomm.Subject(), m.rmComm)

	nm := m.nmOverride
	if nm == nil {
		nm = nmcomm.NewFake()
	}
	m.nmComm = nmcomm.New(nm, nmcomm.WithLogger(m.log), nmcomm.WithBus(m.busPtr))
	m.busPtr.Register(nmcomm.Subject(), m.nmComm)

	return m
}

// demoNode mints a synthetic node identity for the in-memory Fake resource
// manager's demo path: every container it grants reports as running on
// this one node, distinguished per-process so two Masters in the same
// test binary never collide.
func (m *Master) demoNode() ids.NodeID {
	return ids.NodeID{Host: fmt.Sprintf("demo-node-%s", uuid.NewString()[:8]), Port: 0}
}

// constructContainer is internal/scheduler's ContainerFactory: the first
// time a grant names a container id this Master has never seen, it builds
// and registers the Container entity and kicks off its launch, all before
// the ASSIGN_TA the same grant produces reaches the bus (spec §4.2's
// ALLOCATED -> LAUNCHING transition has to happen first).
func (m *Master) constructContainer(id ids.ContainerID, node ids.NodeID, resource dagmodel.ResourceRequest) {
	c := container.New(id, node, resource,
		container.WithLogger(m.log.With("container_id", id.String())),
		container.WithNotifier(m.listener),
		container.WithBus(m.busPtr),
	)
	m.busPtr.Register(container.Subject(id), c)
	m.listener.Register(id)
	m.busPtr.Dispatch(bus.Event{
		Subject: container.Subject(id),
		Kind:    string(container.EvLaunchRequest),
		Payload: container.Event{Kind: container.EvLaunchRequest},
	})
}

// Submit builds sub into a DAG, constructs and registers its Run, and
// starts it. The returned DAGID addresses both the run's own bus subject
// and its eventual Outcome.
func (m *Master) Submit(sub dagmodel.Submission) (ids.DAGID, error) {
	dag, err := dagmodel.Build(sub)
	if err != nil {
		return ids.DAGID{}, fmt.Errorf("master: build dag %q: %w", sub.Name, err)
	}

	m.mu.Lock()
	m.dagSeq++
	id := ids.DAGID{App: m.appID, Seq: m.dagSeq}
	m.mu.Unlock()

	runLog := m.log.With("dag_id", id.String())
	run := dagrun.New(id, dag,
		dagrun.WithLogger(runLog),
		dagrun.WithBus(m.busPtr),
		dagrun.WithTaskObserver(m.listener.RegisterTask),
		dagrun.WithOutcomeObserver(m.recordOutcome),
	)

	m.mu.Lock()
	m.runs[id] = &Submission{DagID: id, Run: run}
	m.mu.Unlock()

	m.busPtr.Register(dagrun.Subject(id), run)
	m.busPtr.Dispatch(bus.Event{Subject: dagrun.Subject(id), Kind: string(dagrun.EvInit)})

	return id, nil
}

func (m *Master) recordOutcome(out dagrun.Outcome) {
	m.mu.Lock()
	m.outcome[out.DagID] = out
	m.mu.Unlock()
	m.log.Infof("master: dag %s resolved %s", out.DagID, out.State)
}

// Outcome returns the DAG's terminal report and whether it has resolved
// yet. Safe to poll from a status RPC/CLI command.
func (m *Master) Outcome(id ids.DAGID) (dagrun.Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outcome[id]
	return out, ok
}

// Kill requests cancellation of a still-running DAG.
func (m *Master) Kill(id ids.DAGID, diag string) error {
	m.mu.Lock()
	_, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("master: unknown dag %s", id)
	}
	m.busPtr.Dispatch(bus.Event{Subject: dagrun.Subject(id), Kind: string(dagrun.EvKill), Payload: diag})
	return nil
}

// Run starts the bus dispatch loop, the RM/NM communicator worker pools,
// and the task-attempt listener's gRPC server on addr. It blocks until ctx
// is canceled, then drains every subsystem before returning.
func (m *Master) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("master: listen %s: %w", addr, err)
	}

	m.grpcServer = grpc.NewServer(grpc.MaxConcurrentStreams(uint32(m.cfg.TaskListenerThreads)))
	v1.RegisterTaskAttemptListenerServer(m.grpcServer, m.listener)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		m.busPtr.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := m.rmComm.Run(ctx, communicatorWorkers); err != nil && ctx.Err() == nil {
			m.log.Errorf("master: rm communicator stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := m.nmComm.Run(ctx, communicatorWorkers); err != nil && ctx.Err() == nil {
			m.log.Errorf("master: nm communicator stopped: %v", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- m.grpcServer.Serve(lis) }()

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		m.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-stopCtx.Done():
		m.grpcServer.Stop()
	}
	m.busPtr.Stop()
	wg.Wait()

	select {
	case err := <-serveErr:
		if err != nil && err != grpc.ErrServerStopped {
			return err
		}
	default:
	}
	return nil
}
