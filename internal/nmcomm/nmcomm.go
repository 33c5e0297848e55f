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

// Package nmcomm implements the node-manager communicator (spec §4,
// explicit non-goal: the worker-launching cluster node manager is out of
// scope, referenced only by interface). Communicator bridges
// internal/container's LaunchCommand/StopCommand events to that external
// interface on a small bounded worker pool, re-entering the bus as
// ordinary container events so the container state machine never
// performs I/O itself (spec §5).
package nmcomm

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/container"
	"github.com/dagflow/dagmaster/internal/logger"
)

// NodeManager is the external collaborator's interface (spec §1's
// explicit non-goal (a) scopes the cluster-side resource manager out;
// the node manager that actually launches/stops a container's process is
// the same kind of external boundary). A real implementation pages this
// over to the cluster's container-launch RPC; this repository only
// defines the contract plus an in-memory Fake for tests.
type NodeManager interface {
	Launch(ctx context.Context, cmd container.LaunchCommand) error
	Stop(ctx context.Context, cmd container.StopCommand) error
}

// Subject is the bus subject the Communicator registers itself under,
// matching the "nm" id internal/container already addresses
// NM_LAUNCH_REQUEST/NM_STOP_REQUEST to.
func Subject() bus.Subject { return bus.Subject{Kind: bus.SubjectNodeManager, ID: "nm"} }

const defaultQueueSize = 1024

// Communicator implements bus.Handler for Subject().
type Communicator struct {
	nm     NodeManager
	busPtr *bus.Bus
	log    logger.Logger
	jobs   chan bus.Event
}

// Option configures a Communicator.
type Option func(*Communicator)

func WithLogger(l logger.Logger) Option { return func(c *Communicator) { c.log = l } }
func WithBus(b *bus.Bus) Option         { return func(c *Communicator) { c.busPtr = b } }

// WithQueueSize overrides the default bounded job queue capacity.
func WithQueueSize(n int) Option { return func(c *Communicator) { c.jobs = make(chan bus.Event, n) } }

// New constructs a Communicator over nm.
func New(nm NodeManager, opts ...Option) *Communicator {
	c := &Communicator{
		nm:   nm,
		log:  logger.New(logger.WithQuiet()),
		jobs: make(chan bus.Event, defaultQueueSize),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run starts n worker goroutines draining the job queue until ctx is
// canceled. Call it in a goroutine; it blocks until every worker returns.
func (c *Communicator) Run(ctx context.Context, n int) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case ev, ok := <-c.jobs:
					if !ok {
						return nil
					}
					c.process(gctx, ev)
				}
			}
		})
	}
	return g.Wait()
}

// Handle implements bus.Handler. It accepts container.LaunchCommand and
// container.StopCommand events addressed to Subject().
func (c *Communicator) Handle(ev bus.Event) {
	switch ev.Payload.(type) {
	case container.LaunchCommand, container.StopCommand:
	default:
		c.log.Errorf("nmcomm: event %s carried unexpected payload type %T", ev.Kind, ev.Payload)
		return
	}
	select {
	case c.jobs <- ev:
	default:
		c.log.Warnf("nmcomm: job queue full, dropping %s event", ev.Kind)
	}
}

func (c *Communicator) process(ctx context.Context, ev bus.Event) {
	switch cmd := ev.Payload.(type) {
	case container.LaunchCommand:
		c.processLaunch(ctx, cmd)
	case container.StopCommand:
		c.processStop(ctx, cmd)
	}
}

func (c *Communicator) processLaunch(ctx context.Context, cmd container.LaunchCommand) {
	err := c.nm.Launch(ctx, cmd)
	if c.busPtr == nil {
		return
	}
	if err != nil {
		c.log.Errorf("nmcomm: launch %s failed: %v", cmd.ContainerID, err)
		// A failed launch is treated as a node failure on the owning
		// container: the container's own NODE_FAILED handler already
		// knows how to tell every attempt it ever ran and ask the
		// resource manager to reclaim it.
		c.busPtr.Dispatch(bus.Event{
			Subject: container.Subject(cmd.ContainerID),
			Kind:    string(container.EvNodeFailed),
			Payload: container.Event{Kind: container.EvNodeFailed},
		})
		return
	}
	c.busPtr.Dispatch(bus.Event{
		Subject: container.Subject(cmd.ContainerID),
		Kind:    string(container.EvLaunched),
		Payload: container.Event{Kind: container.EvLaunched},
	})
}

func (c *Communicator) processStop(ctx context.Context, cmd container.StopCommand) {
	err := c.nm.Stop(ctx, cmd)
	if c.busPtr == nil {
		return
	}
	kind := container.EvNMStopSent
	if err != nil {
		c.log.Errorf("nmcomm: stop %s failed: %v", cmd.ContainerID, err)
		kind = container.EvNMStopFailed
	}
	c.busPtr.Dispatch(bus.Event{
		Subject: container.Subject(cmd.ContainerID),
		Kind:    string(kind),
		Payload: container.Event{Kind: kind},
	})
}

// Fake is an in-memory NodeManager for tests: every launch and stop
// succeeds, recording calls for assertions.
type Fake struct {
	mu       sync.Mutex
	Launched []container.LaunchCommand
	Stopped  []container.StopCommand
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Launch(_ context.Context, cmd container.LaunchCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Launched = append(f.Launched, cmd)
	return nil
}

func (f *Fake) Stop(_ context.Context, cmd container.StopCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stopped = append(f.Stopped, cmd)
	return nil
}
