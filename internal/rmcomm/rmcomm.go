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

// Package rmcomm implements the resource-manager communicator (spec §4,
// explicit non-goal: "the cluster resource manager that grants/revokes
// containers" is out of scope, referenced only by interface). Communicator
// bridges the scheduler's ask-list deltas to that external interface on a
// small bounded worker pool, re-entering the bus as ordinary events so no
// state machine ever performs I/O itself (spec §5).
package rmcomm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/container"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/logger"
)

// Ask is one attempt's outstanding request for a container, as the
// scheduler currently tracks it.
type Ask struct {
	AttemptID ids.TaskAttemptID
	Priority  int
	Resource  dagmodel.ResourceRequest
}

// Grant is a container the resource manager has handed the AM for a
// specific ask.
type Grant struct {
	AttemptID   ids.TaskAttemptID
	ContainerID ids.ContainerID
	Node        ids.NodeID
	Resource    dagmodel.ResourceRequest
}

// Reclaim notifies that the resource manager has taken a container back
// before (or regardless of) any attempt completing on it, e.g. a
// preemption driven by cluster-wide fairness outside this AM's control.
type Reclaim struct {
	ContainerID ids.ContainerID
	Preempted   bool
}

// AllocateRequest is the ask-list delta the scheduler forwards: the asks
// newly added since the last request, and the attempts whose asks are no
// longer outstanding (satisfied or cancelled).
type AllocateRequest struct {
	Added   []Ask
	Removed []ids.TaskAttemptID
}

// ResourceManager is the external collaborator's interface (spec §1's
// explicit non-goal (a)). A real implementation pages this over to a
// cluster scheduler's own allocate API; this repository only defines the
// contract plus an in-memory Fake for tests.
type ResourceManager interface {
	Allocate(ctx context.Context, req AllocateRequest) ([]Grant, []Reclaim, error)
	Deallocate(ctx context.Context, id ids.ContainerID) error
}

// Subject is the bus subject the Communicator registers itself under,
// mirroring internal/container's "nm" subject for the node-manager side.
func Subject() bus.Subject { return bus.Subject{Kind: bus.SubjectResourceManager, ID: "rm"} }

// SchedulerSubject is where grants and reclaims are reported back to.
// Matches internal/attempt's fixed scheduler subject convention.
func SchedulerSubject() bus.Subject { return bus.Subject{Kind: bus.SubjectTask, ID: "scheduler"} }

const defaultQueueSize = 1024

// Communicator implements bus.Handler for Subject(), queuing allocate
// requests onto a bounded worker pool (spec §5: "a small bounded pool for
// RM/NM communicator work"). Handle itself never blocks: a full queue
// drops the request with a logged warning rather than stalling the
// dispatch thread (internal/bus's own Dispatch, by contrast, blocks while
// its queue is full).
type Communicator struct {
	rm     ResourceManager
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

// New constructs a Communicator over rm.
func New(rm ResourceManager, opts ...Option) *Communicator {
	c := &Communicator{
		rm:   rm,
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

// Handle implements bus.Handler. It accepts AllocateRequest (from
// internal/scheduler) and container.DeallocateCommand (from
// internal/container) events addressed to Subject().
func (c *Communicator) Handle(ev bus.Event) {
	switch ev.Payload.(type) {
	case AllocateRequest, container.DeallocateCommand:
	default:
		c.log.Errorf("rmcomm: event %s carried unexpected payload type %T", ev.Kind, ev.Payload)
		return
	}
	select {
	case c.jobs <- ev:
	default:
		c.log.Warnf("rmcomm: job queue full, dropping %s event", ev.Kind)
	}
}

func (c *Communicator) process(ctx context.Context, ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case AllocateRequest:
		c.processAllocate(ctx, payload)
	case container.DeallocateCommand:
		if err := c.rm.Deallocate(ctx, payload.ContainerID); err != nil {
			c.log.Errorf("rmcomm: deallocate %s failed: %v", payload.ContainerID, err)
		}
	}
}

func (c *Communicator) processAllocate(ctx context.Context, req AllocateRequest) {
	grants, reclaims, err := c.rm.Allocate(ctx, req)
	if err != nil {
		c.log.Errorf("rmcomm: allocate failed: %v", err)
		return
	}
	if c.busPtr == nil {
		return
	}
	for _, g := range grants {
		c.busPtr.Dispatch(bus.Event{Subject: SchedulerSubject(), Kind: "RM_CONTAINER_GRANTED", Payload: g})
	}
	for _, r := range reclaims {
		c.busPtr.Dispatch(bus.Event{Subject: SchedulerSubject(), Kind: "RM_CONTAINER_RECLAIMED", Payload: r})
	}
}

// Fake is an in-memory ResourceManager for tests and the non-cluster demo
// path: it grants one fresh container per ask synchronously, numbering
// container ids from its own counter on the caller-supplied node, and
// never reclaims.
type Fake struct {
	nextContainer int
	Node          ids.NodeID
}

// NewFake constructs a Fake that mints containers "fake-container-N" all
// on the given node.
func NewFake(node ids.NodeID) *Fake {
	return &Fake{Node: node}
}

func (f *Fake) Allocate(_ context.Context, req AllocateRequest) ([]Grant, []Reclaim, error) {
	grants := make([]Grant, 0, len(req.Added))
	for _, ask := range req.Added {
		f.nextContainer++
		grants = append(grants, Grant{
			AttemptID:   ask.AttemptID,
			ContainerID: ids.ContainerID{Value: fmt.Sprintf("fake-container-%d", f.nextContainer)},
			Node:        f.Node,
			Resource:    ask.Resource,
		})
	}
	return grants, nil, nil
}

func (f *Fake) Deallocate(context.Context, ids.ContainerID) error { return nil }
