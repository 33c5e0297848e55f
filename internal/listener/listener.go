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

// Package listener implements the task-attempt listener (spec §4.8): the
// gRPC service every worker container polls for its task assignment,
// commit arbitration and event exchange. It is the one boundary where an
// RPC handler must produce a synchronous answer (getTask's assignment,
// canCommit's bool, heartbeat's outbound events) out of an otherwise
// fully asynchronous, event-driven core (spec §5: "RPC handlers never
// touch state machines directly") — so every handler here either reads a
// cache kept in sync by internal/container's Notifier callbacks and
// internal/vertex's task registry, or dispatches a bus event and blocks on
// a short-lived channel for the entity's asynchronous reply.
package listener

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dagflow/dagmaster/internal/attempt"
	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/container"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/logger"
	"github.com/dagflow/dagmaster/internal/task"
	"github.com/dagflow/dagmaster/internal/vertex"
	v1 "github.com/dagflow/dagmaster/proto/tez/v1"
)

// attemptSubject is the bus subject the owning task registers an attempt
// under (internal/task's own attemptSubject convention, duplicated here per
// this codebase's established "each collaborator derives the subject of an
// entity it doesn't own" pattern — see internal/container's own copy).
func attemptSubject(id ids.TaskAttemptID) bus.Subject {
	return bus.Subject{Kind: bus.SubjectAttempt, ID: id.String()}
}

// cachedContainer is the listener's read-only view of one container's
// current assignment, kept current by NotifyQueued/NotifyTerminal and by
// GetTask's own PULL_TASK dispatch.
type cachedContainer struct {
	mu sync.Mutex

	assigned *container.QueuedAttempt
	pulled   bool // true once GetTask has handed this assignment out

	seen          bool
	lastRequestID int64
	lastResponse  *v1.HeartbeatResponse
}

// Listener implements both container.Notifier and
// proto/tez/v1.TaskAttemptListenerServer.
type Listener struct {
	mu sync.Mutex

	containers    map[string]*cachedContainer
	attemptsByStr map[string]ids.TaskAttemptID // AttemptID.String() -> struct, for CanCommit's wire string
	tasksByID     map[ids.TaskID]*task.Task    // for Heartbeat's outbox paging
	commitWaiters map[string]chan bool         // AttemptID.String() -> one-shot grant/deny channel

	log    logger.Logger
	busPtr *bus.Bus
}

// Option configures a Listener at construction.
type Option func(*Listener)

func WithLogger(l logger.Logger) Option { return func(l2 *Listener) { l2.log = l } }
func WithBus(b *bus.Bus) Option         { return func(l *Listener) { l.busPtr = b } }

// New constructs a Listener. Register the result at task.ListenerSubject()
// on the bus to receive commit-decision broadcasts, and register it as
// every container's container.WithNotifier before wiring the container
// into the bus.
func New(opts ...Option) *Listener {
	l := &Listener{
		containers:    make(map[string]*cachedContainer),
		attemptsByStr: make(map[string]ids.TaskAttemptID),
		tasksByID:     make(map[ids.TaskID]*task.Task),
		commitWaiters: make(map[string]chan bool),
		log:           logger.New(logger.WithQuiet()),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Register pre-allocates the cache entry for a freshly launched container,
// so GetTask can tell "unknown to this AM" (InvalidContainer) apart from
// "known but idle" (empty ContainerTask) from its very first poll.
func (l *Listener) Register(id ids.ContainerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.containers[id.String()]; !ok {
		l.containers[id.String()] = &cachedContainer{}
	}
}

// RegisterTask records t for Heartbeat's outbox paging. Called once per
// task via vertex.WithTaskObserver at DAG-wiring time.
func (l *Listener) RegisterTask(t *task.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasksByID[t.ID] = t
}

// --- container.Notifier ---

func (l *Listener) NotifyQueued(id ids.ContainerID, q *container.QueuedAttempt) {
	l.mu.Lock()
	c, ok := l.containers[id.String()]
	if !ok {
		c = &cachedContainer{}
		l.containers[id.String()] = c
	}
	l.attemptsByStr[q.AttemptID.String()] = q.AttemptID
	l.mu.Unlock()

	c.mu.Lock()
	c.assigned = q
	c.pulled = false
	c.mu.Unlock()
}

func (l *Listener) NotifyTerminal(id ids.ContainerID) {
	l.mu.Lock()
	c, ok := l.containers[id.String()]
	l.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.assigned = nil
	c.pulled = false
	c.mu.Unlock()
}

// --- bus.Handler: commit-decision broadcasts ---

// Handle receives task.CommitDecision broadcasts from task.ListenerSubject()
// and wakes the matching CanCommit call, if one is still waiting.
func (l *Listener) Handle(ev bus.Event) {
	decision, ok := ev.Payload.(task.CommitDecision)
	if !ok {
		l.log.Errorf("listener: event %s carried unexpected payload type %T", ev.Kind, ev.Payload)
		return
	}
	l.mu.Lock()
	ch, ok := l.commitWaiters[decision.AttemptID.String()]
	l.mu.Unlock()
	if !ok {
		return // no CanCommit call is (still) waiting on this attempt
	}
	select {
	case ch <- decision.Granted:
	default:
	}
}

func (l *Listener) dispatch(ev bus.Event) {
	if l.busPtr != nil {
		l.busPtr.Dispatch(ev)
	}
}

// --- TaskAttemptListenerServer ---

// GetTask answers spec §6's getTask: a container unknown to this AM gets
// the InvalidContainer sentinel; a known-but-idle container gets an empty
// response; a freshly queued attempt is handed out exactly once (a PULL_TASK
// is dispatched to promote the container's queued attempt to running) and
// further polls against the same assignment return empty until the next
// NotifyQueued replaces it.
func (l *Listener) GetTask(ctx context.Context, in *v1.ContainerContext) (*v1.ContainerTask, error) {
	l.mu.Lock()
	c, ok := l.containers[in.ContainerID]
	l.mu.Unlock()
	if !ok {
		return &v1.ContainerTask{InvalidContainer: true}, nil
	}

	c.mu.Lock()
	q := c.assigned
	freshlyPulled := q != nil && !c.pulled
	if freshlyPulled {
		c.pulled = true
	}
	c.mu.Unlock()

	if q == nil || !freshlyPulled {
		return &v1.ContainerTask{}, nil
	}

	l.dispatch(bus.Event{
		Subject: container.Subject(ids.ContainerID{Value: in.ContainerID}),
		Kind:    string(container.EvPullTask),
		Payload: container.Event{Kind: container.EvPullTask},
	})

	return &v1.ContainerTask{
		Task: &v1.TaskAssignment{
			AttemptID: q.AttemptID.String(),
			DagID:     q.DagID.String(),
			MemoryMB:  q.Resource.MemoryMB,
			VCores:    q.Resource.VCores,
		},
		AdditionalResources: q.AdditionalResources,
		CredentialsChanged:  q.CredentialsChanged,
		Credentials:         q.Credentials,
	}, nil
}

// CanCommit answers spec §6's canCommit: it resolves the wire attempt-id
// string against the cache NotifyQueued populates, asks the attempt itself
// to request commit (attempt.EvCommitRequested, which moves it to
// COMMIT_PENDING and forwards the request to its owning task — skipping
// this step and asking the task directly would leave the attempt in
// RUNNING when the task's grant/deny arrives, an undefined transition),
// and blocks for that task's first-asker-wins verdict (task.CommitDecision,
// broadcast to task.ListenerSubject()) or the caller's own context
// deadline, whichever comes first.
func (l *Listener) CanCommit(ctx context.Context, in *v1.CanCommitRequest) (*v1.CanCommitResponse, error) {
	l.mu.Lock()
	attemptID, ok := l.attemptsByStr[in.AttemptID]
	if !ok {
		l.mu.Unlock()
		return nil, status.Errorf(codes.NotFound, "listener: unknown attempt %q", in.AttemptID)
	}
	ch := make(chan bool, 1)
	l.commitWaiters[in.AttemptID] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.commitWaiters, in.AttemptID)
		l.mu.Unlock()
	}()

	l.dispatch(bus.Event{
		Subject: attemptSubject(attemptID),
		Kind:    string(attempt.EvCommitRequested),
		Payload: attempt.Event{Kind: attempt.EvCommitRequested},
	})

	select {
	case granted := <-ch:
		return &v1.CanCommitResponse{Committed: granted}, nil
	case <-ctx.Done():
		return nil, status.Errorf(codes.DeadlineExceeded, "listener: canCommit timed out for %q", in.AttemptID)
	}
}

// Heartbeat answers spec §6/§8's Heartbeat: it enforces per-container
// request-id sequencing (a replayed requestId returns the prior response
// byte-for-byte; an out-of-sequence or unrecognised container gets
// ShouldDie), routes every inbound wire event to its owning vertex via
// VERTEX_ROUTE_EVENT, and pages up to MaxEvents outbound events starting at
// EventsStartIndex from the running attempt's task outbox. A request with an
// empty CurrentAttemptID is a liveness ping (spec §8: "no events are pulled,
// response has empty event list") even if the container has an assignment
// queued or running — it skips event routing, attempt-completion reporting,
// and outbox paging entirely.
func (l *Listener) Heartbeat(ctx context.Context, in *v1.HeartbeatRequest) (*v1.HeartbeatResponse, error) {
	l.mu.Lock()
	c, ok := l.containers[in.ContainerID]
	l.mu.Unlock()
	if !ok {
		return &v1.HeartbeatResponse{ShouldDie: true}, nil
	}

	c.mu.Lock()
	if c.seen && in.RequestID == c.lastRequestID && c.lastResponse != nil {
		resp := c.lastResponse
		c.mu.Unlock()
		return resp, nil
	}
	if c.seen && in.RequestID != c.lastRequestID+1 {
		resp := &v1.HeartbeatResponse{ShouldDie: true}
		c.lastRequestID = in.RequestID
		c.lastResponse = resp
		c.mu.Unlock()
		return resp, nil
	}
	c.lastRequestID = in.RequestID
	c.seen = true
	assigned := c.assigned
	c.mu.Unlock()

	var currentTaskID *ids.TaskID
	if assigned != nil && in.CurrentAttemptID != "" {
		id := assigned.AttemptID.Task
		currentTaskID = &id
		for _, wev := range in.Events {
			l.dispatch(bus.Event{
				Subject: bus.Subject{Kind: bus.SubjectVertex, ID: id.Vertex.String()},
				Kind:    string(vertex.EvRouteEvent),
				Payload: vertex.RouteEventPayload{SrcTaskIndex: id.Index, Wire: wev},
			})
		}

		// A non-output-committing attempt reports its own terminal outcome
		// here, on the same RPC as its progress (spec §8 scenario 1:
		// "worker reports SUCCEEDED"); a committing attempt instead reports
		// success through CanCommit and never sets AttemptCompleted.
		switch {
		case in.AttemptFailed:
			l.dispatch(bus.Event{
				Subject: attemptSubject(assigned.AttemptID),
				Kind:    string(attempt.EvWorkerFailed),
				Payload: attempt.Event{Kind: attempt.EvWorkerFailed, Diagnostics: in.Diagnostics},
			})
		case in.AttemptCompleted:
			l.dispatch(bus.Event{
				Subject: attemptSubject(assigned.AttemptID),
				Kind:    string(attempt.EvWorkerSucceeded),
				Payload: attempt.Event{Kind: attempt.EvWorkerSucceeded},
			})
		}
	}

	var outEvents []v1.TezEvent
	if currentTaskID != nil {
		l.mu.Lock()
		t, ok := l.tasksByID[*currentTaskID]
		l.mu.Unlock()
		if ok {
			outEvents = t.Events(in.EventsStartIndex, in.MaxEvents)
		}
	}

	resp := &v1.HeartbeatResponse{LastRequestID: in.RequestID, Events: outEvents}
	c.mu.Lock()
	c.lastResponse = resp
	c.mu.Unlock()
	return resp, nil
}
