package container

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/ids"
)

func testAttempt(task, attempt int) ids.TaskAttemptID {
	return ids.TaskAttemptID{
		Task: ids.TaskID{
			Vertex: ids.VertexID{Dag: ids.DAGID{Seq: 1}, Index: 0},
			Index:  task,
		},
		Attempt: attempt,
	}
}

type fakeNotifier struct {
	queued   map[string]*QueuedAttempt
	terminal map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{queued: map[string]*QueuedAttempt{}, terminal: map[string]bool{}}
}

func (f *fakeNotifier) NotifyQueued(id ids.ContainerID, task *QueuedAttempt) {
	f.queued[id.String()] = task
}

func (f *fakeNotifier) NotifyTerminal(id ids.ContainerID) {
	f.terminal[id.String()] = true
}

func newTestContainer(notifier Notifier) *Container {
	return New(ids.ContainerID{Value: "c1"}, ids.NodeID{Host: "n1", Port: 1}, dagmodel.ResourceRequest{MemoryMB: 1024}, WithNotifier(notifier))
}

func mustFire(t *testing.T, c *Container, ev Event) []bus.Event {
	t.Helper()
	effects, err := c.Fire(ev)
	require.NoError(t, err)
	return effects
}

func kinds(effects []bus.Event) []string {
	out := make([]string, len(effects))
	for i, e := range effects {
		out[i] = e.Kind
	}
	return out
}

// TestContainer_HappyPath covers spec scenario 1's container-side leg: a
// single attempt goes from launch request through PULL_TASK to IDLE.
func TestContainer_HappyPath(t *testing.T) {
	n := newFakeNotifier()
	c := newTestContainer(n)

	_, err := c.Fire(Event{Kind: EvLaunchRequest, Resource: dagmodel.ResourceRequest{MemoryMB: 1024}})
	require.NoError(t, err)
	require.Equal(t, StateLaunching, c.State())

	attempt := testAttempt(0, 0)
	_, err = c.Fire(Event{Kind: EvAssignTA, AttemptID: attempt, DagID: ids.DAGID{Seq: 1}})
	require.NoError(t, err)
	require.Equal(t, StateLaunching, c.State())
	require.NotNil(t, n.queued["c1"])
	require.Equal(t, attempt, n.queued["c1"].AttemptID)

	_, err = c.Fire(Event{Kind: EvLaunched})
	require.NoError(t, err)
	require.Equal(t, StateIdle, c.State())

	effects, err := c.Fire(Event{Kind: EvPullTask})
	require.NoError(t, err)
	require.Equal(t, StateRunning, c.State())
	require.Equal(t, []string{"TA_STARTED_REMOTELY"}, kinds(effects))

	_, err = c.Fire(Event{Kind: EvTASucceeded})
	require.NoError(t, err)
	require.Equal(t, StateIdle, c.State())
	require.False(t, c.IsInErrorState())
}

// TestContainer_AssignAfterLaunch is spec scenario 2: LAUNCH_REQUEST, then
// LAUNCHED, then ASSIGN_TA. The container ends IDLE with a queued attempt,
// one NM_LAUNCH_REQUEST total, and the assignment itself produces no
// further events.
func TestContainer_AssignAfterLaunch(t *testing.T) {
	n := newFakeNotifier()
	c := newTestContainer(n)

	launchEffects := mustFire(t, c, Event{Kind: EvLaunchRequest})
	require.Equal(t, []string{"NM_LAUNCH_REQUEST"}, kinds(launchEffects))

	mustFire(t, c, Event{Kind: EvLaunched})
	require.Equal(t, StateIdle, c.State())

	attempt := testAttempt(0, 0)
	assignEffects := mustFire(t, c, Event{Kind: EvAssignTA, AttemptID: attempt})
	require.Empty(t, assignEffects, "assignment alone must not start the task or emit anything further")
	require.Equal(t, StateIdle, c.State())
	require.NotNil(t, n.queued["c1"])
}

// TestContainer_DoubleAssignmentIsAnError is spec scenario 3.
func TestContainer_DoubleAssignmentIsAnError(t *testing.T) {
	c := newTestContainer(newFakeNotifier())
	mustFire(t, c, Event{Kind: EvLaunchRequest})
	mustFire(t, c, Event{Kind: EvLaunched})
	mustFire(t, c, Event{Kind: EvAssignTA, AttemptID: testAttempt(0, 0)})
	mustFire(t, c, Event{Kind: EvPullTask})
	require.Equal(t, StateRunning, c.State())

	effects := mustFire(t, c, Event{Kind: EvAssignTA, AttemptID: testAttempt(1, 0)})
	require.Equal(t, StateStopRequested, c.State())
	require.True(t, c.IsInErrorState())

	var terminating int
	var sawNMStop bool
	for _, e := range effects {
		switch e.Kind {
		case "TA_CONTAINER_TERMINATING":
			terminating++
		case "NM_STOP_REQUEST":
			sawNMStop = true
		}
	}
	require.Equal(t, 2, terminating, "both the stale and the newcomer attempt must be told to expect termination")
	require.True(t, sawNMStop)
	require.Len(t, effects, 3, "exactly {NM_STOP_REQUEST, TA_CONTAINER_TERMINATING x2}")

	mustFire(t, c, Event{Kind: EvNMStopSent})
	require.Equal(t, StateStopping, c.State())

	completedEffects := mustFire(t, c, Event{Kind: EvCompleted, Preempted: false})
	require.Equal(t, StateCompleted, c.State())
	require.Equal(t, []string{"TA_CONTAINER_TERMINATED", "TA_CONTAINER_TERMINATED"}, kinds(completedEffects),
		"both the stale and the newcomer attempt, still tracked from the double-assignment path, are terminated")
}

// TestContainer_PreemptionDuringRunning is spec scenario 4.
func TestContainer_PreemptionDuringRunning(t *testing.T) {
	c := newTestContainer(newFakeNotifier())
	mustFire(t, c, Event{Kind: EvLaunchRequest})
	mustFire(t, c, Event{Kind: EvLaunched})
	mustFire(t, c, Event{Kind: EvAssignTA, AttemptID: testAttempt(0, 0)})
	mustFire(t, c, Event{Kind: EvPullTask})
	require.Equal(t, StateRunning, c.State())

	effects := mustFire(t, c, Event{Kind: EvCompleted, Preempted: true})
	require.Equal(t, StateCompleted, c.State())
	require.Equal(t, []string{"TA_CONTAINER_PREEMPTED"}, kinds(effects))

	after := mustFire(t, c, Event{Kind: EvTASucceeded})
	require.Empty(t, after)
	require.Equal(t, StateCompleted, c.State())
}

// TestContainer_CredentialsTransferAcrossDags is spec scenario 5.
func TestContainer_CredentialsTransferAcrossDags(t *testing.T) {
	c := newTestContainer(newFakeNotifier())
	mustFire(t, c, Event{Kind: EvLaunchRequest})
	mustFire(t, c, Event{Kind: EvLaunched})

	dag1 := ids.DAGID{Seq: 1}
	dag2 := ids.DAGID{Seq: 2}
	dag3 := ids.DAGID{Seq: 3}

	mustFire(t, c, Event{Kind: EvAssignTA, AttemptID: testAttempt(0, 0), DagID: dag1, Credentials: []byte("tokenDag1")})
	first := lastQueued(c)
	require.True(t, first.CredentialsChanged)
	require.Equal(t, []byte("tokenDag1"), first.Credentials)
	mustFire(t, c, Event{Kind: EvPullTask})
	mustFire(t, c, Event{Kind: EvTASucceeded})

	mustFire(t, c, Event{Kind: EvAssignTA, AttemptID: testAttempt(1, 0), DagID: dag1, Credentials: []byte("tokenDag1")})
	second := lastQueued(c)
	require.False(t, second.CredentialsChanged)
	require.Nil(t, second.Credentials)
	mustFire(t, c, Event{Kind: EvPullTask})
	mustFire(t, c, Event{Kind: EvTASucceeded})

	mustFire(t, c, Event{Kind: EvAssignTA, AttemptID: testAttempt(2, 0), DagID: dag2})
	third := lastQueued(c)
	require.True(t, third.CredentialsChanged)
	require.Nil(t, third.Credentials)
	mustFire(t, c, Event{Kind: EvPullTask})
	mustFire(t, c, Event{Kind: EvTASucceeded})

	mustFire(t, c, Event{Kind: EvAssignTA, AttemptID: testAttempt(3, 0), DagID: dag3, Credentials: []byte("tokenDag3")})
	fourth := lastQueued(c)
	require.True(t, fourth.CredentialsChanged)
	require.Equal(t, []byte("tokenDag3"), fourth.Credentials)
	require.NotEqual(t, []byte("tokenDag1"), fourth.Credentials)
}

func lastQueued(c *Container) *QueuedAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}

// TestContainer_NodeFailurePropagation is spec scenario 6.
func TestContainer_NodeFailurePropagation(t *testing.T) {
	c := newTestContainer(newFakeNotifier())
	mustFire(t, c, Event{Kind: EvLaunchRequest})
	mustFire(t, c, Event{Kind: EvLaunched})

	first := testAttempt(0, 0)
	mustFire(t, c, Event{Kind: EvAssignTA, AttemptID: first})
	mustFire(t, c, Event{Kind: EvPullTask})
	mustFire(t, c, Event{Kind: EvTASucceeded})

	second := testAttempt(1, 0)
	mustFire(t, c, Event{Kind: EvAssignTA, AttemptID: second})
	mustFire(t, c, Event{Kind: EvPullTask})
	require.Equal(t, StateRunning, c.State())

	effects := mustFire(t, c, Event{Kind: EvNodeFailed})
	require.Equal(t, StateStopping, c.State())

	var nodeFailedTo []string
	var terminatingTo []string
	var sawDeallocate bool
	for _, e := range effects {
		switch e.Kind {
		case "TA_NODE_FAILED":
			nodeFailedTo = append(nodeFailedTo, e.Subject.ID)
		case "TA_CONTAINER_TERMINATING":
			terminatingTo = append(terminatingTo, e.Subject.ID)
		case "S_CONTAINER_DEALLOCATE":
			sawDeallocate = true
		}
	}
	require.ElementsMatch(t, []string{first.String(), second.String()}, nodeFailedTo, "both attempts ever run on this container learn the node failed")
	require.Equal(t, []string{second.String()}, terminatingTo, "only the currently running attempt is told to expect termination")
	require.True(t, sawDeallocate)

	completed := mustFire(t, c, Event{Kind: EvCompleted, Preempted: false})
	require.Equal(t, StateCompleted, c.State())
	require.Equal(t, []string{"TA_CONTAINER_TERMINATED"}, kinds(completed), "only the running attempt, not the already-succeeded one")
}

// TestContainer_AssignToCompletedIsBouncedNotFatal exercises the open
// question in DESIGN.md: a scheduler assignment racing container
// completion.
func TestContainer_AssignToCompletedIsBouncedNotFatal(t *testing.T) {
	c := newTestContainer(newFakeNotifier())
	mustFire(t, c, Event{Kind: EvLaunchRequest})
	mustFire(t, c, Event{Kind: EvCompleted})
	require.Equal(t, StateCompleted, c.State())

	attempt := testAttempt(2, 0)
	effects := mustFire(t, c, Event{Kind: EvAssignTA, AttemptID: attempt})
	require.Equal(t, StateCompleted, c.State())
	require.True(t, c.IsInErrorState())
	require.Equal(t, []string{"TA_CONTAINER_TERMINATED"}, kinds(effects))
}
