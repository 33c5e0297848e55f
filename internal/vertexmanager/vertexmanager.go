// Package vertexmanager implements the vertex manager plugin contract (spec
// §4.5): the policy that decides when a vertex releases its tasks into
// scheduling. internal/vertex hosts one plugin instance per vertex and
// drives it through this lifecycle; the plugin itself never touches the
// bus or any other vertex directly, only through the narrow Context
// capability bundle it is constructed with (spec §9: "a narrow capability
// bundle... not a handle to the whole AM").
package vertexmanager

// Context is the capability bundle a plugin receives at Initialize. It is
// implemented by internal/vertex so the plugin can only do what the vertex
// permits: schedule specific task indices, read/set parallelism while still
// deferred, and reconfigure the vertex's edges.
type Context interface {
	// ScheduleVertexTasks releases the named task indices into scheduling.
	ScheduleVertexTasks(indices []int)
	// Parallelism returns the vertex's current task count, final or not.
	Parallelism() int
	// ParallelismFinal reports whether Parallelism may still change.
	ParallelismFinal() bool
	// SetParallelism overrides parallelism; only legal while not yet final
	// (spec §4.5: "may set/override vertex parallelism only while
	// parallelism is not yet final").
	SetParallelism(n int) error
	// ReconfigureVertex atomically changes parallelism and swaps the edge
	// manager class used by every outgoing edge (spec §4.5).
	ReconfigureVertex(parallelism int, edgeManagerClassName string) error
	// TotalUpstreamTasks is the sum of task counts across every vertex
	// this vertex directly depends on, used by slow-start policies like
	// ShuffleVertexManager to compute a completion fraction.
	TotalUpstreamTasks() int
}

// Plugin is the vertex manager lifecycle contract.
type Plugin interface {
	Initialize(ctx Context)
	OnVertexStarted(completedSources map[string]int)
	OnSourceTaskCompleted(srcVertex string, taskIndex int)
	OnVertexManagerEventReceived(payload []byte)
	OnRootVertexInitialized(inputName string, descriptor []byte, events [][]byte)
}

// Factory constructs a named Plugin from its PluginDescriptor payload.
type Factory func(payload []byte) (Plugin, error)

var registry = map[string]Factory{
	"ImmediateStart": func([]byte) (Plugin, error) { return &ImmediateStart{}, nil },
	"ShuffleVertexManager": func(payload []byte) (Plugin, error) {
		return NewShuffleVertexManager(payload), nil
	},
}

// New instantiates the vertex manager registered under className.
func New(className string, payload []byte) (Plugin, error) {
	f, ok := registry[className]
	if !ok {
		return nil, &UnknownClassError{ClassName: className}
	}
	return f(payload)
}

// UnknownClassError reports a PluginDescriptor naming an unregistered
// vertex manager class.
type UnknownClassError struct {
	ClassName string
}

func (e *UnknownClassError) Error() string {
	return "vertexmanager: unknown class " + e.ClassName
}

// ImmediateStart is spec §4.5's built-in policy: release every task index
// as soon as the vertex starts; ignore source completions and VM events.
type ImmediateStart struct {
	ctx Context
}

func (p *ImmediateStart) Initialize(ctx Context) { p.ctx = ctx }

func (p *ImmediateStart) OnVertexStarted(map[string]int) {
	n := p.ctx.Parallelism()
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	p.ctx.ScheduleVertexTasks(indices)
}

func (p *ImmediateStart) OnSourceTaskCompleted(string, int)                {}
func (p *ImmediateStart) OnVertexManagerEventReceived([]byte)              {}
func (p *ImmediateStart) OnRootVertexInitialized(string, []byte, [][]byte) {}
