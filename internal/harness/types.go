package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/twin/internal/value"
)

// EventType labels one trace line.
type EventType string

const (
	EventInvoke  EventType = "invoke"
	EventSet     EventType = "set"
	EventRestart EventType = "restart"
	EventResult  EventType = "result"
	EventError   EventType = "error"
)

// ServerNode is the reserved node name of the server process.
const ServerNode = "server"

// TraceEvent is one step or outcome observed while running a scenario.
// Seq comes from a logical clock, so equal runs produce equal traces.
type TraceEvent struct {
	Seq    int64
	Type   EventType
	Node   string
	Target string      // action name or state key
	Peer   string      // client targeted by a server call
	Args   value.Value // action args or the value being set
	Result value.Value
	Error  string
}

// String renders the event as a single golden line.
func (ev TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s", ev.Seq, ev.Node, ev.Type)
	switch ev.Type {
	case EventInvoke, EventSet:
		fmt.Fprintf(&b, " %s", ev.Target)
		if ev.Peer != "" {
			fmt.Fprintf(&b, " peer=%s", ev.Peer)
		}
		fmt.Fprintf(&b, " %s", canonical(ev.Args))
	case EventResult:
		fmt.Fprintf(&b, " %s", canonical(ev.Result))
	case EventError:
		fmt.Fprintf(&b, " %s", ev.Error)
	}
	return b.String()
}

// canonical renders v for trace output. Values in a trace were produced by
// the engine, so encoding cannot fail for them.
func canonical(v value.Value) string {
	out, err := value.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(out)
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool

	// Trace holds every step and outcome in execution order.
	Trace []TraceEvent

	// Errors holds one message per failed expectation.
	Errors []string

	// Nodes lists node names in report order: the server, then clients
	// in declaration order.
	Nodes []string

	// State is every node's final view, keyed by node then state key.
	State map[string]map[string]value.Value
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]map[string]value.Value),
	}
}

// AddError records a failed expectation and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// Invocations returns the invoke events for action, in order.
func (r *Result) Invocations(action string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventInvoke && ev.Target == action {
			out = append(out, ev)
		}
	}
	return out
}
