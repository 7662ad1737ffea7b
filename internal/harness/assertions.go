package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/twin/internal/value"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}

	return buf.String()
}

// evaluate runs every assertion and returns one message per failure.
func (c *cluster) evaluate(ctx context.Context, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := c.assert(ctx, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return failures
}

func (c *cluster) assert(ctx context.Context, a Assertion) error {
	trace := c.result.Trace
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertState:
		return c.assertState(ctx, a)
	case AssertConverged:
		if err := c.converge(ctx); err != nil {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: "every client replica equal to the server",
				Actual:   err.Error(),
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceContains checks that action was invoked with args as a
// subset of its arguments.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	want, err := value.FromAny(a.Args)
	if err != nil {
		return err
	}
	for _, event := range trace {
		if event.Type == EventInvoke && event.Target == a.Action && matchArgs(event.Args, want.(value.Object)) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %s", a.Action, canonical(want)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first invocation of each action appears
// in the given order. Other events may come between them.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type != EventInvoke {
			continue
		}
		if _, seen := positions[event.Target]; !seen {
			positions[event.Target] = i + 1
		}
	}

	for _, action := range a.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", a.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Actions); i++ {
		prev, curr := a.Actions[i-1], a.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", a.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that action was invoked exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventInvoke && event.Target == a.Action {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertState waits for a node's value of key to equal the expectation.
// Deltas reach clients other than the writer asynchronously.
func (c *cluster) assertState(ctx context.Context, a Assertion) error {
	want, err := value.FromAny(a.Equals)
	if err != nil {
		return err
	}
	node := a.node()
	e := c.node(node)
	if e == nil {
		return fmt.Errorf("unknown node %q", node)
	}
	st, err := e.State(a.Key)
	if err != nil {
		return err
	}

	var last value.Value
	pollErr := c.poll(ctx, func() error {
		last = st.Get()
		if !value.Equal(want, last) {
			return fmt.Errorf("not yet equal")
		}
		return nil
	})
	if pollErr != nil {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("%s %s = %s", node, a.Key, canonical(want)),
			Actual:   fmt.Sprintf("%s %s = %s", node, a.Key, canonical(last)),
		}
	}
	return nil
}

// matchArgs reports whether actual contains every key of expected with a
// deep-equal value. Extra keys in actual are ignored.
func matchArgs(actual value.Value, expected value.Object) bool {
	if len(expected) == 0 {
		return true
	}
	obj, ok := actual.(value.Object)
	if !ok {
		return false
	}
	for k, want := range expected {
		got, exists := obj[k]
		if !exists || !value.Equal(want, got) {
			return false
		}
	}
	return true
}
