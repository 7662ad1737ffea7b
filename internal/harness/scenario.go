package harness

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/roach88/twin/internal/value"
)

// Scenario is a multi-process script: one server and any number of named
// clients connected over an in-process pipe, a list of steps, and
// assertions on the resulting trace and state.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Store selects the server's KV backend: "memory" (default) or
	// "sqlite" (a temporary database file).
	Store string `yaml:"store,omitempty"`

	// Clients names the client processes, connected in this order.
	Clients []string `yaml:"clients,omitempty"`

	// Setup steps run before the flow. A failed setup step aborts the run.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow steps run in order; each may carry an expect clause.
	Flow []Step `yaml:"flow"`

	// Assertions run after the flow.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is exactly one of: an action invocation, a state write, or a
// server restart.
type Step struct {
	// On names the node performing the step. Defaults to the server.
	On string `yaml:"on,omitempty"`

	// Invoke is a namespaced action name, e.g. "counter/increment".
	Invoke string `yaml:"invoke,omitempty"`

	// Args are the action arguments.
	Args map[string]any `yaml:"args,omitempty"`

	// Peer targets a server-side call at a client.
	Peer string `yaml:"peer,omitempty"`

	// Set is a state key to write with Value.
	Set   string `yaml:"set,omitempty"`
	Value any    `yaml:"value,omitempty"`

	// Restart stops the server and starts a fresh one over the same store.
	// Clients resync afterwards, as they would after a reconnect.
	Restart bool `yaml:"restart,omitempty"`

	// Expect checks the step's outcome. Without it the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause describes a step's expected outcome. Result is compared
// for deep equality; Error is a substring of the error message.
type ExpectClause struct {
	Result any    `yaml:"result,omitempty"`
	Error  string `yaml:"error,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is used by trace_contains and trace_count.
	Action string `yaml:"action,omitempty"`

	// Args is a subset match used by trace_contains.
	Args map[string]any `yaml:"args,omitempty"`

	// Count is used by trace_count.
	Count int `yaml:"count,omitempty"`

	// Actions is the expected order for trace_order.
	Actions []string `yaml:"actions,omitempty"`

	// Node, Key and Equals are used by state. Node defaults to the server.
	// A missing Equals expects null.
	Node   string `yaml:"node,omitempty"`
	Key    string `yaml:"key,omitempty"`
	Equals any    `yaml:"equals,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertState         = "state"
	AssertConverged     = "converged"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

var nodeName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so a typo cannot silently disable an assertion.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := scenario.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// Validate checks the scenario's structure. It does not know which
// actions and keys exist; those fail when the scenario runs.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must contain at least one step")
	}

	switch s.Store {
	case "", StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("store must be %q or %q, got %q", StoreMemory, StoreSQLite, s.Store)
	}

	nodes := map[string]bool{ServerNode: true}
	for i, c := range s.Clients {
		if !nodeName.MatchString(c) {
			return fmt.Errorf("clients[%d]: invalid name %q", i, c)
		}
		if nodes[c] {
			return fmt.Errorf("clients[%d]: duplicate node %q", i, c)
		}
		nodes[c] = true
	}

	for i, step := range s.Setup {
		if err := validateStep(step, nodes); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step, nodes); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, nodes); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, nodes map[string]bool) error {
	kinds := 0
	if step.Invoke != "" {
		kinds++
	}
	if step.Set != "" {
		kinds++
	}
	if step.Restart {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("exactly one of invoke, set or restart is required")
	}

	on := step.node()
	if !nodes[on] {
		return fmt.Errorf("unknown node %q", on)
	}
	if step.Restart && on != ServerNode {
		return fmt.Errorf("only the server can restart")
	}
	if step.Peer != "" {
		if on != ServerNode {
			return fmt.Errorf("peer is only valid on the server")
		}
		if !nodes[step.Peer] || step.Peer == ServerNode {
			return fmt.Errorf("unknown peer %q", step.Peer)
		}
	}
	if step.Args != nil {
		if _, err := value.FromAny(step.Args); err != nil {
			return fmt.Errorf("args: %w", err)
		}
	}
	if step.Set != "" {
		if _, err := value.FromAny(step.Value); err != nil {
			return fmt.Errorf("value: %w", err)
		}
	}
	if step.Expect != nil {
		if step.Restart {
			return fmt.Errorf("restart takes no expect clause")
		}
		if step.Expect.Result != nil && step.Expect.Error != "" {
			return fmt.Errorf("expect result and error are exclusive")
		}
		if _, err := value.FromAny(step.Expect.Result); err != nil {
			return fmt.Errorf("expect result: %w", err)
		}
	}
	return nil
}

func validateAssertion(a Assertion, nodes map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("type is required")
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("action is required for trace_contains")
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("actions list is required for trace_order")
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("action is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case AssertState:
		if a.Key == "" {
			return fmt.Errorf("key is required for state")
		}
		if node := a.node(); !nodes[node] {
			return fmt.Errorf("unknown node %q", node)
		}
		if _, err := value.FromAny(a.Equals); err != nil {
			return fmt.Errorf("equals: %w", err)
		}
	case AssertConverged:
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func (s Step) node() string {
	if s.On == "" {
		return ServerNode
	}
	return s.On
}

func (a Assertion) node() string {
	if a.Node == "" {
		return ServerNode
	}
	return a.Node
}
