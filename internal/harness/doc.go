// Package harness runs multi-process scenarios against real engines.
//
// A scenario starts one server and any number of named clients, all
// connected through an in-process pipe hub, then drives them with action
// invocations, state writes and server restarts. Every step and outcome is
// recorded in a trace stamped by a logical clock, so the same scenario
// always produces the same trace.
//
// # Scenario Format
//
//	name: counter_shared
//	description: "An increment on one client reaches the other"
//	store: memory            # or sqlite
//	clients: [a, b]
//	setup:
//	  - set: counter/count
//	    value: 0
//	flow:
//	  - on: a
//	    invoke: counter/increment
//	    args: { by: 1 }
//	    expect:
//	      result: 1
//	  - on: server
//	    invoke: prefs/toggleTheme
//	    peer: b               # server calls a client action on b
//	  - restart: true         # fresh server over the same store
//	assertions:
//	  - type: state
//	    node: b
//	    key: counter/count
//	    equals: 1
//	  - type: trace_count
//	    action: counter/increment
//	    count: 1
//
// Session ids equal node names, so "peer: b" targets client b.
//
// # Assertions
//
//   - trace_contains: an invocation of action whose args include args
//   - trace_order: first invocations of actions appear in order
//   - trace_count: action invoked exactly count times
//   - state: a node's value for key equals equals, waiting for delivery
//   - converged: every client replica matches the server
//
// # Golden Files
//
// Snapshot renders the trace and every node's final state as text;
// RunWithGolden compares it with testdata/golden/<name>.golden using
// goldie. Regenerate with:
//
//	go test ./internal/harness -update
package harness
