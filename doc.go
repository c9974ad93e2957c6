// Package fleet emulates federated-learning deployments over impaired
// networks and orchestrates experiment runs inside the emulated topology.
//
// The emulation substrate consists of Gvisor-based TCP/IP stacks in
// userspace, one per topology node ([NodeStack]), connected by [Link]s
// that shape traffic according to a [LinkProfile] (bandwidth, one-way
// delay, jitter, loss rate, and queue discipline). Nodes attach to a
// central [Router], and an embedded DNS server resolves node names
// such as "flc-1.fleet.test" inside the emulated network.
//
// [BuildTopology] turns node and link specifications into a running
// [Topology]. Building is all-or-nothing: when any link cannot be
// applied, everything allocated so far is released and the build fails
// with a [TopologyBuildError].
//
// Execution units (the FL coordinator, FL participants, and background
// traffic generators) implement the [ExecUnit] capability. The default
// implementation, [ProcessUnit], launches a real OS process whose
// traffic reaches the emulated network through per-node [Gateway]
// forwarders, so the FL framework under test remains opaque to fleet.
//
// The [Orchestrator] drives the experiment state machine: topology
// bring-up, connectivity verification, unit launch, round monitoring,
// and a teardown sequence that runs exactly once regardless of how the
// run ends. On completion or failure the [Collector] aggregates unit
// logs and network metrics into a timestamped run directory.
package fleet
