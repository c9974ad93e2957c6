package fleet

//
// Experiment topology: nodes, links, and the network core
//

import (
	"fmt"
	"net/netip"
	"path/filepath"
	"sync"
)

// NodeRole is the role of a node in an experiment.
type NodeRole string

const (
	// RoleCoordinator is the node running the training coordinator.
	RoleCoordinator = NodeRole("coordinator")

	// RoleParticipant is a node running a training participant.
	RoleParticipant = NodeRole("participant")

	// RoleBackground is a node that only generates background traffic.
	RoleBackground = NodeRole("background")
)

// CoreNodeID is the reserved identifier of the network core. Links
// reference it to attach a node to the topology's [Router].
const CoreNodeID = "core"

// topologyDomain is the DNS suffix under which node names resolve.
const topologyDomain = "fleet.test"

// NodeDomain returns the DNS name of the node with the given ID.
func NodeDomain(nodeID string) string {
	return nodeID + "." + topologyDomain
}

// ResourceLimits describes per-node resource limits. The emulation
// does not enforce them; they are exported to the process environment
// and persisted with the run results.
type ResourceLimits struct {
	// CPUs is the CPU quota expressed in cores.
	CPUs float64 `yaml:"cpus"`

	// MemoryMB is the memory quota in megabytes.
	MemoryMB int64 `yaml:"memory_mb"`
}

// NodeSpec describes a node to create when building a topology.
type NodeSpec struct {
	// ID uniquely identifies the node. MUST NOT be [CoreNodeID].
	ID string `yaml:"id"`

	// Role is the node role.
	Role NodeRole `yaml:"role"`

	// Command is the command line of the node's execution unit. May
	// be empty for nodes driven by in-process units.
	Command []string `yaml:"command"`

	// Env contains extra environment variables in KEY=VALUE form.
	Env []string `yaml:"env"`

	// Address is the IPv4 address to assign to the node. When empty
	// the builder assigns an address automatically.
	Address string `yaml:"address"`

	// Limits OPTIONALLY bounds the node's resources.
	Limits *ResourceLimits `yaml:"limits"`
}

// LinkSpec describes a link to create when building a topology. The
// topology is a star, so exactly one of the two endpoints MUST be
// [CoreNodeID] and each node may appear in at most one link.
type LinkSpec struct {
	// A is the first endpoint node ID.
	A string `yaml:"a"`

	// B is the second endpoint node ID.
	B string `yaml:"b"`

	// Profile is the name of the [LinkProfile] to apply.
	Profile string `yaml:"profile"`
}

// nodeID returns the non-core endpoint of the link.
func (ls *LinkSpec) nodeID() string {
	if ls.A == CoreNodeID {
		return ls.B
	}
	return ls.A
}

// ID returns the identifier under which this link's profile is
// tracked, e.g. "alice-core".
func (ls *LinkSpec) ID() string {
	return ls.nodeID() + "-" + CoreNodeID
}

// Node is a node in a built [Topology].
type Node struct {
	// Spec is the spec from which we created this node.
	Spec NodeSpec

	// Stack is the node's network stack.
	Stack *NodeStack

	// attached indicates whether a link connects the node
	// to the network core.
	attached bool
}

// Attached returns whether a link connects this node to the
// network core. Unattached nodes cannot reach any other node.
func (n *Node) Attached() bool {
	return n.attached
}

// TopologyConfig contains config for [BuildTopology].
type TopologyConfig struct {
	// Nodes describes the nodes to create. MANDATORY.
	Nodes []NodeSpec

	// Links describes the links to create. A node without a link is
	// allowed but will be unreachable.
	Links []LinkSpec

	// Profiles is the store resolving the profile names that the
	// links reference. MANDATORY when there are links.
	Profiles *ProfileStore

	// MTU is the MTU to use. Zero implies 1500.
	MTU uint32

	// CaptureDir OPTIONALLY enables per-link PCAP capture into
	// the given directory.
	CaptureDir string
}

// Topology is a built experiment network: a [Router] at the center,
// one [NodeStack] per node, shaped [Link]s attaching nodes to the
// router, and a [DNSServer] resolving "<id>.fleet.test" names. The
// zero value is invalid; construct using [BuildTopology].
type Topology struct {
	// closeOnce allows to have a "once" semantics for Close
	closeOnce sync.Once

	// dnsServer is the embedded DNS server.
	dnsServer *DNSServer

	// links contains all the links we have created
	links []*Link

	// logger is the logger to use
	logger Logger

	// nodes maps node IDs to nodes.
	nodes map[string]*Node

	// order records node IDs in insertion order.
	order []string

	// resolverAddr is the resolver IPv4 address.
	resolverAddr string

	// router is the topology's router
	router *Router
}

// resolverAddress is where the embedded DNS server listens.
const resolverAddress = "10.0.0.1"

// BuildTopology creates the nodes and links described by the given
// [TopologyConfig]. Building is all or nothing: on failure this
// function deallocates every node and link it created so far and
// returns a [TopologyBuildError] describing the step that failed.
func BuildTopology(logger Logger, config *TopologyConfig) (*Topology, error) {
	if err := validateTopologyConfig(config); err != nil {
		return nil, err
	}

	mtu := config.MTU
	if mtu <= 0 {
		mtu = 1500
	}

	t := &Topology{
		closeOnce:    sync.Once{},
		dnsServer:    nil,
		links:        []*Link{},
		logger:       logger,
		nodes:        map[string]*Node{},
		order:        []string{},
		resolverAddr: resolverAddress,
		router:       NewRouter(logger),
	}

	// create the resolver stack and attach it to the router with
	// an unimpaired link
	dnsConfig := NewDNSConfiguration()
	if err := t.attachResolver(mtu, dnsConfig); err != nil {
		t.rollback()
		return nil, &TopologyBuildError{Op: "create resolver", Err: err}
	}

	// create each node's stack and register its DNS name
	addrs := newAddrAllocator()
	for _, spec := range config.Nodes {
		if err := t.createNode(spec, mtu, addrs, dnsConfig); err != nil {
			t.rollback()
			return nil, &TopologyBuildError{
				Op:  fmt.Sprintf("create node %s", spec.ID),
				Err: err,
			}
		}
	}

	// attach nodes to the core applying the link profiles
	for _, spec := range config.Links {
		if err := t.attachNode(spec, config); err != nil {
			t.rollback()
			return nil, &TopologyBuildError{
				Op:  fmt.Sprintf("apply link %s", spec.ID()),
				Err: err,
			}
		}
	}

	return t, nil
}

// validateTopologyConfig checks the topology invariants before we
// allocate anything.
func validateTopologyConfig(config *TopologyConfig) error {
	seen := map[string]bool{}
	coordinators := 0
	for _, spec := range config.Nodes {
		if spec.ID == "" || spec.ID == CoreNodeID {
			return &TopologyBuildError{
				Op:  "validate nodes",
				Err: fmt.Errorf("invalid node ID %q", spec.ID),
			}
		}
		if seen[spec.ID] {
			return &TopologyBuildError{
				Op:  "validate nodes",
				Err: fmt.Errorf("duplicate node ID %q", spec.ID),
			}
		}
		seen[spec.ID] = true
		switch spec.Role {
		case RoleCoordinator:
			coordinators++
		case RoleParticipant, RoleBackground:
		default:
			return &TopologyBuildError{
				Op:  "validate nodes",
				Err: fmt.Errorf("node %s: unknown role %q", spec.ID, spec.Role),
			}
		}
	}
	if coordinators != 1 {
		return &TopologyBuildError{
			Op:  "validate nodes",
			Err: fmt.Errorf("expected a single coordinator, found %d", coordinators),
		}
	}

	attached := map[string]bool{}
	for _, link := range config.Links {
		if (link.A == CoreNodeID) == (link.B == CoreNodeID) {
			return &TopologyBuildError{
				Op:  "validate links",
				Err: fmt.Errorf("link %s-%s: exactly one endpoint must be %q", link.A, link.B, CoreNodeID),
			}
		}
		nodeID := link.nodeID()
		if !seen[nodeID] {
			return &TopologyBuildError{
				Op:  "validate links",
				Err: fmt.Errorf("link references unknown node %q", nodeID),
			}
		}
		if attached[nodeID] {
			return &TopologyBuildError{
				Op:  "validate links",
				Err: fmt.Errorf("node %s appears in more than one link", nodeID),
			}
		}
		attached[nodeID] = true
		if config.Profiles == nil {
			return &TopologyBuildError{
				Op:  "validate links",
				Err: fmt.Errorf("link %s references profile %q but there is no profile store", link.ID(), link.Profile),
			}
		}
	}
	return nil
}

// addrAllocator assigns IPv4 addresses from the 10.0.0.0/24 block,
// skipping the resolver address.
type addrAllocator struct {
	next netip.Addr
	used map[string]bool
}

func newAddrAllocator() *addrAllocator {
	return &addrAllocator{
		next: netip.MustParseAddr("10.0.0.2"),
		used: map[string]bool{resolverAddress: true},
	}
}

// reserve marks an explicitly-configured address as used.
func (a *addrAllocator) reserve(addr string) error {
	if _, err := netip.ParseAddr(addr); err != nil {
		return ErrNotIPAddress
	}
	if a.used[addr] {
		return fmt.Errorf("%w: %s", ErrDuplicateAddr, addr)
	}
	a.used[addr] = true
	return nil
}

// assign returns the next free address.
func (a *addrAllocator) assign() string {
	for a.used[a.next.String()] {
		a.next = a.next.Next()
	}
	addr := a.next.String()
	a.used[addr] = true
	return addr
}

// attachResolver creates the resolver stack, attaches it to the
// router, and starts the DNS server on it.
func (t *Topology) attachResolver(mtu uint32, dnsConfig *DNSConfiguration) error {
	stack, err := NewNodeStack(t.logger, mtu, resolverAddress, "0.0.0.0")
	if err != nil {
		return err
	}

	port := NewRouterPort(t.router)
	link := NewLink(t.logger, stack, port, &LinkConfig{})
	t.links = append(t.links, link)
	t.router.AddRoute(resolverAddress, port)

	server, err := NewDNSServer(t.logger, stack, resolverAddress, dnsConfig)
	if err != nil {
		return err
	}
	t.dnsServer = server
	return nil
}

// createNode creates the stack of a node and registers its DNS name.
func (t *Topology) createNode(
	spec NodeSpec,
	mtu uint32,
	addrs *addrAllocator,
	dnsConfig *DNSConfiguration,
) error {
	address := spec.Address
	if address != "" {
		if err := addrs.reserve(address); err != nil {
			return err
		}
	} else {
		address = addrs.assign()
		spec.Address = address
	}

	stack, err := NewNodeStack(t.logger, mtu, address, resolverAddress)
	if err != nil {
		return err
	}

	if err := dnsConfig.AddRecord(NodeDomain(spec.ID), "", address); err != nil {
		stack.Close()
		return err
	}

	t.nodes[spec.ID] = &Node{
		Spec:     spec,
		Stack:    stack,
		attached: false,
	}
	t.order = append(t.order, spec.ID)
	return nil
}

// attachNode connects a node to the router with a shaped link.
func (t *Topology) attachNode(spec LinkSpec, config *TopologyConfig) error {
	node := t.nodes[spec.nodeID()]

	profile, err := config.Profiles.Get(spec.Profile)
	if err != nil {
		return err
	}
	if err := profile.Validate(); err != nil {
		return err
	}

	lc := &LinkConfig{Profile: profile}
	if config.CaptureDir != "" {
		filename := filepath.Join(config.CaptureDir, spec.ID()+".pcap")
		lc.LeftNICWrapper = PCAPWrapper(filename, t.logger)
	}

	port := NewRouterPort(t.router)
	link := NewLink(t.logger, node.Stack, port, lc) // TAKES OWNERSHIP of stack and port
	t.links = append(t.links, link)
	t.router.AddRoute(node.Spec.Address, port)
	node.attached = true
	return nil
}

// rollback deallocates everything created by a failed build.
func (t *Topology) rollback() {
	t.Close()
}

// Node returns the node with the given ID, when it exists.
func (t *Topology) Node(nodeID string) (*Node, bool) {
	node, found := t.nodes[nodeID]
	return node, found
}

// Nodes returns all nodes in insertion order.
func (t *Topology) Nodes() []*Node {
	out := make([]*Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.nodes[id])
	}
	return out
}

// Coordinator returns the coordinator node.
func (t *Topology) Coordinator() (*Node, bool) {
	for _, node := range t.nodes {
		if node.Spec.Role == RoleCoordinator {
			return node, true
		}
	}
	return nil, false
}

// Participants returns the participant nodes in insertion order.
func (t *Topology) Participants() []*Node {
	var out []*Node
	for _, node := range t.Nodes() {
		if node.Spec.Role == RoleParticipant {
			out = append(out, node)
		}
	}
	return out
}

// ResolverAddress returns the address of the embedded DNS server.
func (t *Topology) ResolverAddress() string {
	return t.resolverAddr
}

// Close closes the DNS server, all the links, and all the node
// stacks created by this topology.
func (t *Topology) Close() error {
	t.closeOnce.Do(func() {
		if t.dnsServer != nil {
			t.dnsServer.Close()
		}
		for _, ln := range t.links {
			// note: closing a [Link] also closes the
			// two NICs using the [Link]
			ln.Close()
		}
		for _, node := range t.nodes {
			if !node.attached {
				node.Stack.Close()
			}
		}
	})
	return nil
}
