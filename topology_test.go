package fleet

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// testTopologyNodes returns node specs for a small experiment.
func testTopologyNodes() []NodeSpec {
	return []NodeSpec{{
		ID:   "coordinator",
		Role: RoleCoordinator,
	}, {
		ID:   "alice",
		Role: RoleParticipant,
	}, {
		ID:   "bob",
		Role: RoleParticipant,
	}}
}

// testTopologyLinks attaches every node to the core with the
// given profile name.
func testTopologyLinks() []LinkSpec {
	return []LinkSpec{{
		A:       "coordinator",
		B:       CoreNodeID,
		Profile: "fast",
	}, {
		A:       "alice",
		B:       CoreNodeID,
		Profile: "fast",
	}, {
		A:       "bob",
		B:       CoreNodeID,
		Profile: "fast",
	}}
}

// testProfiles returns a store with a "fast" profile.
func testProfiles(t *testing.T) *ProfileStore {
	store := NewProfileStore()
	if err := store.Set("fast", LinkProfile{}); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestBuildTopologyValidation(t *testing.T) {

	// testcase describes a test case where building must fail
	type testcase struct {
		// name is the name of this test case
		name string

		// config is the config to build
		config *TopologyConfig
	}

	var testcases = []testcase{{
		name: "with no coordinator",
		config: &TopologyConfig{
			Nodes: []NodeSpec{{
				ID:   "alice",
				Role: RoleParticipant,
			}},
		},
	}, {
		name: "with two coordinators",
		config: &TopologyConfig{
			Nodes: []NodeSpec{{
				ID:   "c1",
				Role: RoleCoordinator,
			}, {
				ID:   "c2",
				Role: RoleCoordinator,
			}},
		},
	}, {
		name: "with a duplicate node ID",
		config: &TopologyConfig{
			Nodes: []NodeSpec{{
				ID:   "coordinator",
				Role: RoleCoordinator,
			}, {
				ID:   "coordinator",
				Role: RoleParticipant,
			}},
		},
	}, {
		name: "with a node named like the core",
		config: &TopologyConfig{
			Nodes: []NodeSpec{{
				ID:   CoreNodeID,
				Role: RoleCoordinator,
			}},
		},
	}, {
		name: "with an unknown role",
		config: &TopologyConfig{
			Nodes: []NodeSpec{{
				ID:   "coordinator",
				Role: NodeRole("manager"),
			}},
		},
	}, {
		name: "with a link between two nodes",
		config: &TopologyConfig{
			Nodes: testTopologyNodes(),
			Links: []LinkSpec{{
				A:       "alice",
				B:       "bob",
				Profile: "fast",
			}},
		},
	}, {
		name: "with a link referencing an unknown node",
		config: &TopologyConfig{
			Nodes: testTopologyNodes(),
			Links: []LinkSpec{{
				A:       "carol",
				B:       CoreNodeID,
				Profile: "fast",
			}},
		},
	}, {
		name: "with a node attached twice",
		config: &TopologyConfig{
			Nodes: testTopologyNodes(),
			Links: []LinkSpec{{
				A:       "alice",
				B:       CoreNodeID,
				Profile: "fast",
			}, {
				A:       "alice",
				B:       CoreNodeID,
				Profile: "fast",
			}},
		},
	}}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			tc.config.Profiles = testProfiles(t)
			topo, err := BuildTopology(&NullLogger{}, tc.config)
			var buildErr *TopologyBuildError
			if !errors.As(err, &buildErr) {
				t.Fatal("expected a TopologyBuildError, got", err)
			}
			if topo != nil {
				t.Fatal("expected a nil topology")
			}
		})
	}
}

func TestBuildTopologyAllOrNothing(t *testing.T) {
	t.Run("an unknown profile fails the whole build", func(t *testing.T) {
		config := &TopologyConfig{
			Nodes: testTopologyNodes(),
			Links: []LinkSpec{{
				A:       "coordinator",
				B:       CoreNodeID,
				Profile: "fast",
			}, {
				A:       "alice",
				B:       CoreNodeID,
				Profile: "missing",
			}},
			Profiles: testProfiles(t),
		}
		topo, err := BuildTopology(&NullLogger{}, config)
		if !errors.Is(err, ErrProfileNotFound) {
			t.Fatal("expected ErrProfileNotFound, got", err)
		}
		var buildErr *TopologyBuildError
		if !errors.As(err, &buildErr) {
			t.Fatal("expected a TopologyBuildError, got", err)
		}
		if topo != nil {
			t.Fatal("expected a nil topology")
		}
	})

	t.Run("a duplicate address fails the whole build", func(t *testing.T) {
		config := &TopologyConfig{
			Nodes: []NodeSpec{{
				ID:      "coordinator",
				Role:    RoleCoordinator,
				Address: "10.0.0.7",
			}, {
				ID:      "alice",
				Role:    RoleParticipant,
				Address: "10.0.0.7",
			}},
			Profiles: testProfiles(t),
		}
		topo, err := BuildTopology(&NullLogger{}, config)
		if !errors.Is(err, ErrDuplicateAddr) {
			t.Fatal("expected ErrDuplicateAddr, got", err)
		}
		if topo != nil {
			t.Fatal("expected a nil topology")
		}
	})
}

func TestBuildTopology(t *testing.T) {
	config := &TopologyConfig{
		Nodes:    testTopologyNodes(),
		Links:    testTopologyLinks(),
		Profiles: testProfiles(t),
	}
	topo, err := BuildTopology(&NullLogger{}, config)
	if err != nil {
		t.Fatal(err)
	}
	defer topo.Close()

	t.Run("every node gets a distinct address", func(t *testing.T) {
		seen := map[string]bool{}
		for _, node := range topo.Nodes() {
			addr := node.Spec.Address
			if addr == "" {
				t.Fatal("node", node.Spec.ID, "has no address")
			}
			if seen[addr] {
				t.Fatal("duplicate address", addr)
			}
			seen[addr] = true
		}
	})

	t.Run("role accessors work", func(t *testing.T) {
		coordinator, found := topo.Coordinator()
		if !found || coordinator.Spec.ID != "coordinator" {
			t.Fatal("cannot find the coordinator")
		}
		if len(topo.Participants()) != 2 {
			t.Fatal("unexpected number of participants")
		}
	})

	t.Run("all nodes are attached", func(t *testing.T) {
		for _, node := range topo.Nodes() {
			if !node.Attached() {
				t.Fatal("node", node.Spec.ID, "is not attached")
			}
		}
	})

	t.Run("nodes resolve each other by name", func(t *testing.T) {
		coordinator, _ := topo.Coordinator()
		alice, _ := topo.Node("alice")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		addrs, err := (&Net{Stack: coordinator.Stack}).LookupHost(ctx, NodeDomain("alice"))
		if err != nil {
			t.Fatal(err)
		}
		if len(addrs) != 1 || addrs[0] != alice.Spec.Address {
			t.Fatal("unexpected addresses", addrs)
		}
	})

	t.Run("nodes exchange TCP traffic through the core", func(t *testing.T) {
		alice, _ := topo.Node("alice")
		bob, _ := topo.Node("bob")

		listener, err := bob.Stack.ListenTCP("tcp", &net.TCPAddr{
			IP:   net.ParseIP(bob.Spec.Address),
			Port: 54321,
		})
		if err != nil {
			t.Fatal(err)
		}
		defer listener.Close()
		go func() {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			buffer := make([]byte, 128)
			count, err := conn.Read(buffer)
			if err != nil {
				return
			}
			_, _ = conn.Write(buffer[:count])
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := (&Net{Stack: alice.Stack}).DialContext(ctx, "tcp", NodeDomain("bob")+":54321")
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		if _, err := conn.Write([]byte("hello")); err != nil {
			t.Fatal(err)
		}
		buffer := make([]byte, 128)
		count, err := conn.Read(buffer)
		if err != nil {
			t.Fatal(err)
		}
		if string(buffer[:count]) != "hello" {
			t.Fatal("unexpected echo payload")
		}
	})
}

func TestTopologyUnattachedNode(t *testing.T) {
	config := &TopologyConfig{
		Nodes: testTopologyNodes(),
		Links: []LinkSpec{{
			A:       "coordinator",
			B:       CoreNodeID,
			Profile: "fast",
		}, {
			A:       "alice",
			B:       CoreNodeID,
			Profile: "fast",
		}},
		Profiles: testProfiles(t),
	}
	topo, err := BuildTopology(&NullLogger{}, config)
	if err != nil {
		t.Fatal(err)
	}
	defer topo.Close()

	bob, _ := topo.Node("bob")
	if bob.Attached() {
		t.Fatal("expected bob to be unattached")
	}

	// closing twice must be safe
	if err := topo.Close(); err != nil {
		t.Fatal(err)
	}
	if err := topo.Close(); err != nil {
		t.Fatal(err)
	}
}
