package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newOrchestratorTestConfig returns a config with three attached
// nodes writing results into a temporary directory.
func newOrchestratorTestConfig(t *testing.T) *Config {
	return &Config{
		Name:      "itest",
		OutputDir: t.TempDir(),
		Workdir:   t.TempDir(),
		Nodes: []NodeSpec{{
			ID:   "coordinator",
			Role: RoleCoordinator,
		}, {
			ID:   "alice",
			Role: RoleParticipant,
		}, {
			ID:   "bob",
			Role: RoleParticipant,
		}, {
			ID:   "carol",
			Role: RoleParticipant,
		}},
		Links: []LinkSpec{{
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
		}, {
			A:       "carol",
			B:       CoreNodeID,
			Profile: "fast",
		}},
		Profiles: map[string]LinkProfile{
			"fast": {},
		},
		Timeouts: Timeouts{
			Run: Duration(time.Minute),
		},
	}
}

// envValue extracts the value of an environment variable from a unit's
// KEY=VALUE environment.
func envValue(env []string, key string) string {
	for _, entry := range env {
		if strings.HasPrefix(entry, key+"=") {
			return entry[len(key)+1:]
		}
	}
	return ""
}

// echoOnceCoordinator returns a unit main accepting the given number
// of connections and echoing a single message on each.
func echoOnceCoordinator(listen string, conns int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		listener, err := net.Listen("tcp", listen)
		if err != nil {
			return err
		}
		defer listener.Close()
		for idx := 0; idx < conns; idx++ {
			conn, err := listener.Accept()
			if err != nil {
				return err
			}
			conn.SetDeadline(time.Now().Add(10 * time.Second))
			buffer := make([]byte, 1024)
			count, err := conn.Read(buffer)
			if err != nil {
				conn.Close()
				return err
			}
			if _, err := conn.Write(buffer[:count]); err != nil {
				conn.Close()
				return err
			}
			conn.Close()
		}
		return nil
	}
}

// dialingParticipant returns a unit main that sends one message to the
// coordinator and verifies the echo, retrying while the coordinator
// comes up.
func dialingParticipant(coordinator, message string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt < 50; attempt++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			lastErr = func() error {
				conn, err := net.Dial("tcp", coordinator)
				if err != nil {
					return err
				}
				defer conn.Close()
				conn.SetDeadline(time.Now().Add(10 * time.Second))
				if _, err := conn.Write([]byte(message)); err != nil {
					return err
				}
				buffer := make([]byte, 1024)
				count, err := conn.Read(buffer)
				if err != nil {
					return err
				}
				if string(buffer[:count]) != message {
					return errors.New("unexpected echo payload")
				}
				return nil
			}()
			if lastErr == nil {
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return lastErr
	}
}

func TestOrchestratorCompletedRun(t *testing.T) {
	config := newOrchestratorTestConfig(t)
	config.Rounds = 2
	orch, err := NewOrchestrator(&NullLogger{}, config)
	if err != nil {
		t.Fatal(err)
	}

	// in-process units exchanging one echo through the gateways and
	// leaving a log file behind like real training processes would
	orch.UnitFactory = func(node *Node, config *ProcessUnitConfig) ExecUnit {
		var main func(ctx context.Context) error
		switch node.Spec.Role {
		case RoleCoordinator:
			listen := envValue(config.Env, EnvListen)
			main = echoOnceCoordinator(listen, 3)
		default:
			coordinator := envValue(config.Env, EnvCoordinator)
			main = dialingParticipant(coordinator, config.Name)
		}
		logpath := filepath.Join(config.LogDir, config.Name+".log")
		return NewFuncUnit(config.Name, func(ctx context.Context) error {
			err := main(ctx)
			content := "round 1 done\nround 2 done\n"
			if writeErr := os.WriteFile(logpath, []byte(content), 0644); writeErr != nil {
				return writeErr
			}
			return err
		})
	}

	if orch.Status() != StatusPending {
		t.Fatal("unexpected initial status", orch.Status())
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := orch.Start(context.Background()); !errors.Is(err, ErrRunStarted) {
		t.Fatal("expected ErrRunStarted, got", err)
	}

	report, err := orch.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusCompleted {
		t.Fatal("unexpected status", report.Status, report.Failure)
	}
	if orch.Status() != StatusCompleted {
		t.Fatal("unexpected orchestrator status")
	}
	if report.Failure != "" {
		t.Fatal("unexpected failure", report.Failure)
	}
	if !strings.HasPrefix(report.RunID, "itest-") {
		t.Fatal("unexpected run ID", report.RunID)
	}

	// a finished run cannot be restarted
	if err := orch.Start(context.Background()); !errors.Is(err, ErrRunFinished) {
		t.Fatal("expected ErrRunFinished, got", err)
	}

	// the run directory contains the persisted artifacts
	var persisted RunReport
	data, err := os.ReadFile(filepath.Join(orch.RunDir(), "run.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.Status != StatusCompleted || persisted.RunID != orch.RunID() {
		t.Fatal("unexpected persisted report")
	}
	for _, relpath := range []string{
		"metrics.json",
		filepath.Join("network", "profiles.json"),
		filepath.Join("network", "probes.json"),
	} {
		if _, err := os.Stat(filepath.Join(orch.RunDir(), relpath)); err != nil {
			t.Fatal(err)
		}
	}

	var probes []*ProbeResult
	data, err = os.ReadFile(filepath.Join(orch.RunDir(), "network", "probes.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &probes); err != nil {
		t.Fatal(err)
	}
	if len(probes) != 3 {
		t.Fatal("unexpected number of probe results")
	}
	for _, probe := range probes {
		if !probe.OK {
			t.Fatal("probe failed for", probe.Node, probe.Failure)
		}
	}

	// every unit's log was collected into the run directory
	for _, id := range []string{"coordinator", "alice", "bob", "carol"} {
		logpath := filepath.Join(orch.RunDir(), "nodes", id, id+".log")
		if _, err := os.Stat(logpath); err != nil {
			t.Fatal(err)
		}
	}
	if persisted.Rounds != 2 {
		t.Fatal("unexpected rounds in the persisted report")
	}
}

func TestOrchestratorTrafficFailureDoesNotFailRun(t *testing.T) {
	config := newOrchestratorTestConfig(t)

	// the traffic spec references a node that does not exist, so the
	// controller cannot start; the run must complete anyway
	config.Traffic = []TrafficSpec{{
		From:    "ghost",
		To:      "alice",
		RateBps: 1 << 20,
	}}

	orch, err := NewOrchestrator(&NullLogger{}, config)
	if err != nil {
		t.Fatal(err)
	}
	orch.UnitFactory = func(node *Node, config *ProcessUnitConfig) ExecUnit {
		return NewFuncUnit(config.Name, func(ctx context.Context) error {
			return nil
		})
	}

	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	report, err := orch.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusCompleted {
		t.Fatal("unexpected status", report.Status, report.Failure)
	}

	// the traffic failure surfaces as a gap in the metrics bundle
	var bundle MetricsBundle
	data, err := os.ReadFile(filepath.Join(orch.RunDir(), "metrics.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, gap := range bundle.Gaps {
		if strings.Contains(gap, "background traffic") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a background traffic gap, got", bundle.Gaps)
	}
}

func TestOrchestratorConnectivityFailure(t *testing.T) {
	config := newOrchestratorTestConfig(t)

	// detach bob and carol so the connectivity check fails
	config.Links = config.Links[:2]
	config.Timeouts.Probe = Duration(2 * time.Second)

	orch, err := NewOrchestrator(&NullLogger{}, config)
	if err != nil {
		t.Fatal(err)
	}
	var unitsCreated int
	orch.UnitFactory = func(node *Node, config *ProcessUnitConfig) ExecUnit {
		unitsCreated++
		return NewFuncUnit(config.Name, func(ctx context.Context) error {
			return nil
		})
	}

	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	report, err := orch.Wait()
	if !errors.Is(err, ErrConnectivity) {
		t.Fatal("expected ErrConnectivity, got", err)
	}
	if report.Status != StatusFailed {
		t.Fatal("unexpected status", report.Status)
	}
	if !strings.Contains(report.Failure, "bob") {
		t.Fatal("expected the failure to name bob, got", report.Failure)
	}
	if unitsCreated != 0 {
		t.Fatal("units must not start when connectivity fails")
	}

	// teardown still collected the probe results
	var probes []*ProbeResult
	data, err := os.ReadFile(filepath.Join(orch.RunDir(), "network", "probes.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &probes); err != nil {
		t.Fatal(err)
	}
	if len(probes) != 3 {
		t.Fatal("unexpected number of probe results")
	}
}

func TestOrchestratorUnitFailure(t *testing.T) {
	config := newOrchestratorTestConfig(t)
	orch, err := NewOrchestrator(&NullLogger{}, config)
	if err != nil {
		t.Fatal(err)
	}

	// bob fails shortly after becoming healthy
	orch.UnitFactory = func(node *Node, config *ProcessUnitConfig) ExecUnit {
		if node.Spec.ID == "bob" {
			return NewFuncUnit(config.Name, func(ctx context.Context) error {
				time.Sleep(200 * time.Millisecond)
				return errors.New("training diverged")
			})
		}
		return NewFuncUnit(config.Name, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	}

	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	report, err := orch.Wait()
	var exitErr *UnexpectedUnitExit
	if !errors.As(err, &exitErr) {
		t.Fatal("expected an UnexpectedUnitExit, got", err)
	}
	if exitErr.Unit != "bob" {
		t.Fatal("unexpected failing unit", exitErr.Unit)
	}
	if report.Status != StatusFailed {
		t.Fatal("unexpected status", report.Status)
	}
}

func TestOrchestratorAbort(t *testing.T) {
	config := newOrchestratorTestConfig(t)
	orch, err := NewOrchestrator(&NullLogger{}, config)
	if err != nil {
		t.Fatal(err)
	}

	// units run until stopped
	orch.UnitFactory = func(node *Node, config *ProcessUnitConfig) ExecUnit {
		return NewFuncUnit(config.Name, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	}

	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// wait for the training phase, then abort
	deadline := time.Now().Add(30 * time.Second)
	for orch.Status() != StatusTraining {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the training phase")
		}
		time.Sleep(50 * time.Millisecond)
	}
	orch.Abort()

	report, err := orch.Wait()
	if err == nil {
		t.Fatal("expected an error")
	}
	if report.Status != StatusFailed {
		t.Fatal("unexpected status", report.Status)
	}
	if !strings.Contains(report.Failure, "interrupted") {
		t.Fatal("unexpected failure", report.Failure)
	}

	// aborting again is a no-op
	orch.Abort()
}

func TestOrchestratorRunTimeout(t *testing.T) {
	config := newOrchestratorTestConfig(t)
	config.Timeouts.Run = Duration(3 * time.Second)
	orch, err := NewOrchestrator(&NullLogger{}, config)
	if err != nil {
		t.Fatal(err)
	}
	orch.UnitFactory = func(node *Node, config *ProcessUnitConfig) ExecUnit {
		return NewFuncUnit(config.Name, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	report, err := orch.Wait()
	if err == nil {
		t.Fatal("expected an error")
	}
	if report.Status != StatusFailed {
		t.Fatal("unexpected status", report.Status)
	}
}

func TestNewOrchestratorRejectsInvalidConfig(t *testing.T) {
	if _, err := NewOrchestrator(&NullLogger{}, &Config{}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestRoundMarker(t *testing.T) {

	// testcase describes a test case for the round marker
	type testcase struct {
		// line is the log line to match
		line string

		// expect is the expected round or zero for no match
		expect string
	}

	var testcases = []testcase{{
		line:   "INFO: starting round 3 of 10",
		expect: "3",
	}, {
		line:   "Round #7 complete",
		expect: "7",
	}, {
		line:   "round: 12",
		expect: "12",
	}, {
		line:   "roundtrip took 3ms",
		expect: "",
	}, {
		line:   "no progress here",
		expect: "",
	}}

	for _, tc := range testcases {
		t.Run(tc.line, func(t *testing.T) {
			match := roundMarker.FindStringSubmatch(tc.line)
			if tc.expect == "" {
				if match != nil {
					t.Fatal("expected no match, got", match)
				}
				return
			}
			if match == nil || match[1] != tc.expect {
				t.Fatal("expected round", tc.expect, "got", match)
			}
		})
	}
}

func TestNewRunID(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 30, 45, 0, time.UTC)
	if got := newRunID("exp", now); got != "exp-20240301T123045Z" {
		t.Fatal("unexpected run ID", got)
	}
}
