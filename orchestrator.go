package fleet

//
// Experiment orchestration
//

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// RunStatus is the state of an experiment run.
type RunStatus string

const (
	// StatusPending means the run has not built its network yet.
	StatusPending = RunStatus("pending")

	// StatusNetworkReady means the topology has been built.
	StatusNetworkReady = RunStatus("network_ready")

	// StatusConnectivityVerified means all participants answered
	// the connectivity probes.
	StatusConnectivityVerified = RunStatus("connectivity_verified")

	// StatusTraining means all units are running and healthy.
	StatusTraining = RunStatus("training")

	// StatusCompleted means the run finished successfully.
	StatusCompleted = RunStatus("completed")

	// StatusFailed means the run failed.
	StatusFailed = RunStatus("failed")
)

// Terminal returns whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Environment variables through which units learn their role.
const (
	// EnvRole is the node role.
	EnvRole = "FLEET_ROLE"

	// EnvNodeID is the node ID.
	EnvNodeID = "FLEET_NODE_ID"

	// EnvRounds is the number of training rounds.
	EnvRounds = "FLEET_ROUNDS"

	// EnvListen is where the coordinator process should listen.
	EnvListen = "FLEET_LISTEN"

	// EnvCoordinator is where participant processes should connect.
	EnvCoordinator = "FLEET_COORDINATOR"

	// EnvReadyFile is the readiness marker the process must create.
	EnvReadyFile = "FLEET_READY_FILE"

	// EnvLogDir is where the process may write extra logs.
	EnvLogDir = "FLEET_LOG_DIR"
)

// CoordinatorPort is the TCP port where the coordinator serves
// training traffic inside the emulated network.
const CoordinatorPort = 9092

// newRunID derives a run ID from the experiment name and the
// current UTC time.
func newRunID(name string, now time.Time) string {
	return name + "-" + now.UTC().Format("20060102T150405Z")
}

// UnitFactory creates the [ExecUnit] for a node. Tests override it to
// substitute in-process units for real processes.
type UnitFactory func(node *Node, config *ProcessUnitConfig) ExecUnit

// Orchestrator drives an experiment run through its states:
//
//	pending -> network_ready -> connectivity_verified -> training
//	        -> completed | failed
//
// Teardown runs exactly once on every path out of the run, including
// failures and aborts. The zero value is invalid; construct using
// [NewOrchestrator].
type Orchestrator struct {
	// UnitFactory OPTIONALLY overrides how units are created. Set
	// it before calling Start.
	UnitFactory UnitFactory

	// cancel interrupts the run goroutine.
	cancel context.CancelFunc

	// collector gathers the run artifacts.
	collector *Collector

	// config is the experiment config.
	config *Config

	// done is closed when the run reaches a terminal state.
	done chan any

	// failure is the first error that failed the run.
	failure error

	// gateways are the relay endpoints for process units.
	gateways []*Gateway

	// logDir is the staging directory for unit logs.
	logDir string

	// logger is the logger to use.
	logger Logger

	// mu protects status, failure, and started.
	mu sync.Mutex

	// probeResults are the connectivity probe results.
	probeResults []*ProbeResult

	// responders are the probe responders.
	responders []*ProbeResponder

	// runID uniquely identifies this run.
	runID string

	// started tells whether Start has been called.
	started bool

	// startedAt is when Start was called.
	startedAt time.Time

	// status is the current run status.
	status RunStatus

	// teardownOnce makes teardown run exactly once.
	teardownOnce sync.Once

	// topo is the built topology.
	topo *Topology

	// traffic is the background traffic controller.
	traffic *TrafficController

	// units are the execution units, coordinator first.
	units []ExecUnit

	// workdir is the staging directory of the run.
	workdir string
}

// NewOrchestrator creates an [Orchestrator] for the given config,
// along with the run directory where results will be collected.
func NewOrchestrator(logger Logger, config *Config) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	runID := newRunID(config.Name, time.Now())

	collector, err := NewCollector(logger, config.OutputDir, runID)
	if err != nil {
		return nil, err
	}

	workdir := config.Workdir
	if workdir == "" {
		workdir, err = os.MkdirTemp("", "fleet-")
		if err != nil {
			return nil, err
		}
	}
	logDir := filepath.Join(workdir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	return &Orchestrator{
		UnitFactory:  nil,
		cancel:       nil,
		collector:    collector,
		config:       config,
		done:         make(chan any),
		failure:      nil,
		gateways:     nil,
		logDir:       logDir,
		logger:       logger,
		mu:           sync.Mutex{},
		probeResults: nil,
		responders:   nil,
		runID:        runID,
		started:      false,
		startedAt:    time.Time{},
		status:       StatusPending,
		teardownOnce: sync.Once{},
		topo:         nil,
		traffic:      nil,
		units:        nil,
		workdir:      workdir,
	}, nil
}

// RunID returns the run identifier.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// RunDir returns the directory where results are collected.
func (o *Orchestrator) RunDir() string {
	return o.collector.RunDir()
}

// Status returns the current run status.
func (o *Orchestrator) Status() RunStatus {
	defer o.mu.Unlock()
	o.mu.Lock()
	return o.status
}

// setStatus transitions to the given status.
func (o *Orchestrator) setStatus(status RunStatus) {
	o.mu.Lock()
	o.status = status
	o.mu.Unlock()
	o.logger.Infof("fleet: run %s: %s", o.runID, status)
}

// recordFailure records the first failure of the run.
func (o *Orchestrator) recordFailure(err error) {
	o.mu.Lock()
	if o.failure == nil {
		o.failure = err
	}
	o.mu.Unlock()
	o.logger.Warnf("fleet: run %s: %s", o.runID, err.Error())
}

// Start launches the run in a background goroutine. Calling Start on
// a running run returns [ErrRunStarted]; calling it on a finished run
// returns [ErrRunFinished].
func (o *Orchestrator) Start(ctx context.Context) error {
	defer o.mu.Unlock()
	o.mu.Lock()
	if o.started {
		if o.status.Terminal() {
			return ErrRunFinished
		}
		return ErrRunStarted
	}
	o.started = true
	o.startedAt = time.Now()

	if timeout := o.config.Timeouts.Run.D(); timeout > 0 {
		ctx, o.cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, o.cancel = context.WithCancel(ctx)
	}
	go o.run(ctx)
	return nil
}

// Abort interrupts a running experiment. The run transitions to the
// failed state through the normal teardown path. Aborting a run that
// already finished has no effect.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	cancel, started := o.cancel, o.started
	o.mu.Unlock()
	if started && cancel != nil {
		cancel()
	}
}

// Wait blocks until the run reaches a terminal state, then returns
// the final report along with the failure that ended the run, if any.
// Wait may be called by multiple goroutines.
func (o *Orchestrator) Wait() (*RunReport, error) {
	<-o.done
	defer o.mu.Unlock()
	o.mu.Lock()
	report := &RunReport{
		RunID:   o.runID,
		Name:    o.config.Name,
		Status:  o.status,
		Failure: "",
		Started: o.startedAt,
		Ended:   time.Now(),
		Rounds:  o.config.Rounds,
		Nodes:   o.config.Nodes,
	}
	if o.failure != nil {
		report.Failure = o.failure.Error()
	}
	return report, o.failure
}

// run drives the experiment from network build to teardown.
func (o *Orchestrator) run(ctx context.Context) {
	defer o.cancel()
	err := o.steps(ctx)
	if err != nil {
		o.recordFailure(err)
	}
	o.teardown(ctx)

	o.mu.Lock()
	failed := o.failure != nil
	o.mu.Unlock()
	if failed {
		o.setStatus(StatusFailed)
	} else {
		o.setStatus(StatusCompleted)
	}
	o.writeReport()
	close(o.done)
}

// steps performs the forward phases of the run.
func (o *Orchestrator) steps(ctx context.Context) error {
	if err := o.buildNetwork(); err != nil {
		return err
	}
	o.setStatus(StatusNetworkReady)

	if err := o.verifyConnectivity(ctx); err != nil {
		return err
	}
	o.setStatus(StatusConnectivityVerified)

	o.startTraffic(ctx)

	if err := o.startUnits(ctx); err != nil {
		return err
	}
	o.setStatus(StatusTraining)

	if coordinator, found := o.topo.Coordinator(); found && len(o.units) > 0 {
		go o.watchRounds(ctx, coordinator.Spec.ID)
	}

	return o.monitorTraining(ctx)
}

// roundMarker matches round-progress lines in a coordinator log.
var roundMarker = regexp.MustCompile(`(?i)\bround[ #:]+([0-9]+)`)

// watchRounds follows the coordinator's log and logs round progress.
// Purely observational: the run outcome only depends on unit exits.
func (o *Orchestrator) watchRounds(ctx context.Context, name string) {
	logpath := filepath.Join(o.logDir, name+".log")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastRound := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := os.ReadFile(logpath)
			if err != nil {
				continue
			}
			for _, match := range roundMarker.FindAllSubmatch(data, -1) {
				round, err := strconv.Atoi(string(match[1]))
				if err != nil || round <= lastRound {
					continue
				}
				lastRound = round
				o.logger.Infof("fleet: run %s: round %d/%d", o.runID, round, o.config.Rounds)
			}
		}
	}
}

// buildNetwork builds the topology from the config.
func (o *Orchestrator) buildNetwork() error {
	store, err := o.config.ProfileStore()
	if err != nil {
		return err
	}
	tc := &TopologyConfig{
		Nodes:      o.config.Nodes,
		Links:      o.config.Links,
		Profiles:   store,
		MTU:        o.config.MTU,
		CaptureDir: "",
	}
	if o.config.Capture {
		tc.CaptureDir = o.collector.NetworkDir()
	}
	topo, err := BuildTopology(o.logger, tc)
	if err != nil {
		return err
	}
	o.topo = topo
	o.collector.CollectProfiles(store.Snapshot())
	return nil
}

// verifyConnectivity probes every participant from the coordinator.
func (o *Orchestrator) verifyConnectivity(ctx context.Context) error {
	coordinator, found := o.topo.Coordinator()
	if !found {
		return &TopologyBuildError{Op: "verify connectivity", Err: ErrConnectivity}
	}

	participants := o.topo.Participants()
	for _, node := range participants {
		responder, err := NewProbeResponder(o.logger, node.Stack, node.Spec.Address)
		if err != nil {
			return err
		}
		o.responders = append(o.responders, responder)
	}

	prober := NewProber(&ProberConfig{
		Logger:  o.logger,
		Network: coordinator.Stack,
		Timeout: o.config.Timeouts.Probe.D(),
		Samples: 0,
	})
	results, err := prober.VerifyConnectivity(ctx, participants)
	o.probeResults = results
	return err
}

// startTraffic starts the background traffic streams, when there are
// any. Traffic startup failures never fail the run: we log them and
// record a gap in the metrics bundle, then training proceeds without
// the background load.
func (o *Orchestrator) startTraffic(ctx context.Context) {
	if len(o.config.Traffic) <= 0 {
		return
	}
	o.traffic = NewTrafficController(o.logger, o.topo)
	if err := o.traffic.Start(ctx, o.config.Traffic); err != nil {
		o.collector.addGap("background traffic", err)
	}
}

// startUnits starts the coordinator first and then the participants,
// waiting for each unit to become healthy.
func (o *Orchestrator) startUnits(ctx context.Context) error {
	coordinator, _ := o.topo.Coordinator()

	coordUnit, err := o.createCoordinatorUnit(coordinator)
	if err != nil {
		return err
	}
	if coordUnit != nil {
		if err := o.launchUnit(ctx, coordUnit); err != nil {
			return err
		}
	}

	for _, node := range o.topo.Nodes() {
		if node.Spec.Role == RoleCoordinator {
			continue
		}
		unit, err := o.createMemberUnit(node, coordinator)
		if err != nil {
			return err
		}
		if unit == nil {
			continue
		}
		if err := o.launchUnit(ctx, unit); err != nil {
			return err
		}
	}
	return nil
}

// launchUnit starts one unit and waits for it to become healthy.
func (o *Orchestrator) launchUnit(ctx context.Context, unit ExecUnit) error {
	o.units = append(o.units, unit)
	if err := unit.Start(ctx); err != nil {
		return err
	}
	o.logger.Infof("fleet: unit %s started", unit.Name())
	healthCtx, cancel := context.WithTimeout(ctx, o.config.Timeouts.Health.D())
	defer cancel()
	if err := unit.WaitHealthy(healthCtx); err != nil {
		return err
	}
	o.logger.Infof("fleet: unit %s healthy", unit.Name())
	return nil
}

// baseEnv returns the environment variables common to all units.
func (o *Orchestrator) baseEnv(node *Node) []string {
	env := append([]string{}, node.Spec.Env...)
	env = append(env,
		EnvRole+"="+string(node.Spec.Role),
		EnvNodeID+"="+node.Spec.ID,
		EnvRounds+"="+strconv.Itoa(o.config.Rounds),
		EnvReadyFile+"="+o.readyFile(node),
		EnvLogDir+"="+o.logDir,
	)
	if limits := node.Spec.Limits; limits != nil {
		env = append(env,
			"FLEET_LIMIT_CPUS="+strconv.FormatFloat(limits.CPUs, 'f', -1, 64),
			"FLEET_LIMIT_MEMORY_MB="+strconv.FormatInt(limits.MemoryMB, 10),
		)
	}
	return env
}

// readyFile returns the readiness marker path of a node.
func (o *Orchestrator) readyFile(node *Node) string {
	return filepath.Join(o.workdir, node.Spec.ID+".ready")
}

// newUnit creates a unit from a process config honouring the factory.
func (o *Orchestrator) newUnit(node *Node, config *ProcessUnitConfig) ExecUnit {
	if o.UnitFactory != nil {
		return o.UnitFactory(node, config)
	}
	return NewProcessUnit(config)
}

// createCoordinatorUnit creates the coordinator's unit and the
// ingress gateway carrying training traffic from the emulated network
// to the coordinator process. Returns a nil unit when the node has no
// command and no factory overrides unit creation.
func (o *Orchestrator) createCoordinatorUnit(node *Node) (ExecUnit, error) {
	if len(node.Spec.Command) <= 0 && o.UnitFactory == nil {
		return nil, nil
	}

	// the coordinator process listens on the host loopback
	listenPort, err := freePort()
	if err != nil {
		return nil, err
	}
	listen := net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort))

	// ingress gateway: emulated network -> coordinator process
	gw, err := NewGateway(&GatewayConfig{
		Logger: o.logger,
		Accept: node.Stack,
		ListenAddr: &net.TCPAddr{
			IP:   net.ParseIP(node.Spec.Address),
			Port: CoordinatorPort,
		},
		Dial:   &Stdlib{},
		Target: listen,
	})
	if err != nil {
		return nil, err
	}
	o.gateways = append(o.gateways, gw)

	env := append(o.baseEnv(node), EnvListen+"="+listen)
	return o.newUnit(node, &ProcessUnitConfig{
		Name:      node.Spec.ID,
		Command:   node.Spec.Command,
		Env:       env,
		Dir:       o.workdir,
		LogDir:    o.logDir,
		ReadyFile: o.readyFile(node),
	}), nil
}

// createMemberUnit creates a participant or background unit and the
// egress gateway carrying its traffic into the emulated network.
func (o *Orchestrator) createMemberUnit(node *Node, coordinator *Node) (ExecUnit, error) {
	if len(node.Spec.Command) <= 0 && o.UnitFactory == nil {
		return nil, nil
	}

	// egress gateway: process -> emulated network -> coordinator
	target := net.JoinHostPort(coordinator.Spec.Address, strconv.Itoa(CoordinatorPort))
	gw, err := NewGateway(&GatewayConfig{
		Logger: o.logger,
		Accept: &Stdlib{},
		ListenAddr: &net.TCPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: 0,
		},
		Dial:   node.Stack,
		Target: target,
	})
	if err != nil {
		return nil, err
	}
	o.gateways = append(o.gateways, gw)

	env := append(o.baseEnv(node), EnvCoordinator+"="+gw.Addr().String())
	return o.newUnit(node, &ProcessUnitConfig{
		Name:      node.Spec.ID,
		Command:   node.Spec.Command,
		Env:       env,
		Dir:       o.workdir,
		LogDir:    o.logDir,
		ReadyFile: o.readyFile(node),
	}), nil
}

// monitorTraining waits for the units to finish. A unit exiting with
// a non-zero status fails the run with [UnexpectedUnitExit]; the run
// completes when every unit has exited cleanly.
func (o *Orchestrator) monitorTraining(ctx context.Context) error {
	type unitExit struct {
		unit ExecUnit
	}
	exits := make(chan *unitExit, len(o.units))
	for _, unit := range o.units {
		go func(unit ExecUnit) {
			<-unit.Done()
			exits <- &unitExit{unit}
		}(unit)
	}

	remaining := len(o.units)
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("fleet: run interrupted: %w", ctx.Err())
		case exit := <-exits:
			remaining--
			if err := exit.unit.ExitError(); err != nil {
				return &UnexpectedUnitExit{Unit: exit.unit.Name(), Err: err}
			}
			o.logger.Infof("fleet: unit %s finished", exit.unit.Name())
		}
	}
	return nil
}

// teardown releases every resource of the run and collects results.
// It runs exactly once no matter how many paths reach it.
func (o *Orchestrator) teardown(ctx context.Context) {
	o.teardownOnce.Do(func() {
		o.logger.Infof("fleet: run %s: teardown", o.runID)

		if o.traffic != nil {
			o.traffic.Stop()
			o.collector.CollectTraffic(o.traffic.Windows())
		}

		grace := o.config.Timeouts.StopGrace.D()
		for _, unit := range o.units {
			_ = unit.Stop(grace)
		}

		for _, gw := range o.gateways {
			gw.Close()
		}
		for _, responder := range o.responders {
			responder.Close()
		}
		if o.topo != nil {
			o.topo.Close()
		}

		if o.probeResults != nil {
			o.collector.CollectProbes(o.probeResults)
		}
		o.collector.CollectNodeLogs(o.logDir, o.unitNodeSpecs())
		o.collector.CollectPCAPs()
		o.collector.Finalize()
	})
}

// unitNodeSpecs returns the specs of the nodes that had units.
func (o *Orchestrator) unitNodeSpecs() []NodeSpec {
	byName := map[string]NodeSpec{}
	for _, spec := range o.config.Nodes {
		byName[spec.ID] = spec
	}
	var out []NodeSpec
	for _, unit := range o.units {
		if spec, found := byName[unit.Name()]; found {
			out = append(out, spec)
		}
	}
	return out
}

// writeReport persists the final run report.
func (o *Orchestrator) writeReport() {
	o.mu.Lock()
	report := &RunReport{
		RunID:   o.runID,
		Name:    o.config.Name,
		Status:  o.status,
		Failure: "",
		Started: o.startedAt,
		Ended:   time.Now(),
		Rounds:  o.config.Rounds,
		Nodes:   o.config.Nodes,
	}
	if o.failure != nil {
		report.Failure = o.failure.Error()
	}
	o.mu.Unlock()
	o.collector.WriteRunReport(report)
}

// freePort reserves an ephemeral TCP port on the host loopback and
// returns it. The port may be taken again between the release and the
// actual bind, which is acceptable for experiment tooling.
func freePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
