package fleet

//
// Execution units: the processes running on topology nodes
//

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ExecUnit is a unit of execution bound to a topology node, typically
// the training process running on that node. Implementations include
// [ProcessUnit] for real OS processes and [FuncUnit] for in-process
// workloads such as traffic generators.
type ExecUnit interface {
	// Name returns the unit name, matching the node ID.
	Name() string

	// Start launches the unit. Calling Start more than once is
	// an error.
	Start(ctx context.Context) error

	// WaitHealthy blocks until the unit has signaled readiness or the
	// context expires. A context deadline yields an error wrapping
	// [ErrHealthCheckTimeout]; a cancellation yields
	// [context.Canceled]. When the unit terminates before becoming
	// ready, WaitHealthy returns an [UnexpectedUnitExit].
	WaitHealthy(ctx context.Context) error

	// Done returns a channel that is closed when the unit has
	// terminated. After that, ExitError reports the outcome.
	Done() <-chan any

	// ExitError returns the unit's exit error. Only valid after the
	// Done channel has been closed. A nil return means a clean exit.
	ExitError() error

	// IsAlive reports whether the unit is currently running.
	IsAlive() bool

	// Stop terminates the unit, first politely and then forcibly
	// after the grace period has elapsed. Stop is idempotent.
	Stop(grace time.Duration) error
}

// readyPollInterval is how often we check for the readiness marker.
const readyPollInterval = 100 * time.Millisecond

// ProcessUnitConfig contains config for [NewProcessUnit].
type ProcessUnitConfig struct {
	// Name is the MANDATORY unit name.
	Name string

	// Command is the MANDATORY command line to execute.
	Command []string

	// Env contains extra environment variables in KEY=VALUE form
	// appended to the current process environment.
	Env []string

	// Dir is the OPTIONAL working directory.
	Dir string

	// LogDir is the MANDATORY directory where we create the unit's
	// log file, named "<Name>.log".
	LogDir string

	// ReadyFile is the MANDATORY path of the readiness marker the
	// process creates once it is ready to serve.
	ReadyFile string
}

// ProcessUnit is an [ExecUnit] backed by a real OS process. The
// process signals readiness by creating the configured marker file
// and its stdout and stderr are captured into a per-unit log file.
// The zero value is invalid; construct using [NewProcessUnit].
type ProcessUnit struct {
	// cmd is the underlying command.
	cmd *exec.Cmd

	// config is the unit config.
	config *ProcessUnitConfig

	// done is closed when the process has exited.
	done chan any

	// exitErr is the exit error, set before closing done.
	exitErr error

	// logfile is the open log file.
	logfile *os.File

	// mu protects started.
	mu sync.Mutex

	// started tracks whether Start has been called.
	started bool

	// stopOnce allows Stop to have once semantics.
	stopOnce sync.Once
}

var _ ExecUnit = &ProcessUnit{}

// NewProcessUnit creates a new [ProcessUnit] from the given config.
func NewProcessUnit(config *ProcessUnitConfig) *ProcessUnit {
	return &ProcessUnit{
		cmd:      nil,
		config:   config,
		done:     make(chan any),
		exitErr:  nil,
		logfile:  nil,
		mu:       sync.Mutex{},
		started:  false,
		stopOnce: sync.Once{},
	}
}

// Name implements ExecUnit.
func (pu *ProcessUnit) Name() string {
	return pu.config.Name
}

// Start implements ExecUnit.
func (pu *ProcessUnit) Start(ctx context.Context) error {
	defer pu.mu.Unlock()
	pu.mu.Lock()
	if pu.started {
		return ErrRunStarted
	}
	if len(pu.config.Command) <= 0 {
		return errors.New("fleet: process unit: empty command")
	}

	// remove a stale readiness marker from a previous run
	_ = os.Remove(pu.config.ReadyFile)

	// capture the process output into the unit's log file
	logpath := filepath.Join(pu.config.LogDir, pu.config.Name+".log")
	logfile, err := os.Create(logpath)
	if err != nil {
		return err
	}

	cmd := exec.Command(pu.config.Command[0], pu.config.Command[1:]...)
	cmd.Env = append(os.Environ(), pu.config.Env...)
	cmd.Dir = pu.config.Dir
	cmd.Stdout = logfile
	cmd.Stderr = logfile

	if err := cmd.Start(); err != nil {
		logfile.Close()
		return err
	}
	pu.cmd = cmd
	pu.logfile = logfile
	pu.started = true

	go pu.reap()
	return nil
}

// reap waits for the process to exit and records the outcome.
func (pu *ProcessUnit) reap() {
	err := pu.cmd.Wait()
	pu.logfile.Close()
	pu.exitErr = err
	close(pu.done)
}

// WaitHealthy implements ExecUnit.
func (pu *ProcessUnit) WaitHealthy(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// a user abort is not a health timeout
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s", ErrHealthCheckTimeout, pu.config.Name)
		case <-pu.done:
			return &UnexpectedUnitExit{Unit: pu.config.Name, Err: pu.exitErr}
		case <-ticker.C:
			if _, err := os.Stat(pu.config.ReadyFile); err == nil {
				return nil
			}
		}
	}
}

// Done implements ExecUnit.
func (pu *ProcessUnit) Done() <-chan any {
	return pu.done
}

// ExitError implements ExecUnit.
func (pu *ProcessUnit) ExitError() error {
	return pu.exitErr
}

// IsAlive implements ExecUnit.
func (pu *ProcessUnit) IsAlive() bool {
	defer pu.mu.Unlock()
	pu.mu.Lock()
	if !pu.started {
		return false
	}
	select {
	case <-pu.done:
		return false
	default:
		return true
	}
}

// Stop implements ExecUnit.
func (pu *ProcessUnit) Stop(grace time.Duration) error {
	if !pu.IsAlive() {
		return nil
	}
	pu.stopOnce.Do(func() {
		// politely ask the process to terminate
		_ = pu.cmd.Process.Signal(syscall.SIGTERM)

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-pu.done:
			return
		case <-timer.C:
			// the grace period has elapsed
		}

		_ = pu.cmd.Process.Kill()
		<-pu.done
	})
	return nil
}

// FuncUnit is an [ExecUnit] that runs a function in a background
// goroutine. It is ready as soon as it has started. The zero value is
// invalid; construct using [NewFuncUnit].
type FuncUnit struct {
	// cancel interrupts the running function.
	cancel context.CancelFunc

	// done is closed when the function has returned.
	done chan any

	// exitErr is the function return value, set before closing done.
	exitErr error

	// main is the function to run.
	main func(ctx context.Context) error

	// mu protects started.
	mu sync.Mutex

	// name is the unit name.
	name string

	// started tracks whether Start has been called.
	started bool
}

var _ ExecUnit = &FuncUnit{}

// NewFuncUnit creates a [FuncUnit] running the given function.
func NewFuncUnit(name string, main func(ctx context.Context) error) *FuncUnit {
	return &FuncUnit{
		cancel:  nil,
		done:    make(chan any),
		exitErr: nil,
		main:    main,
		mu:      sync.Mutex{},
		name:    name,
		started: false,
	}
}

// Name implements ExecUnit.
func (fu *FuncUnit) Name() string {
	return fu.name
}

// Start implements ExecUnit.
func (fu *FuncUnit) Start(ctx context.Context) error {
	defer fu.mu.Unlock()
	fu.mu.Lock()
	if fu.started {
		return ErrRunStarted
	}
	fu.started = true
	ctx, fu.cancel = context.WithCancel(ctx)
	go func() {
		fu.exitErr = fu.main(ctx)
		close(fu.done)
	}()
	return nil
}

// WaitHealthy implements ExecUnit.
func (fu *FuncUnit) WaitHealthy(ctx context.Context) error {
	select {
	case <-fu.done:
		if fu.exitErr != nil {
			return &UnexpectedUnitExit{Unit: fu.name, Err: fu.exitErr}
		}
		return nil
	default:
		return nil
	}
}

// Done implements ExecUnit.
func (fu *FuncUnit) Done() <-chan any {
	return fu.done
}

// ExitError implements ExecUnit.
func (fu *FuncUnit) ExitError() error {
	return fu.exitErr
}

// IsAlive implements ExecUnit.
func (fu *FuncUnit) IsAlive() bool {
	defer fu.mu.Unlock()
	fu.mu.Lock()
	if !fu.started {
		return false
	}
	select {
	case <-fu.done:
		return false
	default:
		return true
	}
}

// Stop implements ExecUnit.
func (fu *FuncUnit) Stop(grace time.Duration) error {
	fu.mu.Lock()
	started, cancel := fu.started, fu.cancel
	fu.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-fu.done:
	case <-timer.C:
	}
	return nil
}
