package fleet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFuncUnit(t *testing.T) {
	t.Run("a clean run closes done with a nil exit error", func(t *testing.T) {
		unit := NewFuncUnit("worker", func(ctx context.Context) error {
			return nil
		})
		if unit.IsAlive() {
			t.Fatal("unit must not be alive before Start")
		}
		if err := unit.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		<-unit.Done()
		if err := unit.ExitError(); err != nil {
			t.Fatal(err)
		}
		if unit.IsAlive() {
			t.Fatal("unit must not be alive after exit")
		}
	})

	t.Run("Start twice fails", func(t *testing.T) {
		blocker := make(chan any)
		unit := NewFuncUnit("worker", func(ctx context.Context) error {
			<-blocker
			return nil
		})
		if err := unit.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer close(blocker)
		if err := unit.Start(context.Background()); !errors.Is(err, ErrRunStarted) {
			t.Fatal("expected ErrRunStarted, got", err)
		}
	})

	t.Run("WaitHealthy fails when the function already failed", func(t *testing.T) {
		expected := errors.New("mocked error")
		unit := NewFuncUnit("worker", func(ctx context.Context) error {
			return expected
		})
		if err := unit.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		<-unit.Done()
		err := unit.WaitHealthy(context.Background())
		var exitErr *UnexpectedUnitExit
		if !errors.As(err, &exitErr) {
			t.Fatal("expected an UnexpectedUnitExit, got", err)
		}
		if !errors.Is(exitErr.Err, expected) {
			t.Fatal("unexpected wrapped error", exitErr.Err)
		}
	})

	t.Run("Stop cancels the function context", func(t *testing.T) {
		unit := NewFuncUnit("worker", func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
		if err := unit.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := unit.WaitHealthy(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := unit.Stop(time.Second); err != nil {
			t.Fatal(err)
		}
		select {
		case <-unit.Done():
		default:
			t.Fatal("unit still running after Stop")
		}
	})

	t.Run("Stop before Start is a no-op", func(t *testing.T) {
		unit := NewFuncUnit("worker", func(ctx context.Context) error {
			return nil
		})
		if err := unit.Stop(time.Second); err != nil {
			t.Fatal(err)
		}
	})
}

// newTestProcessUnit creates a [ProcessUnit] running the given shell
// script inside a temporary directory.
func newTestProcessUnit(t *testing.T, script string) *ProcessUnit {
	dir := t.TempDir()
	return NewProcessUnit(&ProcessUnitConfig{
		Name:      "worker",
		Command:   []string{"/bin/sh", "-c", script},
		Env:       []string{"FLEET_TEST_VAR=hello"},
		Dir:       dir,
		LogDir:    dir,
		ReadyFile: filepath.Join(dir, "worker.ready"),
	})
}

func TestProcessUnit(t *testing.T) {
	t.Run("readiness marker and clean exit", func(t *testing.T) {
		unit := newTestProcessUnit(t, "touch $FLEET_READY; sleep 1")
		unit.config.Env = append(unit.config.Env, "FLEET_READY="+unit.config.ReadyFile)
		if err := unit.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unit.WaitHealthy(ctx); err != nil {
			t.Fatal(err)
		}
		if !unit.IsAlive() {
			t.Fatal("unit must be alive while sleeping")
		}
		<-unit.Done()
		if err := unit.ExitError(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("health check times out without a marker", func(t *testing.T) {
		unit := newTestProcessUnit(t, "sleep 5")
		if err := unit.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer unit.Stop(time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		if err := unit.WaitHealthy(ctx); !errors.Is(err, ErrHealthCheckTimeout) {
			t.Fatal("expected ErrHealthCheckTimeout, got", err)
		}
	})

	t.Run("cancellation during the health wait is not a timeout", func(t *testing.T) {
		unit := newTestProcessUnit(t, "sleep 5")
		if err := unit.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer unit.Stop(time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(200 * time.Millisecond)
			cancel()
		}()
		err := unit.WaitHealthy(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatal("expected context.Canceled, got", err)
		}
		if errors.Is(err, ErrHealthCheckTimeout) {
			t.Fatal("a cancellation must not be reported as a health timeout")
		}
	})

	t.Run("early exit surfaces as UnexpectedUnitExit", func(t *testing.T) {
		unit := newTestProcessUnit(t, "exit 7")
		if err := unit.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := unit.WaitHealthy(ctx)
		var exitErr *UnexpectedUnitExit
		if !errors.As(err, &exitErr) {
			t.Fatal("expected an UnexpectedUnitExit, got", err)
		}
		if exitErr.Unit != "worker" {
			t.Fatal("unexpected unit name", exitErr.Unit)
		}
	})

	t.Run("output is captured in the log file", func(t *testing.T) {
		unit := newTestProcessUnit(t, "echo output-line")
		if err := unit.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		<-unit.Done()
		data, err := os.ReadFile(filepath.Join(unit.config.LogDir, "worker.log"))
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "output-line\n" {
			t.Fatalf("unexpected log content: %q", string(data))
		}
	})

	t.Run("Stop terminates a long running process", func(t *testing.T) {
		unit := newTestProcessUnit(t, "sleep 30")
		if err := unit.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		start := time.Now()
		if err := unit.Stop(time.Second); err != nil {
			t.Fatal(err)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Fatal("Stop took too long:", elapsed)
		}
		select {
		case <-unit.Done():
		default:
			t.Fatal("unit still running after Stop")
		}
	})

	t.Run("an empty command fails Start", func(t *testing.T) {
		dir := t.TempDir()
		unit := NewProcessUnit(&ProcessUnitConfig{
			Name:      "worker",
			LogDir:    dir,
			ReadyFile: filepath.Join(dir, "worker.ready"),
		})
		if err := unit.Start(context.Background()); err == nil {
			t.Fatal("expected an error")
		}
	})
}
