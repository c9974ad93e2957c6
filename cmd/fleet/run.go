package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/oabuhamdan/fleet"
	"github.com/spf13/cobra"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an experiment",
	Long: "run loads the experiment configuration, builds the emulated\n" +
		"network, verifies connectivity, launches the training processes,\n" +
		"and waits for the run to complete. SIGINT aborts the run through\n" +
		"the normal teardown path.",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := fleet.LoadConfig(runConfigPath)
		if err != nil {
			return err
		}

		orch, err := fleet.NewOrchestrator(log.Log, config)
		if err != nil {
			return err
		}
		log.Infof("run %s -> %s", orch.RunID(), orch.RunDir())

		if err := orch.Start(context.Background()); err != nil {
			return err
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigs
			log.Warn("interrupted: aborting the run")
			orch.Abort()
		}()

		report, err := orch.Wait()
		log.Infof("run %s: %s", report.RunID, report.Status)
		if err != nil {
			return errors.New(report.Failure)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "fleet.yaml", "experiment configuration file")
}
