package main

import (
	"github.com/apex/log"
	"github.com/oabuhamdan/fleet"
	"github.com/spf13/cobra"
)

var checkConfigPath string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate an experiment configuration",
	Long: "check loads the experiment configuration, validates it, and\n" +
		"builds and tears down the topology without starting any unit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := fleet.LoadConfig(checkConfigPath)
		if err != nil {
			return err
		}

		store, err := config.ProfileStore()
		if err != nil {
			return err
		}
		topo, err := fleet.BuildTopology(log.Log, &fleet.TopologyConfig{
			Nodes:    config.Nodes,
			Links:    config.Links,
			Profiles: store,
			MTU:      config.MTU,
		})
		if err != nil {
			return err
		}
		defer topo.Close()

		for _, node := range topo.Nodes() {
			attach := "unattached"
			if node.Attached() {
				attach = "attached"
			}
			log.Infof("node %s (%s) %s %s", node.Spec.ID, node.Spec.Role, node.Spec.Address, attach)
		}
		log.Infof("configuration %s is valid", checkConfigPath)
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVarP(&checkConfigPath, "config", "c", "fleet.yaml", "experiment configuration file")
}
