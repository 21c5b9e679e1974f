package main

import (
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/deltarepo/internal/config"
)

var masterCmd = &cobra.Command{
	Use:     "master",
	GroupID: "repo",
	Short:   "Work with a master repo",
	Long: `Commands for the canonical repo. A master stamps every write with the
next update sequence, keeps a bounded number of tombstones and serves
mirrors over HTTP.`,
}

func init() {
	masterCmd.AddCommand(newServeCmd(config.RoleMaster))
	masterCmd.AddCommand(newInsertCmd(config.RoleMaster))
	masterCmd.AddCommand(newDeleteCmd(config.RoleMaster))
	masterCmd.AddCommand(newListCmd(config.RoleMaster))
	rootCmd.AddCommand(masterCmd)
}
