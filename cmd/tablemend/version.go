package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tablemend version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tablemend %s\n", cfg.Version)
	},
}
