// tablemend corrects tabular datasets through a conversational workflow:
// describe the fix in plain language, confirm the tables it found, review the
// preview, apply.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tablemend/tablemend/internal/config"
	"github.com/tablemend/tablemend/internal/logging"
)

var (
	configPath string
	dataDir    string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tablemend",
	Short: "tablemend - conversational data correction engine",
	Long: `tablemend turns natural-language correction requests into reviewed,
sandboxed transformations over tabular data.

A request is analyzed for intent, matched against the field directory,
turned into transformation code, previewed on samples, and only applied
to full tables after explicit confirmation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real environments set variables directly.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if err := cfg.EnsureDataDir(); err != nil {
			return err
		}
		return logging.Initialize(cfg.DataDir)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tablemend.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the data directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
