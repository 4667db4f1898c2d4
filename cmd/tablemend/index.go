package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tablemend/tablemend/internal/directory"
	"github.com/tablemend/tablemend/internal/embedding"
	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/tabular"
)

var indexFile string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Ingest a field guide into the directory and embed its entries",
	RunE:  runIndex,
}

var importCmd = &cobra.Command{
	Use:   "import [csv files...]",
	Short: "Import CSV files into the table store",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runImport,
}

func init() {
	indexCmd.Flags().StringVarP(&indexFile, "file", "f", "fieldguide.json", "field guide file (.json or .yaml)")
}

func runIndex(cmd *cobra.Command, args []string) error {
	entries, err := directory.LoadFieldGuide(indexFile)
	if err != nil {
		return err
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		TaskType:       cfg.Embedding.TaskType,
	})
	if err != nil {
		return err
	}

	dir, err := directory.NewStore(cfg.DirectoryDBPath())
	if err != nil {
		return err
	}
	defer dir.Close()

	ctx := context.Background()
	if err := dir.Ingest(ctx, engine, entries); err != nil {
		return err
	}

	count, err := dir.FieldCount()
	if err != nil {
		return err
	}
	logging.Directory("indexed %d entries from %s", len(entries), indexFile)
	fmt.Printf("Indexed %d field guide entries (%d fields in directory).\n", len(entries), count)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	tables, err := tabular.NewSQLiteStore(cfg.TableDBPath())
	if err != nil {
		return err
	}
	defer tables.Close()

	ctx := context.Background()
	for _, path := range args {
		table, n, err := tabular.ImportCSVFile(ctx, tables, path)
		if err != nil {
			return fmt.Errorf("importing %s: %w", path, err)
		}
		fmt.Printf("Imported %d rows into %s.\n", n, table)
	}
	return nil
}
