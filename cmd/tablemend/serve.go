package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tablemend/tablemend/internal/codegen"
	"github.com/tablemend/tablemend/internal/diffview"
	"github.com/tablemend/tablemend/internal/directory"
	"github.com/tablemend/tablemend/internal/embedding"
	"github.com/tablemend/tablemend/internal/intent"
	"github.com/tablemend/tablemend/internal/llm"
	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/retrieval"
	"github.com/tablemend/tablemend/internal/sandbox"
	"github.com/tablemend/tablemend/internal/server"
	"github.com/tablemend/tablemend/internal/session"
	"github.com/tablemend/tablemend/internal/tabular"
	"github.com/tablemend/tablemend/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the correction workflow HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.Boot("tablemend %s starting", cfg.Version)

	sessions, err := session.NewStore(cfg.SessionDBPath())
	if err != nil {
		return err
	}
	defer sessions.Close()

	tables, err := tabular.NewSQLiteStore(cfg.TableDBPath())
	if err != nil {
		return err
	}
	defer tables.Close()

	dir, err := directory.NewStore(cfg.DirectoryDBPath())
	if err != nil {
		return err
	}
	defer dir.Close()

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

	client, err := llm.NewClient(llm.Config{
		Provider:       cfg.LLM.Provider,
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		MaxTokens:      cfg.LLM.MaxTokens,
	})
	if err != nil {
		return err
	}

	rankerCfg := retrieval.DefaultConfig()
	rankerCfg.TopK = cfg.Retrieval.TopK

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.TimeoutSeconds = cfg.Sandbox.TimeoutSeconds

	wf := workflow.NewEngine(
		sessions,
		tables,
		intent.NewAnalyzer(client),
		retrieval.NewRanker(engine, dir, rankerCfg),
		codegen.NewGenerator(client),
		sandbox.NewExecutor(sandboxCfg),
		diffview.Render,
		workflow.Config{SampleSize: cfg.Workflow.SampleSize},
	)

	srv := server.New(wf, sessions, server.Config{Addr: cfg.Server.Addr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Boot("serving on %s (data dir %s)", cfg.Server.Addr, cfg.DataDir)
	return srv.ListenAndServe(ctx)
}
