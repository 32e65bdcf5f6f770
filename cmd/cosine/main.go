package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/agent/core"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/agent/telemetry"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/nss"
	srv "github.com/carlosrayortiz/csc583-cosineofthrones/internal/server"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:   "cosine",
		Short: "Multi-agent question answering over the series corpus",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file directory")

	var serveAddr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			if serveAddr == "" {
				serveAddr = os.Getenv("COSINE_HTTP_ADDR")
			}
			return srv.Run(cfg, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	var mode string
	var score bool
	var noRerank bool
	ask := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			question := args[0]
			for _, a := range args[1:] {
				question += " " + a
			}

			tele := telemetry.NewTelemetry(cfg.Telemetry)
			defer tele.Shutdown()
			graph, err := core.NewGraph(cfg, log.New(os.Stderr, "[GRAPH] ", log.LstdFlags), tele)
			if err != nil {
				return err
			}

			q := core.Question{Text: question, Mode: core.Mode(mode)}
			if noRerank {
				off := false
				q.Options.Rerank = &off
			}
			answer, err := graph.Answer(context.Background(), q)
			if err != nil {
				return err
			}

			fmt.Println(answer.Text)
			fmt.Fprintf(os.Stderr, "\n[%s] %d evidence items, %d tokens, $%.4f, %v\n",
				answer.ID, len(answer.Evidence), answer.TokensUsed, answer.CostEstimate, answer.ProcessingTime)

			if cfg.General.Debug {
				fmt.Fprintln(os.Stderr, tele.GetPerformanceReport())
			}

			if score && cfg.Scoring.Enabled {
				engine := nss.NewEngine(cfg, graph.LLM(), nil)
				s, err := engine.Score(context.Background(), answer)
				if err != nil {
					return fmt.Errorf("scoring failed: %w", err)
				}
				b, _ := json.MarshalIndent(s, "", "  ")
				fmt.Printf("\n%s\n", b)
			}
			return nil
		},
	}
	ask.Flags().StringVar(&mode, "mode", "", "factual or alternate_ending (default: inferred)")
	ask.Flags().BoolVar(&score, "score", false, "score the answer with the NSS rubric")
	ask.Flags().BoolVar(&noRerank, "no-rerank", false, "skip the LLM re-ranking pass")

	var migDir string
	var direction string
	var steps int
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				dsn = cfg.Storage.Postgres.DSN()
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrateCmd.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source")
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serve, ask, migrateCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
