package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"gopkg.in/yaml.v3"

	"SnippetAI/internal/router"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Print the resolved tier configuration",
	Long: `Print every tier with its fallback chain and the stage to tier mapping,
as served by /api/model-tiering-config.`,
	RunE: runTiers,
}

func runTiers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := router.Build(cfg, logger,
		tracenoop.NewTracerProvider().Tracer("snippetai"),
		metricnoop.NewMeterProvider().Meter("snippetai"))
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(r.Describe()); err != nil {
		return fmt.Errorf("failed to encode tiers: %w", err)
	}
	return enc.Close()
}
