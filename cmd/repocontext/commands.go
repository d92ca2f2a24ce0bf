package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/seanblong/repocontext/internal/config"
	"github.com/seanblong/repocontext/internal/pipeline"
	"github.com/seanblong/repocontext/internal/source"
	"github.com/seanblong/repocontext/pkg/models"
)

func newTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "List the top-level entries of the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, "tree")
			if err != nil {
				return err
			}
			p := &pipeline.Pipeline{
				Acquirer:  source.New(cfg.GithubToken, cfg.CloneDepth),
				LocalRoot: cfg.RepoRoot,
			}
			entries, err := p.Entries(cmd.Context(), repoRef(cfg))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintln(out, e)
			}
			return nil
		},
	}
}

func newChunkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chunk",
		Short: "Split the repository's source files into chunks and print them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, "chunk", pipeline.ModeChunk, false)
		},
	}
}

func newEnrichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enrich",
		Short: "Chunk the repository and print the context generated for every chunk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, "enrich", pipeline.ModeEnrich, false)
		},
	}
}

func newEmbedCmd() *cobra.Command {
	var skipEnrich bool
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Chunk, enrich and upsert the repository into the vector index",
		Long: `Creates the index when it does not exist, then upserts one record per chunk.
Records are keyed by repository, path and chunk position, so running embed again
replaces the previous records instead of duplicating them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, "index", pipeline.ModeIndex, skipEnrich)
		},
	}
	cmd.Flags().BoolVar(&skipEnrich, "skip-enrich", false, "Upsert raw chunks without generated context")
	return cmd
}

func loadConfig(cmd *cobra.Command, stage string) (config.Specification, error) {
	cfg, err := config.Load("", cmd.Flags())
	if err != nil {
		return config.Specification{}, err
	}
	if err := setupLogging(cfg.LogLevel, cmd.ErrOrStderr()); err != nil {
		return config.Specification{}, err
	}
	if err := cfg.Validate(stage); err != nil {
		return config.Specification{}, err
	}
	return cfg, nil
}

func runMode(cmd *cobra.Command, stage string, mode pipeline.Mode, skipEnrich bool) error {
	cfg, err := loadConfig(cmd, stage)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pipeline.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	p, cleanup, err := newPipeline(ctx, cfg, mode, skipEnrich)
	if err != nil {
		return err
	}
	defer cleanup()
	p.Metrics = metrics

	ref := repoRef(cfg)
	log.Info().Str("repo", ref.String()).Str("mode", string(mode)).Msg("starting run")

	out := cmd.OutOrStdout()
	summary, err := p.Run(ctx, ref, func(o pipeline.Outcome) {
		printOutcome(out, mode, o)
	})
	printSummary(out, mode, summary)
	return err
}

// repoRef names the repository of the run. A local tree without an owner or name is
// recorded as local/<directory>.
func repoRef(cfg config.Specification) models.RepositoryRef {
	ref := models.RepositoryRef{Owner: cfg.RepoOwner, Name: cfg.RepoName}
	if cfg.RepoRoot == "" {
		return ref
	}
	if ref.Owner == "" {
		ref.Owner = "local"
	}
	if ref.Name == "" {
		if abs, err := filepath.Abs(cfg.RepoRoot); err == nil {
			ref.Name = filepath.Base(abs)
		}
	}
	return ref
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Str("path", "/metrics").Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}
