package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhir-harness/internal/config"
	"github.com/ehr/fhir-harness/internal/platform/auth"
	"github.com/ehr/fhir-harness/internal/platform/bulkexport"
	"github.com/ehr/fhir-harness/internal/platform/fhirclient"
	"github.com/ehr/fhir-harness/internal/platform/middleware"
	"github.com/ehr/fhir-harness/internal/platform/sandbox"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "fhir-harness",
		Short:         "Test harness for the FHIR reference server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(uploadCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration after apply has copied any
// explicitly set flags over it.
func loadConfig(apply func(cfg *config.Config)) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if apply != nil {
		apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newFHIRClient(cfg *config.Config, logger zerolog.Logger) *fhirclient.Client {
	return fhirclient.New(cfg.FHIRBaseURL,
		fhirclient.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		fhirclient.WithBearerToken(cfg.BearerToken),
		fhirclient.WithLogger(logger),
	)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the simulated SMART authorization endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(cfg *config.Config) {
				if cmd.Flags().Changed("port") {
					cfg.Port = port
				}
			})
			if err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg))
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}

func newServer(cfg *config.Config, logger zerolog.Logger) (*echo.Echo, error) {
	signingKey, err := auth.LoadSigningKey(cfg.IDTokenKeyFile)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	lookups := auth.NewFHIRLookups(newFHIRClient(cfg, logger))
	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		Issuer:                 cfg.FHIRBaseURL,
		SigningKey:             signingKey,
		BackendAssertionIssuer: cfg.BackendAssertionIssuer,
	}, lookups,
		auth.Client{ID: cfg.PublicClientID},
		auth.Client{ID: cfg.ConfidentialClientID, Secret: cfg.ConfidentialClientSecret},
	)
	handler := auth.NewHandler(auth.HandlerConfig{
		FHIRBaseURL:      cfg.FHIRBaseURL,
		ExpectedAudience: cfg.ExpectedAudience,
		PickerURL:        cfg.PatientPickerURL,
		Logger:           logger,
	}, lookups, tokens)
	handler.RegisterRoutes(e)

	return e, nil
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	e, err := newServer(cfg, logger)
	if err != nil {
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("fhir_base_url", cfg.FHIRBaseURL).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func exportCmd() *cobra.Command {
	var (
		groupID     string
		output      string
		maxAttempts int
		maxWait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Run a group bulk export and write it as a transaction fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			cfg, err := loadConfig(func(cfg *config.Config) {
				if flags.Changed("group") {
					cfg.GroupID = groupID
				}
				if flags.Changed("output") {
					cfg.ExportOutputPath = output
				}
				if flags.Changed("max-poll-attempts") {
					cfg.ExportMaxPollAttempts = maxAttempts
				}
				if flags.Changed("max-poll-wait") {
					cfg.ExportMaxPollWait = maxWait
				}
			})
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signalContext()
			defer stop()

			orch := bulkexport.New(newFHIRClient(cfg, logger), bulkexport.Options{
				GroupID:         cfg.GroupID,
				OutputPath:      cfg.ExportOutputPath,
				MaxPollAttempts: cfg.ExportMaxPollAttempts,
				MaxPollWait:     cfg.ExportMaxPollWait,
				Logger:          logger,
			})
			path, err := orch.Run(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("bulk export failed")
				return err
			}
			logger.Info().Str("path", path).Msg("export fixture written")
			return nil
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "group id to export (overrides GROUP_ID)")
	cmd.Flags().StringVar(&output, "output", "", "fixture path (overrides EXPORT_OUTPUT_PATH)")
	cmd.Flags().IntVar(&maxAttempts, "max-poll-attempts", 0, "status request cap, 0 for none (overrides EXPORT_MAX_POLL_ATTEMPTS)")
	cmd.Flags().DurationVar(&maxWait, "max-poll-wait", 0, "cumulative Retry-After cap, 0 for none (overrides EXPORT_MAX_POLL_WAIT)")
	return cmd
}

func uploadCmd() *cobra.Command {
	var (
		dir      string
		strategy string
	)
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload seed fixtures to the FHIR server, retrying until settled",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			cfg, err := loadConfig(func(cfg *config.Config) {
				if flags.Changed("dir") {
					cfg.UploadDir = dir
				}
				if flags.Changed("strategy") {
					cfg.UploadStrategy = strategy
				}
			})
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signalContext()
			defer stop()

			uploader := sandbox.NewUploader(newFHIRClient(cfg, logger), logger)
			report, err := uploader.UploadDir(ctx, cfg.UploadDir, cfg.UploadStrategy)
			if report != nil {
				logger.Info().
					Int("uploaded", len(report.Uploaded)).
					Int("skipped", len(report.Skipped)).
					Int("failed", len(report.Failed)).
					Int("passes", report.Passes).
					Msg("upload finished")
			}
			if err != nil {
				logger.Error().Err(err).Msg("upload failed")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "fixture directory (overrides UPLOAD_DIR)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "per-file or merged (overrides UPLOAD_STRATEGY)")
	return cmd
}
