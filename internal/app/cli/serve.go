package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zhammer/faaspact-verifier/internal/app/configuration"
	"github.com/zhammer/faaspact-verifier/internal/app/history"
	"github.com/zhammer/faaspact-verifier/internal/app/telemetry"
	"github.com/zhammer/faaspact-verifier/internal/app/verification"
	"github.com/zhammer/faaspact-verifier/internal/app/webhook"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var historyDB string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run verifications on webhook calls",
		Long: `Listen on SERVER_ADDRESS and run a verification for every
POST /verifications, for example from a pact broker webhook. Broker, faasport
and provider settings come from the environment and may be overridden per
request.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := configuration.NewFromEnv(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			if cmd.Flags().Changed("history-db") {
				config.HistoryDB = historyDB
			}
			return runServe(cmd.Context(), config, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&historyDB, "history-db", "", "sqlite file recording every run (env HISTORY_DB)")

	return cmd
}

func runServe(ctx context.Context, config configuration.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	shutdownTracing, err := telemetry.Setup(ctx, "faaspact-verifier", config.OTelEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "unable to set up tracing", err)
	}

	store, err := openHistory(config.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	e := echo.New()
	e.HideBanner = true
	webhook.New(newTrigger(config, store, out), store).SetupRoutes(e)
	if _, err := configuration.StartServer(&config, e); err != nil {
		return WrapExitError(ExitCommandError, "unable to start server", err)
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	select {
	case <-signals:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	configuration.ShutdownAllServers(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warnf("unable to flush traces. %s", err)
	}
	return nil
}

// newTrigger runs a verification per webhook request, with the request's
// fields taking precedence over config.
func newTrigger(config configuration.Config, store *history.Store, out io.Writer) webhook.Trigger {
	return func(ctx context.Context, req webhook.Request) (verification.Report, error) {
		runConfig := config
		if req.Provider != "" {
			runConfig.Provider = req.Provider
		}
		if req.ProviderVersion != "" {
			runConfig.ProviderVersion = req.ProviderVersion
		}
		if req.PublishResults != nil {
			runConfig.PublishResults = *req.PublishResults
		}
		if len(req.FailOn) > 0 {
			runConfig.FailOn = req.FailOn
		}
		if err := runConfig.Validate(); err != nil {
			return verification.Report{}, err
		}

		job, err := newJob(ctx, runConfig, req.PullRequest)
		if err != nil {
			return verification.Report{}, err
		}
		return newRunner(runConfig, store, out).Execute(ctx, job)
	}
}
