package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xkilldash9x/autorenew/internal/browser"
	"github.com/xkilldash9x/autorenew/internal/config"
	"github.com/xkilldash9x/autorenew/internal/diagnostics"
	"github.com/xkilldash9x/autorenew/internal/extension"
	"github.com/xkilldash9x/autorenew/internal/network"
	"github.com/xkilldash9x/autorenew/internal/observability"
	"github.com/xkilldash9x/autorenew/internal/site"
	"github.com/xkilldash9x/autorenew/internal/workflow"
	"go.uber.org/zap"
)

// Function variables so tests can run the command without a real browser,
// network or filesystem.
var (
	appFs = afero.NewOsFs()

	newProvisioner = func(fs afero.Fs, cfg *config.Config, logger *zap.Logger) workflow.Provisioner {
		hc := network.NewDefaultClientConfig()
		hc.RequestTimeout = cfg.Extension.RequestTimeout
		return extension.NewProvisioner(fs, network.NewClient(hc, logger), cfg.Extension, cfg.Browser.UserAgent, logger)
	}
	newLauncher = func(cfg *config.Config, logger *zap.Logger) workflow.Launcher {
		return browser.NewLauncher(cfg.Browser, logger)
	}

	osExit = os.Exit
)

// NewRootCmd builds the autorenew command. It takes no positional arguments:
// everything comes from the config file and the environment.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "autorenew",
		Short:         "Renews a free-tier server through its web dashboard.",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)
			config.BindEnv(v)
			if err := readConfigFile(v, cfgFile); err != nil {
				return err
			}
			initLogger(v)
			return runRenewal(cmd, v)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command under a signal-aware context and exits
// non-zero on any failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	observability.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		osExit(1)
	}
}

// readConfigFile loads cfgFile, or ./config.yaml when it exists.
func readConfigFile(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// initLogger sets up logging from the logger section alone, so validation
// failures elsewhere in the config are still reported through it.
func initLogger(v *viper.Viper) {
	var lc config.LoggerConfig
	if err := v.UnmarshalKey("logger", &lc); err != nil {
		lc = config.NewDefaultConfig().Logger
	}
	observability.InitializeLogger(lc)
}

func runRenewal(cmd *cobra.Command, v *viper.Viper) error {
	logger := observability.GetLogger()
	ctx := cmd.Context()

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		logger.Error("Configuration rejected.", zap.Error(err))
		return err
	}
	profile, err := site.Lookup(cfg.Site.Profile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	runID := uuid.NewString()
	logger.Info("Starting autorenew.", zap.String("version", Version), zap.String("run_id", runID))

	tp, err := observability.InitTracing(ctx, cfg.Tracing, cfg.Logger.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("Failed to flush traces.", zap.Error(err))
		}
	}()

	metrics := observability.NewMetrics()
	defer func() {
		if err := metrics.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
			logger.Warn("Failed to write metrics textfile.", zap.Error(err))
		}
	}()

	var sink diagnostics.Sink = diagnostics.Nop{}
	if cfg.Diagnostics.Enabled {
		fs, err := diagnostics.NewFileSink(appFs, cfg.Diagnostics, runID, cfg.Credentials.Values(), logger)
		if err != nil {
			logger.Warn("Diagnostics capture disabled.", zap.Error(err))
		} else {
			sink = fs
		}
	}

	runner := workflow.New(workflow.Options{
		Config:      cfg,
		Profile:     profile,
		Provisioner: newProvisioner(appFs, cfg, logger),
		Launcher:    newLauncher(cfg, logger),
		Sink:        sink,
		Metrics:     metrics,
		Logger:      logger,
		RunID:       runID,
	})

	res, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "outcome=%s run_id=%s duration=%s\n", res.Outcome, res.RunID, res.Duration.Round(time.Millisecond))
	return nil
}
