package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/versewatch/versewatch/internal/app"
	"github.com/versewatch/versewatch/internal/config"
)

const (
	appName = "versewatch"
	version = "v2.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var (
		configPath string
		opts       app.Options
	)
	opts.Version = version

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Star Citizen log monitor with shared realtime feeds",
		Version: version,
		Long: appName + ` tails the Star Citizen game log, extracts kill/destroy/jump
events with configurable patterns, and shares them with your group over
a realtime channel, a Discord webhook, and a spreadsheet or Postgres
datasource.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			m, err := app.New(cfg, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return m.Run(ctx)
		},
	}

	// Earlier releases spelled flags with underscores; keep them working.
	rootCmd.Flags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")
	rootCmd.Flags().BoolVarP(&opts.ProcessAll, "process-all", "p", false, "Process the existing log from the start before following")
	rootCmd.Flags().BoolVarP(&opts.ProcessOnce, "process-once", "o", false, "Process the log once to EOF and exit")
	rootCmd.Flags().BoolVar(&opts.NoDiscord, "no-discord", false, "Disable the Discord webhook sink")
	rootCmd.Flags().StringVar(&opts.Datasource, "datasource", "", "Override the configured datasource (googlesheets|supabase)")
	rootCmd.Flags().BoolVarP(&opts.Debug, "debug", "d", false, "Enable debug logging and QR crop dumps")

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}
