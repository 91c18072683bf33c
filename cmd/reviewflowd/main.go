package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/petrijr/reviewflow/internal/config"
	"github.com/petrijr/reviewflow/pkg/log"
)

func main() {
	cmd := &cli.Command{
		Name:                  "reviewflowd",
		Usage:                 "Run submission review workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the TOML configuration file",
				Value:   "reviewflow.toml",
				Sources: cli.EnvVars("REVIEWFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error); overrides the config file",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the control API, the signal worker and the sweeper",
				Action: serve,
			},
			{
				Name:   "sweep",
				Usage:  "Resume expired waits once and exit",
				Action: sweepOnce,
			},
			{
				Name:  "config",
				Usage: "Inspect configuration",
				Commands: []*cli.Command{
					{
						Name:  "sample",
						Usage: "Print a sample configuration file",
						Action: func(ctx context.Context, command *cli.Command) error {
							_, err := fmt.Fprint(command.Root().Writer, config.SampleConfig())
							return err
						},
					},
					{
						Name:  "validate",
						Usage: "Load and validate the configuration file",
						Action: func(ctx context.Context, command *cli.Command) error {
							cfg, exists, err := loadConfig(command)
							if err != nil {
								return err
							}
							if !exists {
								fmt.Fprintf(command.Root().Writer, "%s not found, defaults are valid\n", command.String("config"))
								return nil
							}
							fmt.Fprintf(command.Root().Writer, "%s is valid (store=%s queue=%s)\n",
								command.String("config"), cfg.Store.Backend, cfg.Queue.Backend)
							return nil
						},
					},
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(command *cli.Command) (*config.Config, bool, error) {
	cfg, exists, err := config.Load(command.String("config"))
	if err != nil {
		return nil, exists, err
	}
	if level := command.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	log.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, exists, nil
}

func serve(ctx context.Context, command *cli.Command) error {
	cfg, exists, err := loadConfig(command)
	if err != nil {
		return err
	}
	logger := log.WithModule("reviewflowd")
	if !exists {
		logger.WarnContext(ctx, "config file not found, using defaults", "path", command.String("config"))
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func sweepOnce(ctx context.Context, command *cli.Command) error {
	cfg, _, err := loadConfig(command)
	if err != nil {
		return err
	}
	// A one-shot sweep must not consume signals or run the scheduler.
	cfg.Worker.Enabled = false
	cfg.Sweep.Enabled = false

	a, err := newApp(ctx, cfg, log.WithModule("reviewflowd"))
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	n, err := a.SweepOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(command.Root().Writer, "resumed %d expired waits\n", n)
	return nil
}
