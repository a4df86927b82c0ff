// Package main is the entry point for the IBKR execution agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tathienbao/ibkr-agent/internal/agent"
	"github.com/tathienbao/ibkr-agent/internal/alerting"
	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/broker/ibkr"
	"github.com/tathienbao/ibkr-agent/internal/broker/paper"
	"github.com/tathienbao/ibkr-agent/internal/config"
	"github.com/tathienbao/ibkr-agent/internal/metrics"
	"github.com/tathienbao/ibkr-agent/internal/store"
	"github.com/tathienbao/ibkr-agent/internal/types"
	"github.com/tathienbao/ibkr-agent/internal/ui"
	"golang.org/x/sync/errgroup"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "balance":
		err = cmdBalance(os.Args[2:])
	case "open":
		err = cmdOpen(os.Args[2:])
	case "close":
		err = cmdClose(os.Args[2:])
	case "cancel":
		err = cmdCancel(os.Args[2:])
	case "history":
		err = cmdHistory(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`IBKR Agent - time-weighted position execution for Interactive Brokers

Usage:
  ibkr-agent <command> [options]

Commands:
  run        Connect, stream prices and serve metrics until interrupted
  balance    Show the position table, or one symbol with --symbol
  open       Converge a symbol onto signal x unit over span slices
  close      Flatten a symbol in one slice
  cancel     Cancel every open order of the account
  history    Download historical bars for every instrument
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  ibkr-agent run --config config.yaml
  ibkr-agent balance --config config.yaml --symbol SPY
  ibkr-agent open --config config.yaml --symbol SPY --signal -1 --unit 100 --span 5
  ibkr-agent history --config config.yaml --duration "1 Y" --bar-size "1 day"

Use "ibkr-agent <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("ibkr-agent version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Broker: %s\n", cfg.Broker.Type)
	if cfg.Broker.Type == config.BrokerIBKR {
		fmt.Printf("  Gateway: %s (client %d)\n", cfg.IBKRConfig().Addr(), cfg.Gateway.ClientID)
	}
	for _, c := range cfg.Contracts() {
		fmt.Printf("  Instrument: %s\n", c)
	}
	fmt.Printf("  Execution: %s orders, dwell %ds, %d attempts per slice\n",
		cfg.Execution.OrderType, cfg.Execution.DwellSec, cfg.Execution.MaxAttemptsPerSlice)
	return nil
}

// app is everything a command needs once the configuration is loaded.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	agent   *agent.Agent
	bars    *store.SQLiteBarStore
	printer *ui.Printer
}

func setup(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	acfg, err := cfg.AgentConfig()
	if err != nil {
		return nil, err
	}

	var session broker.Session
	switch cfg.Broker.Type {
	case config.BrokerIBKR:
		session = ibkr.NewClient(cfg.IBKRConfig(), logger)
	default:
		session = paper.NewVenue(cfg.PaperConfig(), logger)
	}

	deps := agent.Deps{Logger: logger, Alerter: newAlerter(cfg.Alerting, logger)}

	a := &app{cfg: cfg, logger: logger, printer: ui.NewPrinter(os.Stdout)}
	if cfg.Store.Enabled {
		a.bars, err = store.NewSQLiteBarStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		deps.Store = a.bars
	}

	a.agent, err = agent.New(acfg, session, deps)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.agent != nil {
		if err := a.agent.Close(); err != nil {
			a.logger.Warn("agent close", "err", err)
		}
	}
	if a.bars != nil {
		if err := a.bars.Close(); err != nil {
			a.logger.Warn("store close", "err", err)
		}
	}
}

// newLogger builds a text handler for terminals and JSON otherwise, unless
// the format is fixed by configuration. Logs go to stderr so command output
// stays clean on stdout.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	format := cfg.Format
	if format == "auto" {
		format = "json"
		if ui.IsTerminal(os.Stderr) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

func newAlerter(cfg config.AlertingConfig, logger *slog.Logger) alerting.Alerter {
	if !cfg.Enabled {
		return nil
	}

	multi := alerting.NewMultiAlerter(logger)
	for _, ch := range cfg.Channels {
		switch ch.Type {
		case "console":
			multi.Add(alerting.NewConsoleAlerter(logger))
		case "telegram":
			multi.Add(alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
				Timeout:  time.Duration(ch.TimeoutSec) * time.Second,
			}))
		}
	}
	if multi.Len() == 0 {
		multi.Add(alerting.NewConsoleAlerter(logger))
	}
	return multi
}

// withAgent starts the agent, runs fn and shuts the agent down.
func withAgent(configPath string, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.agent.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

// streamFor subscribes to symbol when limit orders need a reference price.
func (a *app) streamFor(ctx context.Context, symbol string) error {
	if types.OrderType(a.cfg.Execution.OrderType) != types.OrderTypeLimit {
		return nil
	}
	return a.agent.Stream(ctx, symbol)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("ibkr-agent starting",
		"version", Version,
		"broker", a.cfg.Broker.Type,
		"instruments", len(a.cfg.Instruments),
	)

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Metrics.Enabled {
		srv := metrics.NewServer(a.cfg.MetricsServerConfig(), a.logger)
		srv.RegisterHealthCheck("gateway", a.agent.HealthCheck)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	g.Go(func() error {
		if err := a.agent.Start(gctx); err != nil {
			return err
		}
		if err := a.agent.Stream(gctx); err != nil {
			a.logger.Warn("stream incomplete", "err", err)
		}

		select {
		case <-gctx.Done():
			return nil
		case <-a.agent.Done():
			return errors.New("gateway event stream closed")
		}
	})

	err = g.Wait()
	a.logger.Info("shutdown signal received")

	if a.cfg.Shutdown.CancelOrdersOnShutdown && a.agent.Connected() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		if cerr := a.agent.CancelAllOpenOrders(shutdownCtx); cerr != nil {
			a.logger.Warn("cancel on shutdown failed", "err", cerr)
		}
		cancel()
	}

	a.logger.Info("ibkr-agent shutdown complete")
	return err
}

func cmdBalance(args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	symbol := fs.String("symbol", "", "Show the net position of one instrument")
	_ = fs.Parse(args)

	return withAgent(*configPath, func(ctx context.Context, a *app) error {
		if *symbol != "" {
			qty, err := a.agent.BalanceSingle(ctx, *symbol)
			if err != nil {
				return err
			}
			a.printer.Position(*symbol, qty)
			return nil
		}

		table, err := a.agent.Balance(ctx)
		if err != nil {
			return err
		}
		a.printer.Positions(table)
		return nil
	})
}

func cmdOpen(args []string) error {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	symbol := fs.String("symbol", "", "Instrument to trade (required)")
	target := fs.Int64("signal", 0, "Target signal: -1 short, 0 flat, 1 long")
	unit := fs.Int64("unit", 0, "Unit size (default: execution.unit_size)")
	span := fs.Int("span", 0, "Number of slices (default: execution.span)")
	_ = fs.Parse(args)

	if *symbol == "" {
		fmt.Fprintln(os.Stderr, "Error: --symbol is required")
		fs.Usage()
		os.Exit(1)
	}

	return withAgent(*configPath, func(ctx context.Context, a *app) error {
		if *unit == 0 {
			*unit = a.cfg.Execution.UnitSize
		}
		if *span == 0 {
			*span = a.cfg.Execution.Span
		}
		if err := a.streamFor(ctx, *symbol); err != nil {
			return err
		}

		report, err := a.agent.OpenPosition(ctx, *symbol, *target, *unit, *span)
		a.printer.Report(report)
		return err
	})
}

func cmdClose(args []string) error {
	fs := flag.NewFlagSet("close", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	symbol := fs.String("symbol", "", "Instrument to flatten (required)")
	_ = fs.Parse(args)

	if *symbol == "" {
		fmt.Fprintln(os.Stderr, "Error: --symbol is required")
		fs.Usage()
		os.Exit(1)
	}

	return withAgent(*configPath, func(ctx context.Context, a *app) error {
		if err := a.streamFor(ctx, *symbol); err != nil {
			return err
		}
		report, err := a.agent.ClosePosition(ctx, *symbol)
		a.printer.Report(report)
		return err
	})
}

func cmdCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	return withAgent(*configPath, func(ctx context.Context, a *app) error {
		if err := a.agent.CancelAllOpenOrders(ctx); err != nil {
			return err
		}
		fmt.Println("Global cancel sent.")
		return nil
	})
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	duration := fs.String("duration", "", "Lookback, e.g. \"1 Y\" (default: history.duration)")
	barSize := fs.String("bar-size", "", "Bar size, e.g. \"1 day\" (default: history.bar_size)")
	_ = fs.Parse(args)

	return withAgent(*configPath, func(ctx context.Context, a *app) error {
		if *duration == "" {
			*duration = a.cfg.History.Duration
		}
		if *barSize == "" {
			*barSize = a.cfg.History.BarSize
		}

		bars, err := a.agent.DownloadHistory(ctx, *duration, *barSize)
		for _, c := range a.cfg.Contracts() {
			if b, ok := bars[c.Symbol]; ok {
				a.printer.Bars(c.Symbol, b)
			}
		}
		return err
	})
}
