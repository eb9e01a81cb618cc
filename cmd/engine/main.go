package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/stratoslab/perpengine/internal/config"
	"github.com/stratoslab/perpengine/internal/engine"
	"github.com/stratoslab/perpengine/internal/exchange"
	"github.com/stratoslab/perpengine/internal/logger"
	"github.com/stratoslab/perpengine/internal/notify"
)

// runAction loads the configuration, wires the exchange gateway, notifier and
// engine, starts trading and blocks until SIGINT/SIGTERM.
func runAction(ctx context.Context, cmd *cli.Command) error {
	// Credentials come from the environment; a .env file is optional.
	_ = godotenv.Load(cmd.String("env"))

	log, err := logger.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	settings := config.DefaultSettings()

	if configPath := cmd.String("config"); configPath != "" {
		settings, err = config.LoadSettings(configPath)
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
	}

	store, err := config.NewStore(settings)
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")

	if apiKey == "" || secretKey == "" {
		return fmt.Errorf("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set")
	}

	gateway := exchange.NewBinanceGateway(exchange.BinanceGatewayConfig{
		ApiKey:     apiKey,
		SecretKey:  secretKey,
		UseTestnet: cmd.Bool("testnet"),
	}, log)

	dispatcher := notify.NewDispatcher(notify.NewLogNotifier(log), 100, log)
	defer dispatcher.Close()

	eng := engine.New(store, gateway, dispatcher, log)
	eng.OnTradeClosed(func(trade engine.ClosedTrade) {
		log.Info("Trade recorded",
			zap.String("symbol", trade.Symbol),
			zap.String("side", string(trade.Side)),
			zap.Float64("pnl", trade.PnL),
		)
	})

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	if err := eng.Stop(context.Background()); err != nil {
		log.Warn("Engine stop failed", zap.Error(err))
	}

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "engine",
		Usage: "Run the perpetual futures trading engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML settings file",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "Path to a .env file with exchange credentials",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "testnet",
				Usage: "Trade against the exchange testnet",
			},
		},
		Action: runAction,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
