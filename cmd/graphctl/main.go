package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/database"
	"btc-wallet-intel/internal/infrastructure/logger"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "graphctl",
		Usage: "Maintenance commands for the wallet graph and the raw cache",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Time limit for the command",
				Value: 10 * time.Minute,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "reset-cursor",
				Usage:     "Overwrite the crawler's last processed height",
				ArgsUsage: "<height>",
				Action:    resetCursor,
			},
			{
				Name:   "prune-stubs",
				Usage:  "Delete stub wallets that have no relationships left",
				Action: pruneStubs,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) (*config.Config, *logger.Logger, context.Context, context.CancelFunc, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.App.LogLevel, cfg.App.Env)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	return cfg, log.WithComponent("graphctl"), ctx, cancel, nil
}

func resetCursor(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: graphctl reset-cursor <height>", 2)
	}
	height, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil || height < 0 {
		return cli.Exit(fmt.Sprintf("invalid height %q", c.Args().First()), 2)
	}

	cfg, log, ctx, cancel, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()

	mongoClient := database.NewMongoClient(&cfg.Mongo, log)
	if err := mongoClient.Connect(ctx); err != nil {
		return err
	}
	defer mongoClient.Close(context.Background())

	cache := database.NewMongoAddressCacheRepository(mongoClient, log)
	previous, err := cache.GetLastProcessedHeight(ctx)
	if err != nil {
		log.Warn("No previous cursor", zap.Error(err))
	}
	if err := cache.ResetLastProcessedHeight(ctx, height); err != nil {
		return err
	}

	log.Info("Crawler cursor reset",
		zap.Int64("previous_height", previous),
		zap.Int64("height", height))
	return nil
}

func pruneStubs(c *cli.Context) error {
	cfg, log, ctx, cancel, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()

	neo4jClient := database.NewNeo4JClient(&cfg.Neo4J, log)
	if err := neo4jClient.Connect(ctx); err != nil {
		return err
	}
	defer neo4jClient.Close(context.Background())

	wallets := database.NewNeo4JWalletRepository(neo4jClient, log)
	deleted, err := wallets.PruneStubs(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("deleted %d stub wallets\n", deleted)
	return nil
}
