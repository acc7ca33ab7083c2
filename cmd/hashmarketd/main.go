// Copyright 2026 HashBrotherhood Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/hashbrotherhood/hashmarket/internal/api"
	"github.com/hashbrotherhood/hashmarket/internal/config"
	"github.com/hashbrotherhood/hashmarket/internal/database"
	"github.com/hashbrotherhood/hashmarket/internal/ledger"
	"github.com/hashbrotherhood/hashmarket/internal/logging"
	"github.com/hashbrotherhood/hashmarket/internal/market"
	"github.com/hashbrotherhood/hashmarket/internal/notify"
	"github.com/hashbrotherhood/hashmarket/internal/order"
	"github.com/hashbrotherhood/hashmarket/internal/user"
	"github.com/hashbrotherhood/hashmarket/internal/version"
)

const (
	programName = "hashmarketd"
)

var cmdlineFlags struct {
	configFile string
	version    bool
}

func main() {
	flag.StringVar(&cmdlineFlags.configFile, "config", "", "path to config file to load")
	flag.BoolVar(&cmdlineFlags.version, "version", false, "show version")
	flag.Parse()

	if cmdlineFlags.version {
		fmt.Printf("%s %s\n", programName, version.GetVersionString())
		os.Exit(0)
	}

	// Load config
	cfg, err := config.Load(cmdlineFlags.configFile)
	if err != nil {
		fmt.Printf("Failed to load config: %s\n", err)
		os.Exit(1)
	}

	// Configure logging
	logging.Configure()
	slog.SetDefault(logging.GetLogger())
	logger := logging.GetLogger().With("component", "main")

	logger.Info(
		fmt.Sprintf("%s %s started", programName, version.GetVersionString()),
	)

	// Start debug listener
	if cfg.Debug.ListenPort > 0 {
		debugAddr := fmt.Sprintf(
			"%s:%d",
			cfg.Debug.ListenAddress,
			cfg.Debug.ListenPort,
		)
		logger.Info("starting debug listener", "address", debugAddr)
		go func() {
			if err := http.ListenAndServe(debugAddr, nil); err != nil {
				logger.Error("failed to start debug listener", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	db, err := database.Connect(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		logger.Error("failed to apply database migrations", "error", err)
		os.Exit(1)
	}

	// Redis is optional; without it the worker-order cache and the event
	// fanout degrade to their in-process fallbacks
	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient, err = database.ConnectRedis(ctx)
		if err != nil {
			logger.Warn(
				"redis unavailable, continuing without it",
				"error", err,
			)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	users := user.NewStore(db)
	listings := market.NewStore(db)
	engine, err := ledger.NewEngine(db)
	if err != nil {
		logger.Error("failed to initialize ledger", "error", err)
		os.Exit(1)
	}
	notifier := notify.NewNotifier(redisClient)
	orders := order.NewService(
		db,
		users,
		listings,
		engine,
		order.NewCache(redisClient),
		notifier,
	)
	orders.StartSweeper()

	apiServer := api.NewServer(cfg, orders, listings, users, engine, notifier)
	if err := apiServer.Start(); err != nil {
		logger.Error("failed to start api server", "error", err)
		os.Exit(1)
	}

	// Wait forever, unless shutdown is requested
	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		15*time.Second,
	)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn("api server shutdown incomplete", "error", err)
	}
	orders.Stop()
	notifier.Stop()
}
