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
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/hashbrotherhood/hashmarket/internal/config"
	"github.com/hashbrotherhood/hashmarket/internal/logging"
	"github.com/hashbrotherhood/hashmarket/internal/proxy"
	"github.com/hashbrotherhood/hashmarket/internal/version"
)

const (
	programName = "stratum-proxy"
)

var cmdlineFlags struct {
	configFile     string
	version        bool
	listen         string
	controlPlane   string
	region         string
	journalDir     string
	reportInterval uint
}

func main() {
	flag.StringVar(&cmdlineFlags.configFile, "config", "", "path to config file to load")
	flag.BoolVar(&cmdlineFlags.version, "version", false, "show version")
	flag.StringVar(&cmdlineFlags.listen, "listen", "", "stratum listen address as host:port (overrides config)")
	flag.StringVar(&cmdlineFlags.controlPlane, "control-plane", "", "control plane base URL (overrides config)")
	flag.StringVar(&cmdlineFlags.region, "region", "", "region label reported with sessions (overrides config)")
	flag.StringVar(&cmdlineFlags.journalDir, "journal-dir", "", "directory for the callback journal (overrides config)")
	flag.UintVar(&cmdlineFlags.reportInterval, "report-interval", 0, "seconds between hashrate reports (overrides config)")
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

	// Command line flags win over config file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			host, portStr, err := net.SplitHostPort(cmdlineFlags.listen)
			if err != nil {
				fmt.Printf("Invalid listen address: %s\n", err)
				os.Exit(1)
			}
			port, err := strconv.ParseUint(portStr, 10, 16)
			if err != nil {
				fmt.Printf("Invalid listen port: %s\n", err)
				os.Exit(1)
			}
			cfg.Proxy.ListenAddress = host
			cfg.Proxy.ListenPort = uint(port)
		case "control-plane":
			cfg.Proxy.ControlPlaneUrl = cmdlineFlags.controlPlane
		case "region":
			cfg.Proxy.Region = cmdlineFlags.region
		case "journal-dir":
			cfg.Proxy.JournalDir = cmdlineFlags.journalDir
		case "report-interval":
			if cmdlineFlags.reportInterval == 0 {
				fmt.Printf("Report interval must be greater than zero\n")
				os.Exit(1)
			}
			cfg.Proxy.ReportInterval = cmdlineFlags.reportInterval
		}
	})

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

	srv, err := proxy.NewServer(cfg)
	if err != nil {
		logger.Error("failed to initialize proxy", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error("failed to start proxy", "error", err)
		os.Exit(1)
	}

	// Wait forever, unless shutdown is requested
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()
	<-ctx.Done()
	if err := srv.Stop(); err != nil {
		logger.Error("proxy shutdown failed", "error", err)
		os.Exit(1)
	}
}
