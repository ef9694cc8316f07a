// This file is part of backup-orchestrator
//
// Copyright (C) 2020  BizFly Cloud
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/broker/mqtt"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/logging"
	"github.com/bizflycloud/backup-orchestrator/pkg/orchestrator"
	"github.com/bizflycloud/backup-orchestrator/pkg/server"
)

// defaultShutdownSlack is added to the engine grace period for closing the
// catalog and the broker.
const defaultShutdownSlack = 5 * time.Second

// agentCmd represents the agent command
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run agent.",
	Run: func(cmd *cobra.Command, args []string) {
		if logFile == "" {
			logFile = viper.GetString("logFile")
		}
		logger = logging.New(logging.Options{Debug: debug, File: logFile, Stdout: true})
		defer func() { _ = logger.Sync() }()

		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			logger.Fatal("invalid configuration", zap.Error(err))
		}

		e, err := orchestrator.Initialize(context.Background(), cfg, orchestrator.WithLogger(logger))
		if err != nil {
			logger.Fatal("failed to initialize engine", zap.Error(err))
		}

		opts := []server.Option{
			server.WithAddr(addr),
			server.WithEngine(e),
			server.WithLogger(logger),
		}
		if e.Broker != nil {
			opts = append(opts,
				server.WithBroker(e.Broker),
				server.WithSubscribeTopics(mqtt.CommandTopic(e.ClientID)),
			)
		}

		logger.Debug("Listening address: " + addr)
		s, err := server.New(opts...)
		if err != nil {
			_ = orchestrator.Shutdown(context.Background(), e)
			logger.Fatal("failed to create new server", zap.Error(err))
		}
		runErr := s.Run()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.ShutdownGracePeriod+defaultShutdownSlack)
		defer cancel()
		if err := orchestrator.Shutdown(ctx, e); err != nil {
			logger.Error("engine shutdown", zap.Error(err))
		}
		if !errors.Is(runErr, http.ErrServerClosed) {
			logger.Error("server run failed", zap.Error(runErr))
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
