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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backupapi"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/logging"
	"github.com/bizflycloud/backup-orchestrator/pkg/support"
)

const (
	envPrefix      = "BACKUP"
	defaultTimeout = 10 * time.Minute
)

var defaultAddr = "unix://" + filepath.Join(os.TempDir(), "backup-orchestrator.sock")

var (
	cfgFile string
	addr    string
	logFile string
	debug   bool
	timeout time.Duration
	logger  *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "backup-orchestrator",
	Short: "Backup orchestration agent.",
	Long: `backup-orchestrator schedules, runs, verifies and prunes backups of the
configured storage backends. Run "backup-orchestrator agent" to start the
engine, the other commands talk to a running agent.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Println(err)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if debug {
			logger.Error(err.Error())
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.backup-orchestrator.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug (default is false)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "listening address of agent server (default is "+defaultAddr+")")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file, rotated")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", defaultTimeout, "timeout of requests to the agent")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	logger = logging.New(logging.Options{Debug: debug, File: logFile, Stdout: true})

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			logger.Error(err.Error())
			os.Exit(1)
		}

		// Search config in home directory with name ".backup-orchestrator" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".backup-orchestrator")
	}

	viper.SetDefault("addr", defaultAddr)
	if paths, err := support.CheckPath(); err == nil {
		viper.SetDefault("logFile", paths.Log)
	}

	if err := config.BindEnv(viper.GetViper()); err != nil {
		logger.Error(err.Error())
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		logger.Debug("Using config file: " + viper.ConfigFileUsed())
	}

	if addr == "" {
		addr = viper.GetString("addr")
	}
}

// newClient returns a client of the agent listening on addr.
func newClient() (*backupapi.Client, error) {
	return backupapi.NewClient(backupapi.WithAddr(addr), backupapi.WithLogger(logger))
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
