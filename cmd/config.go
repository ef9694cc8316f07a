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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/bizflycloud/backup-orchestrator/pkg/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the agent configuration.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and print the effective configuration.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		if f := viper.ConfigFileUsed(); f != "" {
			fmt.Fprintln(os.Stderr, "Using config file:", f)
		}
		return yaml.NewEncoder(os.Stdout).Encode(redact(cfg))
	},
}

var configDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the built-in configuration template.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return yaml.NewEncoder(os.Stdout).Encode(config.Default())
	},
}

// redact returns a copy of cfg with credential options masked.
func redact(cfg *config.Config) *config.Config {
	out := *cfg
	out.Destinations = make([]config.Destination, len(cfg.Destinations))
	for i, d := range cfg.Destinations {
		d.Options = redactOptions(d.Options)
		out.Destinations[i] = d
	}
	out.StorageConfigs = make([]config.StorageConfig, len(cfg.StorageConfigs))
	for i, sc := range cfg.StorageConfigs {
		sc.Options = redactOptions(sc.Options)
		out.StorageConfigs[i] = sc
	}
	return &out
}

func redactOptions(opts map[string]string) map[string]string {
	if opts == nil {
		return nil
	}
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "password") || strings.Contains(lk, "secret") || strings.Contains(lk, "privatekey") {
			v = "******"
		}
		out[k] = v
	}
	return out
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configDefaultCmd)
}
