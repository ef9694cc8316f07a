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
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bizflycloud/bizflyctl/formatter"
	"github.com/spf13/cobra"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/backupapi"
	"github.com/bizflycloud/backup-orchestrator/pkg/server"
)

var (
	listBackupsHeaders = []string{"ID", "Job", "Type", "Status", "Size", "Completed", "Destinations"}

	listOpts      backupapi.ListBackupsOptions
	listFailed    bool
	listSucceeded bool
	listSince     time.Duration

	restoreDestination int
	restoreOptions     []string
)

// backupsCmd represents the backups command
var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect and restore recorded backups.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded backups, newest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := listOptions(listOpts, listSucceeded, listFailed, listSince, time.Now())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		records, err := c.ListBackups(ctx, opts)
		if err != nil {
			return err
		}
		data := make([][]string, 0, len(records))
		for _, r := range records {
			data = append(data, recordRow(r))
		}
		formatter.Output(listBackupsHeaders, data)
		return nil
	},
}

var backupsShowCmd = &cobra.Command{
	Use:   "show <record>",
	Short: "Print a record as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		rec, err := c.GetBackup(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <record>",
	Short: "Restore a backup through its storage handler.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := restoreRequest(restoreDestination, restoreOptions)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		if err := c.Restore(ctx, args[0], req); err != nil {
			return err
		}
		fmt.Println("Restored", args[0])
		return nil
	},
}

func listOptions(opts backupapi.ListBackupsOptions, succeeded, failed bool, since time.Duration, now time.Time) (backupapi.ListBackupsOptions, error) {
	if succeeded && failed {
		return opts, fmt.Errorf("--succeeded and --failed are mutually exclusive")
	}
	if succeeded || failed {
		ok := succeeded
		opts.Success = &ok
	}
	if since > 0 {
		opts.Since = now.Add(-since)
	}
	return opts, nil
}

// restoreRequest builds the request body. A negative destination lets the
// agent pick the first one holding the artifact.
func restoreRequest(dest int, options []string) (server.RestoreRequest, error) {
	var req server.RestoreRequest
	if dest >= 0 {
		req.Destination = &dest
	}
	for _, kv := range options {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return req, fmt.Errorf("invalid option %q, want key=value", kv)
		}
		if req.Options == nil {
			req.Options = map[string]string{}
		}
		req.Options[k] = v
	}
	return req, nil
}

func init() {
	rootCmd.AddCommand(backupsCmd)
	backupsCmd.AddCommand(backupsListCmd)
	backupsCmd.AddCommand(backupsShowCmd)
	backupsCmd.AddCommand(restoreCmd)

	f := backupsListCmd.Flags()
	f.StringVar(&listOpts.JobID, "job", "", "only backups of this job")
	f.StringVar(&listOpts.StorageType, "storage", "", "only backups of this storage type")
	f.StringVar((*string)(&listOpts.BackupType), "type", "", "only backups of this type ("+string(backup.TypeFull)+", "+string(backup.TypeIncremental)+")")
	f.BoolVar(&listSucceeded, "succeeded", false, "only successful backups")
	f.BoolVar(&listFailed, "failed", false, "only failed backups")
	f.DurationVar(&listSince, "since", 0, "only backups completed within this duration")
	f.IntVar(&listOpts.Limit, "limit", 0, "maximum number of backups listed")

	restoreCmd.Flags().IntVar(&restoreDestination, "destination", -1, "index of the destination to restore from")
	restoreCmd.Flags().StringArrayVar(&restoreOptions, "option", nil, "handler option override as key=value, repeatable")
}
