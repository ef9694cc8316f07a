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

	"github.com/bizflycloud/bizflyctl/formatter"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bizflycloud/backup-orchestrator/pkg/manager"
)

var retentionHeaders = []string{"Record", "Pair", "Completed", "Bucket", "Action", "Reason"}

// retentionCmd represents the retention command
var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Preview or apply the retention policy.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var retentionPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show what a retention pass would delete.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		report, err := c.PreviewRetention(ctx)
		if err != nil {
			return err
		}
		printRetention(report)
		return nil
	},
}

var retentionApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Delete the backups outside the retention policy.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		report, err := c.ApplyRetention(ctx)
		if err != nil {
			return err
		}
		printRetention(report)
		if !report.Applied {
			fmt.Println("autoCleanup is disabled, nothing was deleted")
		}
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d backups could not be deleted", len(report.Failed))
		}
		return nil
	},
}

func retentionRows(report *manager.RetentionReport) [][]string {
	var data [][]string
	for _, d := range report.Plan.Keep {
		data = append(data, []string{d.RecordID, d.Pair, humanize.Time(d.CompletedAt), d.Bucket, "keep", d.Reason})
	}
	for _, d := range report.Plan.Delete {
		action := "delete"
		if reason, ok := report.Failed[d.RecordID]; ok {
			action = "failed: " + reason
		}
		data = append(data, []string{d.RecordID, d.Pair, humanize.Time(d.CompletedAt), d.Bucket, action, d.Reason})
	}
	return data
}

func printRetention(report *manager.RetentionReport) {
	formatter.Output(retentionHeaders, retentionRows(report))
}

func init() {
	rootCmd.AddCommand(retentionCmd)
	retentionCmd.AddCommand(retentionPreviewCmd)
	retentionCmd.AddCommand(retentionApplyCmd)
}
