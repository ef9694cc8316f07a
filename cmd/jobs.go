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
	"strconv"
	"strings"
	"time"

	"github.com/bizflycloud/bizflyctl/formatter"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/scheduler"
)

var listJobsHeaders = []string{"ID", "Storage", "Type", "Schedule", "Enabled", "State", "Next run", "Last result", "Runs"}

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled backup jobs.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		jobs, err := c.ListJobs(ctx)
		if err != nil {
			return err
		}
		data := make([][]string, 0, len(jobs))
		for _, j := range jobs {
			data = append(data, jobRow(j))
		}
		formatter.Output(listJobsHeaders, data)
		return nil
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run a job now and wait for it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		rec, err := c.RunJob(ctx, args[0])
		if err != nil {
			return err
		}
		formatter.Output(listBackupsHeaders, [][]string{recordRow(*rec)})
		for _, w := range rec.Warnings {
			fmt.Fprintln(os.Stderr, "warning:", w)
		}
		if !rec.Success {
			return fmt.Errorf("backup %s failed: %s", rec.ID, rec.Error)
		}
		return nil
	},
}

func setEnabledCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()
			j, err := c.SetJobEnabled(ctx, args[0], enabled)
			if err != nil {
				return err
			}
			formatter.Output(listJobsHeaders, [][]string{jobRow(*j)})
			return nil
		},
	}
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "remove <job>",
	Short: "Unschedule a job until the agent restarts.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		return c.RemoveJob(ctx, args[0])
	},
}

func jobRow(j scheduler.JobStatus) []string {
	return []string{
		j.ID,
		j.StorageType,
		string(j.BackupType),
		j.Cron + " " + j.Timezone,
		strconv.FormatBool(j.Enabled),
		string(j.State),
		relTime(j.NextRun),
		j.LastResult,
		strconv.Itoa(j.TotalRuns),
	}
}

func relTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}

func recordRow(r backup.Record) []string {
	status := "ok"
	if !r.Success {
		status = "failed"
		if r.ErrorKind != "" {
			status += " (" + string(r.ErrorKind) + ")"
		}
	}
	var dests []string
	for _, d := range r.Destinations {
		if d.Success {
			dests = append(dests, d.Type)
		}
	}
	return []string{
		r.ID,
		r.JobID,
		string(r.BackupType),
		status,
		humanize.IBytes(uint64(r.Size)),
		humanize.Time(r.CompletedAt),
		strings.Join(dests, ","),
	}
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(setEnabledCmd("enable", "Enable a job.", true))
	jobsCmd.AddCommand(setEnabledCmd("disable", "Disable a job.", false))
	jobsCmd.AddCommand(jobsRemoveCmd)
}
