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
	"strconv"

	"github.com/bizflycloud/bizflyctl/formatter"
	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show agent health and statistics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		report, err := c.Health(ctx)
		if err != nil {
			return err
		}
		if report.Error != nil {
			return fmt.Errorf("health check failed: %s", report.Error.Message)
		}
		stats, err := c.Statistics(ctx)
		if err != nil {
			return err
		}
		m, s := stats.Manager, stats.Scheduler
		formatter.Output([]string{"Healthy", "Backups", "Success rate", "Jobs", "Enabled", "Running", "Next run"},
			[][]string{{
				strconv.FormatBool(report.Healthy),
				strconv.Itoa(m.TotalBackups),
				fmt.Sprintf("%.1f%%", m.SuccessRate),
				strconv.Itoa(s.TotalJobs),
				strconv.Itoa(s.EnabledJobs),
				strconv.Itoa(s.RunningJobs),
				relTime(s.NextExecution),
			}})
		if report.Details != nil {
			for _, r := range report.Details.Reasons {
				fmt.Println("-", r)
			}
		}
		if !report.Healthy {
			return fmt.Errorf("agent is unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
