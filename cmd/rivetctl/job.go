package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs and tail their logs",
	}
	cmd.AddCommand(newJobListCommand())
	cmd.AddCommand(newJobGetCommand())
	cmd.AddCommand(newJobLogsCommand())
	return cmd
}

func newJobListCommand() *cobra.Command {
	var pipeline string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs for a pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := newAPIClient().ListJobsByPipeline(cmd.Context(), pipeline)
			if err != nil {
				return err
			}
			return printJSON(jobs)
		},
	}
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "pipeline id")
	cmd.MarkFlagRequired("pipeline")
	return cmd
}

func newJobGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := newAPIClient().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
}

func newJobLogsCommand() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [id]",
		Short: "Print a job's logs, optionally following until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient()
			jobID := args[0]

			if !follow {
				entries, err := c.ReadLogs(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Printf("[%s] %s %s\n", e.Timestamp.Format(time.RFC3339), strings.ToUpper(string(e.Level)), e.Message)
				}
				return nil
			}

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			printed := 0
			for range ticker.C {
				entries, err := c.ReadLogs(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				for _, e := range entries[printed:] {
					fmt.Printf("[%s] %s %s\n", e.Timestamp.Format(time.RFC3339), strings.ToUpper(string(e.Level)), e.Message)
				}
				printed = len(entries)

				job, err := c.GetJob(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				if job.Status.IsTerminal() {
					return nil
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling until the job reaches a terminal status")
	return cmd
}
