package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPipelineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Create, launch, inspect, and delete pipelines",
	}
	cmd.AddCommand(newPipelineCreateCommand())
	cmd.AddCommand(newPipelineLaunchCommand())
	cmd.AddCommand(newPipelineListCommand())
	cmd.AddCommand(newPipelineGetCommand())
	cmd.AddCommand(newPipelineDeleteCommand())
	return cmd
}

func newPipelineCreateCommand() *cobra.Command {
	var name, file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Declare a pipeline from a Lua script",
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}
			p, err := newAPIClient().CreatePipeline(cmd.Context(), name, string(source))
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "pipeline name override (defaults to the script's declared name)")
	cmd.Flags().StringVar(&file, "file", "", "path to the pipeline's Lua source")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newPipelineLaunchCommand() *cobra.Command {
	var pipeline string
	var params []string
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a job from a pipeline by id or name",
		RunE: func(cmd *cobra.Command, args []string) error {
			parameters, err := parseKeyValues(params)
			if err != nil {
				return err
			}
			job, err := newAPIClient().LaunchJob(cmd.Context(), pipeline, parameters)
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "pipeline id or name")
	cmd.Flags().StringArrayVar(&params, "param", nil, "job parameter as key=value, may be repeated")
	cmd.MarkFlagRequired("pipeline")
	return cmd
}

func newPipelineListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List declared pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelines, err := newAPIClient().ListPipelines(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(pipelines)
		},
	}
}

func newPipelineGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show one pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newAPIClient().GetPipeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
}

func newPipelineDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAPIClient().DeletePipeline(cmd.Context(), args[0])
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
