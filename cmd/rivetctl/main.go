// Command rivetctl is the operator CLI for Rivet's orchestrator: create and
// launch pipelines, inspect jobs, and tail their logs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rivet-ci/rivet/pkg/client"
)

var orchestratorURL string

func main() {
	root := &cobra.Command{
		Use:   "rivetctl",
		Short: "Operate Rivet pipelines and jobs from the command line",
	}
	root.PersistentFlags().StringVar(&orchestratorURL, "orchestrator-url", envOrDefault("ORCHESTRATOR_URL", "http://localhost:8080"), "base URL of the orchestrator API")

	root.AddCommand(newPipelineCommand())
	root.AddCommand(newJobCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newAPIClient() *client.Client {
	return client.New(client.Config{BaseURL: orchestratorURL})
}
