// docket is the admin CLI. It drives the HTTP API, so it works anywhere the
// server is reachable; it never touches the database directly.
//
// Configure it with DOCKET_API_URL, DOCKET_API_USER, and DOCKET_API_TOKEN.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/gavelhq/docket/config"
	"github.com/gavelhq/docket/rest"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "docket",
	Short:        "Manage judicial record sync jobs",
	SilenceUsage: true,
}

func client() *rest.Client {
	base := os.Getenv("DOCKET_API_URL")
	if base == "" {
		base = "http://localhost:9090"
	}
	return rest.NewClient(os.Getenv("DOCKET_API_USER"), os.Getenv("DOCKET_API_TOKEN"), base)
}

// call makes one API request and pretty-prints the JSON response.
func call(method, path string, body interface{}) error {
	var rd io.Reader
	if body != nil {
		b := new(bytes.Buffer)
		if err := json.NewEncoder(b).Encode(body); err != nil {
			return err
		}
		rd = b
	}
	c := client()
	req, err := c.NewRequest(context.Background(), method, path, rd)
	if err != nil {
		return err
	}
	var v json.RawMessage
	if err := c.Do(req, &v); err != nil {
		return err
	}
	out := new(bytes.Buffer)
	if err := json.Indent(out, v, "", "  "); err != nil {
		return err
	}
	fmt.Println(out.String())
	return nil
}

var (
	enqScope       string
	enqPriority    int16
	enqData        string
	enqMaxAttempts uint8
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <type>",
	Short: "Enqueue a sync job (courts, judges, or decisions)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{
			"type":  args[0],
			"scope": enqScope,
		}
		if cmd.Flags().Changed("priority") {
			body["priority"] = enqPriority
		}
		if enqData != "" {
			body["data"] = json.RawMessage(enqData)
		}
		if enqMaxAttempts > 0 {
			body["max_attempts"] = enqMaxAttempts
		}
		return call("POST", "/v1/sync/jobs", body)
	},
}

var (
	listStatus string
	listType   string
	listScope  string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listType != "" {
			q.Set("type", listType)
		}
		if listScope != "" {
			q.Set("scope", listScope)
		}
		path := "/v1/sync/jobs"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		return call("GET", path, nil)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one job and its run history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("GET", "/v1/sync/jobs/"+args[0], nil)
	},
}

var (
	cancelType  string
	cancelScope string
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel one job by id, or all pending jobs matching --type/--scope",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return call("POST", fmt.Sprintf("/v1/sync/jobs/%s/cancel", args[0]), nil)
		}
		return call("POST", "/v1/sync/cancel", map[string]string{
			"type":  cancelType,
			"scope": cancelScope,
		})
	},
}

var processBudget string

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one slice of queue work",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{}
		if processBudget != "" {
			body["time_budget"] = processBudget
		}
		return call("POST", "/v1/sync/process", body)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Reclaim jobs stuck in running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("POST", "/v1/sync/restart", nil)
	},
}

var cleanupOlderThan string

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal jobs past the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{}
		if cleanupOlderThan != "" {
			body["older_than"] = cleanupOlderThan
		}
		return call("POST", "/v1/sync/cleanup", body)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("docket version %s\n", config.Version)
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqScope, "scope", "", "jurisdiction to sync")
	enqueueCmd.Flags().Int16Var(&enqPriority, "priority", 0, "selection priority")
	enqueueCmd.Flags().StringVar(&enqData, "data", "", "job payload as JSON")
	enqueueCmd.Flags().Uint8Var(&enqMaxAttempts, "max-attempts", 0, "attempt ceiling")

	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listType, "type", "", "filter by job type")
	listCmd.Flags().StringVar(&listScope, "scope", "", "filter by scope")

	cancelCmd.Flags().StringVar(&cancelType, "type", "", "only cancel this job type")
	cancelCmd.Flags().StringVar(&cancelScope, "scope", "", "only cancel this scope")

	processCmd.Flags().StringVar(&processBudget, "budget", "", "time budget for the slice (\"25s\")")

	cleanupCmd.Flags().StringVar(&cleanupOlderThan, "older-than", "", "retention override (\"720h\")")

	rootCmd.AddCommand(enqueueCmd, listCmd, getCmd, cancelCmd,
		processCmd, restartCmd, cleanupCmd, versionCmd)
}
