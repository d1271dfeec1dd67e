// sentryctl is the operator CLI for the scanning service. It talks to the
// orchestrator's HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var apiURL string

func main() {
	root := &cobra.Command{
		Use:           "sentryctl",
		Short:         "Manage sensitive-data scan jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiURL, "api", envOr("DATASENTRY_API", "http://localhost:8080"),
		"base URL of the orchestrator API")

	root.AddCommand(newSubmitCmd(), newStatusCmd(), newFindingsCmd(), newDLQCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newSubmitCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "submit <collection>",
		Short: "Submit a scan job for an object collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{
				"collection": args[0],
				"prefix":     prefix,
			})
			if err != nil {
				return err
			}
			return doRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only scan objects under this key prefix")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a scan job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/jobs/%s", url.PathEscape(args[0]))
			if live {
				path += "?live=true"
			}
			return doRequest(http.MethodGet, path, nil)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "bypass the status cache and aggregate live")
	return cmd
}

func newFindingsCmd() *cobra.Command {
	var cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "findings <job-id>",
		Short: "List findings recorded for a scan job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if cursor != "" {
				q.Set("cursor", cursor)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := fmt.Sprintf("/v1/jobs/%s/findings", url.PathEscape(args[0]))
			if enc := q.Encode(); enc != "" {
				path += "?" + enc
			}
			return doRequest(http.MethodGet, path, nil)
		},
	}
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue from a previous page's next_cursor")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum findings per page")
	return cmd
}

func newDLQCmd() *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered work items",
	}

	var after int64
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if after > 0 {
				q.Set("after", fmt.Sprint(after))
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := "/v1/deadletters"
			if enc := q.Encode(); enc != "" {
				path += "?" + enc
			}
			return doRequest(http.MethodGet, path, nil)
		},
	}
	list.Flags().Int64Var(&after, "after", 0, "continue listing after this dead letter id")
	list.Flags().IntVar(&limit, "limit", 0, "maximum entries per page")

	requeue := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a dead letter back onto the work queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/deadletters/%s/requeue", url.PathEscape(args[0]))
			return doRequest(http.MethodPost, path, nil)
		},
	}

	dlq.AddCommand(list, requeue)
	return dlq
}

// doRequest performs the call and pretty-prints the JSON response.
func doRequest(method, path string, body io.Reader) error {
	req, err := http.NewRequest(method, apiURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		fmt.Println(resp.Status)
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
