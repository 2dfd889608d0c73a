package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/patrick-hofmann/koompl/internal/config"
	"github.com/patrick-hofmann/koompl/internal/store"
)

var flowStatusFilter string

func flowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Inspect and manage flows via the running engine's admin API",
	}
	cmd.PersistentFlags().StringVar(&flowStatusFilter, "status", "", "filter by status (running, waiting, completed, failed, expired)")

	cmd.AddCommand(flowsListCmd())
	cmd.AddCommand(flowsShowCmd())
	cmd.AddCommand(flowsTerminateCmd())
	return cmd
}

func flowsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/flows"
			if flowStatusFilter != "" {
				path += "?status=" + flowStatusFilter
			}
			body, err := adminGet(path)
			if err != nil {
				return err
			}
			var resp struct {
				Flows []store.FlowData `json:"flows"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tROUND\tREQUESTER\tSTARTED\tSUBJECT")
			for _, f := range resp.Flows {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
					f.ID, f.Status, f.CurrentRound, f.MaxRounds,
					f.Requester.Email,
					f.StartedAt.Local().Format(time.DateTime),
					f.Trigger.Subject,
				)
			}
			return w.Flush()
		},
	}
}

func flowsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <flow-id>",
		Short: "Print one flow as JSON, rounds included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminGet("/v1/flows/" + args[0])
			if err != nil {
				return err
			}
			var buf map[string]interface{}
			if err := json.Unmarshal(body, &buf); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			out, _ := json.MarshalIndent(buf, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func flowsTerminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <flow-id>",
		Short: "Force-fail a running or waiting flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminDo(http.MethodDelete, "/v1/flows/"+args[0])
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
}

func adminGet(path string) ([]byte, error) {
	return adminDo(http.MethodGet, path)
}

func adminDo(method, path string) ([]byte, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	srv := cfg.Server

	host := srv.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d%s", host, srv.Port, path)

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	if srv.InboundToken != "" {
		req.Header.Set("Authorization", "Bearer "+srv.InboundToken)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the engine running? %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
