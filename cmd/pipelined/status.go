package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var server, token string

	cmd := &cobra.Command{
		Use:   "status [pipeline-id]",
		Short: "Show pipeline status from the control surface",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/pipelines"
			if len(args) == 1 {
				path = "/pipelines/" + args[0]
			}
			return getAndPrint(server, token, path)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "control surface base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("ORCHESTRATOR_TOKEN"), "operator bearer token")
	return cmd
}

func cancelCmd() *cobra.Command {
	var server, token string

	cmd := &cobra.Command{
		Use:   "cancel <pipeline-id>",
		Short: "Cancel a running pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient(server, token).R().Post("/pipelines/" + args[0] + "/cancel")
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("cancel failed: %s: %s", resp.Status(), resp.String())
			}
			return printJSON(resp.Body())
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "control surface base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("ORCHESTRATOR_TOKEN"), "operator bearer token")
	return cmd
}

func apiClient(server, token string) *resty.Client {
	c := resty.New().SetBaseURL(server)
	if token != "" {
		c.SetAuthToken(token)
	}
	return c
}

func getAndPrint(server, token, path string) error {
	resp, err := apiClient(server, token).R().Get(path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("request failed: %s: %s", resp.Status(), resp.String())
	}
	return printJSON(resp.Body())
}

func printJSON(body []byte) error {
	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}
