package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	serverURL    string
	authToken    string
	outputFormat string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autorunctl",
		Short: "autorunctl - control the auto-run daemon",
		Long: `autorunctl talks to a running autorund over its HTTP API.
Output is JSON by default; use -o text for a short summary.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "autorund server URL")
	rootCmd.PersistentFlags().StringVarP(&authToken, "token", "t", os.Getenv("AUTORUN_TOKEN"), "Bearer token (or AUTORUN_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "Output format: json, text")

	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newToggleCommand("enable", "Enable auto-run"))
	rootCmd.AddCommand(newToggleCommand("disable", "Disable auto-run"))
	rootCmd.AddCommand(newMembershipCommand("include", "Add an agent to the rotation"))
	rootCmd.AddCommand(newMembershipCommand("exclude", "Remove an agent from the rotation"))
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newSelectCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newHashKeyCommand())
	return rootCmd
}

func getDefaultServer() string {
	if server := os.Getenv("AUTORUN_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8765"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: strings.TrimRight(serverURL, "/"),
		Token:   authToken,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, params url.Values, data interface{}) ([]byte, error) {
	u := fmt.Sprintf("%s%s", c.BaseURL, path)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = strings.NewReader(string(jsonData))
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

func (c *Client) get(path string, params url.Values) ([]byte, error) {
	return c.do(http.MethodGet, path, params, nil)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	return c.do(http.MethodPost, path, nil, data)
}

// outputJSON pretty-prints JSON data, or prints it raw when it is not JSON.
func outputJSON(w io.Writer, data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Fprintln(w, string(data))
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
