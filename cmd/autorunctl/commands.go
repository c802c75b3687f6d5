package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jordanhubbard/autorun/internal/api"
	"github.com/jordanhubbard/autorun/internal/auth"
	"github.com/jordanhubbard/autorun/pkg/messages"
)

// --- Auto-run commands ---

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show auto-run state, rotation and eligibility",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/autorun", nil)
			if err != nil {
				return err
			}
			return printAutoRun(cmd.OutOrStdout(), data)
		},
	}
}

func newToggleCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/api/v1/autorun/"+name, nil)
			if err != nil {
				return err
			}
			return printAutoRun(cmd.OutOrStdout(), data)
		},
	}
}

func newMembershipCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:     name + " <agent-type>",
		Short:   short,
		Args:    cobra.ExactArgs(1),
		Example: fmt.Sprintf("  autorunctl %s trader", name),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/autorun/agents/%s/%s", url.PathEscape(args[0]), name)
			data, err := newClient().post(path, nil)
			if err != nil {
				return err
			}
			return printAutoRun(cmd.OutOrStdout(), data)
		},
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running agent",
		Long:  "Requests a stop. Confirmation arrives on the event stream (see 'autorunctl watch').",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/api/v1/autorun/stop", nil)
			if err != nil {
				return err
			}
			return printAutoRun(cmd.OutOrStdout(), data)
		},
	}
}

func newSelectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "select [agent-type]",
		Short: "Show or change the selected agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			var (
				data []byte
				err  error
			)
			if len(args) == 0 {
				data, err = client.get("/api/v1/selection", nil)
			} else {
				data, err = client.post("/api/v1/selection", map[string]string{"agentType": args[0]})
			}
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

// printAutoRun renders an auto-run snapshot in the selected output format.
func printAutoRun(w io.Writer, data []byte) error {
	if outputFormat != "text" {
		outputJSON(w, data)
		return nil
	}
	var resp api.AutoRunResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	state := "disabled"
	if resp.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(w, "Auto-run: %s", state)
	if resp.Busy {
		fmt.Fprint(w, " (busy)")
	}
	fmt.Fprintln(w)
	if resp.RunningAgent != "" {
		fmt.Fprintf(w, "Running:  %s\n", resp.RunningAgent)
	}
	if resp.NextScanAt != nil {
		fmt.Fprintf(w, "Next scan: %s\n", resp.NextScanAt.Format("15:04:05"))
	}

	fmt.Fprintln(w, "Rotation:")
	for _, a := range resp.IncludedAgents {
		e := resp.Eligibility[a.AgentType]
		mark := "-"
		if e.CanRun {
			mark = "+"
		}
		line := fmt.Sprintf("  %s %d %s", mark, a.Order, a.AgentType)
		if e.Display != "" {
			line += "  " + e.Display
		}
		if r := resp.Rewards[a.AgentType]; r != "" {
			line += "  [" + r + "]"
		}
		fmt.Fprintln(w, line)
	}
	if len(resp.ExcludedAgents) > 0 {
		excluded := make([]string, 0, len(resp.ExcludedAgents))
		for _, a := range resp.ExcludedAgents {
			excluded = append(excluded, string(a))
		}
		sort.Strings(excluded)
		fmt.Fprintf(w, "Excluded: %s\n", strings.Join(excluded, ", "))
	}
	return nil
}

// --- Log commands ---

func newLogsCommand() *cobra.Command {
	var (
		limit     int
		level     string
		source    string
		agentType string
		since     string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon log entries",
		Example: `  autorunctl logs --limit=20
  autorunctl logs --agent=trader --since=1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			if level != "" {
				params.Set("level", level)
			}
			if source != "" {
				params.Set("source", source)
			}
			if agentType != "" {
				params.Set("agent", agentType)
			}
			if since != "" {
				params.Set("since", since)
			}
			data, err := newClient().get("/api/v1/logs", params)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries")
	cmd.Flags().StringVar(&level, "level", "", "Filter by level (info, warn, error)")
	cmd.Flags().StringVar(&source, "source", "", "Filter by source")
	cmd.Flags().StringVar(&agentType, "agent", "", "Filter by agent type")
	cmd.Flags().StringVar(&since, "since", "", "Only entries newer than this duration, e.g. 15m")
	return cmd
}

// --- Event stream ---

func newWatchCommand() *cobra.Command {
	var eventType string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := streamURL(serverURL, eventType, authToken)
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			for {
				var event messages.EventMessage
				if err := conn.ReadJSON(&event); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return err
				}
				if outputFormat == "text" {
					fmt.Fprintf(out, "%s %-24s %s\n", event.Timestamp.Format("15:04:05"), event.Type, event.AgentType)
					continue
				}
				data, _ := json.Marshal(event)
				fmt.Fprintln(out, string(data))
			}
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "Only stream this event type, e.g. agent.started")
	return cmd
}

// streamURL turns the server URL into the websocket event stream URL.
func streamURL(server, eventType, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/v1/events/stream"
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// --- Auth commands ---

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Exchange an API key for a bearer token",
		Long:  "Reads the API key from AUTORUN_API_KEY or prompts for it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readSecret("API key: ", "AUTORUN_API_KEY")
			if err != nil {
				return err
			}
			data, err := newClient().post("/api/v1/auth/token", auth.TokenRequest{APIKey: key})
			if err != nil {
				return err
			}
			if outputFormat == "text" {
				var resp auth.TokenResponse
				if err := json.Unmarshal(data, &resp); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
				return nil
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key",
		Short: "Print the bcrypt hash of an API key for security.api_key_hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readSecret("API key to hash: ", "AUTORUN_API_KEY")
			if err != nil {
				return err
			}
			hash, err := auth.HashAPIKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// readSecret returns env when set, otherwise prompts without echo.
func readSecret(prompt, env string) (string, error) {
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("%s is not set and stdin is not a terminal", env)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	secret := strings.TrimSpace(string(b))
	if secret == "" {
		return "", fmt.Errorf("empty secret")
	}
	return secret, nil
}
