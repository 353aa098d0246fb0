package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/conduit-ai/conduit/internal/agent"
	"github.com/conduit-ai/conduit/internal/cache"
	"github.com/conduit-ai/conduit/pkg/protocol"
)

// modeFlags are the per-query execution options shared by ask and chat.
type modeFlags struct {
	agentic bool
	a2a     bool
	server  string
	session string
}

func (m *modeFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&m.agentic, "agentic", false,
		"use the plan/act/reflect loop")
	cmd.Flags().BoolVar(&m.a2a, "a2a", true,
		"route across backends when several are connected")
	cmd.Flags().StringVar(&m.server, "server", "",
		"restrict execution to one backend (empty or 'all' for no restriction)")
	cmd.Flags().StringVar(&m.session, "session", "",
		"session id for cache and history (default: random)")
}

func (m *modeFlags) options() agent.Options {
	session := m.session
	if session == "" {
		session = uuid.NewString()[:8]
	}
	return agent.Options{
		Agentic:    m.agentic,
		MultiAgent: m.a2a,
		Server:     m.server,
		SessionID:  session,
	}
}

// printChunk writes text to stdout and status notes to stderr.
func printChunk(c protocol.Chunk) {
	if c.Status != "" {
		fmt.Fprintf(os.Stderr, "· %s\n", c.Status)
		return
	}
	fmt.Print(c.Text)
}

func newAskCmd() *cobra.Command {
	flags := &modeFlags{}
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Answer a single query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			query := strings.Join(args, " ")
			err = app.service.Stream(cmd.Context(), query, flags.options(), printChunk)
			fmt.Println()
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func newChatCmd() *cobra.Command {
	flags := &modeFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			opts := flags.options()
			fmt.Printf("Conduit ready (session %s). Type a request, /rate up|down, /stats, /servers, /history or /quit.\n",
				opts.SessionID)

			scanner := bufio.NewScanner(os.Stdin)
			var lastQuery string
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}

				switch {
				case line == "/quit" || line == "/exit":
					return nil
				case line == "/stats":
					printStats(app)
					continue
				case line == "/servers":
					printServers(app)
					continue
				case line == "/history":
					printHistory(cmd.Context(), app, opts.SessionID)
					continue
				case strings.HasPrefix(line, "/rate"):
					rateLast(app, lastQuery, strings.TrimSpace(strings.TrimPrefix(line, "/rate")))
					continue
				}

				lastQuery = line
				if err := app.service.Stream(cmd.Context(), line, opts, printChunk); err != nil {
					fmt.Fprintln(os.Stderr, "Error:", err)
				}
				fmt.Println()
			}
		},
	}
	flags.register(cmd)
	return cmd
}

func rateLast(app *app, lastQuery, direction string) {
	if lastQuery == "" {
		fmt.Println("Nothing to rate yet.")
		return
	}
	switch direction {
	case "up":
		app.service.Rate(lastQuery, cache.RatingUp)
		fmt.Println("Thanks, noted.")
	case "down":
		app.service.Rate(lastQuery, cache.RatingDown)
		fmt.Println("Noted, that answer won't be reused.")
	default:
		fmt.Println("Usage: /rate up|down")
	}
}

func newRateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rate <up|down> <query>",
		Short: "Record feedback on a previous query's answer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			query := strings.Join(args[1:], " ")
			switch args[0] {
			case "up":
				app.service.Rate(query, cache.RatingUp)
			case "down":
				app.service.Rate(query, cache.RatingDown)
			default:
				return fmt.Errorf("rating must be 'up' or 'down', got %q", args[0])
			}
			return nil
		},
	}
}

func newServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List connected backends and their tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			printServers(app)
			return nil
		},
	}
}

func printServers(app *app) {
	names := app.manager.Servers()
	if len(names) == 0 {
		fmt.Println("No backends connected.")
		return
	}
	for _, name := range names {
		fmt.Printf("%s\n", name)
		for _, tool := range app.manager.Tools(name) {
			fmt.Printf("  %-30s %s\n", tool.Name, tool.Description)
		}
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache effectiveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			printStats(app)
			return nil
		},
	}
}

func printStats(app *app) {
	report := map[string]any{
		"cache":   app.service.CacheStats(),
		"service": app.service.RuntimeStats(),
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return
	}
	fmt.Println(string(data))
}

func printHistory(ctx context.Context, app *app, sessionID string) {
	if app.hist == nil {
		fmt.Println("History is not available.")
		return
	}
	msgs, err := app.hist.Messages(ctx, sessionID, 20)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No history for this session yet.")
		return
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
	}
}
