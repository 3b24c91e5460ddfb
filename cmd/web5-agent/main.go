// Package main provides the CLI entry point for the web5 agent client.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tbd54566975/web5-agent-go/internal/agent"
	"github.com/tbd54566975/web5-agent-go/internal/config"
	"github.com/tbd54566975/web5-agent-go/internal/didconnect"
	"github.com/tbd54566975/web5-agent-go/internal/store"
	"github.com/tbd54566975/web5-agent-go/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "web5-agent",
		Short: "web5-agent - Decentralized web agent client",
		Long: `web5-agent is a client for a local decentralized web agent.

It discovers the agent over a local port scan, runs the DID-Connect
pairing handshake, and persists the delegated authorization so the
application can relay DWN messages through the agent.`,
		Version: Version,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(pairCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup",
		Long:  "Run the interactive setup wizard: write a configuration file and create the client identity.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("init requires an interactive terminal; write config.yaml by hand instead")
			}

			_, err := wizard.New().Run()
			return err
		},
	}
}

func pairCmd() *cobra.Command {
	var (
		configPath string
		requests   []string
	)

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair with the local agent",
		Long: `Discover the local agent and run the pairing handshake.

Permission requests are given as --request Interface.Method, optionally
with a schema: --request Records.Write:https://schema.org/SocialMediaPosting`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			done := make(chan error, 1)
			a, err := agent.New(cfg, pairingEvents(done))
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}
			defer a.Stop()

			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}

			for _, r := range requests {
				req, err := parsePermissionRequest(r)
				if err != nil {
					return err
				}
				if err := a.PermissionsRequest(req); err != nil {
					return err
				}
			}

			ci, err := a.EnsureIdentity()
			if err != nil {
				return err
			}
			fmt.Printf("Client DID: %s\n", ci.ID)
			fmt.Printf("Scanning %s ports %d-%d...\n", cfg.Discovery.Host, cfg.Discovery.StartPort, cfg.Discovery.EndPort)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := a.Pair(ctx); err != nil {
				return err
			}
			return <-done
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringArrayVarP(&requests, "request", "r", nil, "Permission request (Interface.Method[:schema]), repeatable")

	return cmd
}

// pairingEvents prints the handshake's user-facing moments and reports the
// terminal outcome on done.
func pairingEvents(done chan<- error) didconnect.Events {
	return didconnect.Events{
		OnChallenge: func(pin string) {
			printPIN(pin)
		},
		OnAuthorized: func(did string) {
			fmt.Printf("\n✓ Authorized by %s\n", did)
			done <- nil
		},
		OnDenied: func(msg string) {
			done <- fmt.Errorf("pairing denied: %s", msg)
		},
		OnBlocked: func(msg string) {
			done <- fmt.Errorf("pairing blocked: %s", msg)
		},
		OnError: func(err error) {
			done <- err
		},
	}
}

// printPIN renders the verification PIN. The user confirms it against the
// agent's consent prompt.
func printPIN(pin string) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("Verification PIN: %s\n", pin)
		return
	}

	box := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Border(lipgloss.RoundedBorder()).
		Padding(0, 3)

	hint := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("Confirm this PIN in your agent's consent prompt.")

	fmt.Println()
	fmt.Println(box.Render("PIN  " + pin))
	fmt.Println(hint)
}

// parsePermissionRequest parses Interface.Method[:schema].
func parsePermissionRequest(s string) (didconnect.PermissionRequest, error) {
	spec, schema, _ := strings.Cut(s, ":")
	iface, method, found := strings.Cut(spec, ".")
	if !found || iface == "" || method == "" {
		return didconnect.PermissionRequest{}, fmt.Errorf("invalid permission request %q (want Interface.Method[:schema])", s)
	}
	return didconnect.PermissionRequest{
		Interface: iface,
		Method:    method,
		Schema:    schema,
	}, nil
}

func statusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show client status",
		Long:  "Display the persisted client identity and authorization state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg, didconnect.Events{})
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}
			defer a.Stop()

			ci, err := a.Identity()
			if errors.Is(err, store.ErrNotFound) {
				fmt.Println("No identity yet. Run `web5-agent pair` to create one.")
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Printf("Client DID:  %s\n", ci.ID)
			fmt.Printf("Created:     %s\n", humanizeTime(ci.CreatedAt))
			fmt.Printf("Updated:     %s\n", humanizeTime(ci.UpdatedAt))
			fmt.Printf("Keys:        %d\n", len(ci.Keys))

			if !ci.Endpoint.Authorized {
				fmt.Println("Authorized:  no")
				return nil
			}

			fmt.Println("Authorized:  yes")
			fmt.Printf("Agent:       %s:%d\n", ci.Endpoint.Host, ci.Endpoint.Port)
			fmt.Printf("Agent DID:   %s\n", ci.Endpoint.MRUDid)
			if len(ci.Endpoint.Permissions) > 0 {
				fmt.Printf("Permissions: %d granted\n", len(ci.Endpoint.Permissions))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func humanizeTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), humanize.Time(t))
}
