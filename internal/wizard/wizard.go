// Package wizard provides an interactive setup wizard for the web5 agent.
package wizard

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/tbd54566975/web5-agent-go/internal/config"
	"github.com/tbd54566975/web5-agent-go/internal/identity"
	"github.com/tbd54566975/web5-agent-go/internal/store"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DID        string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	// Step 1: Basic setup
	dataDir, configPath, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	// Step 2: Application origin
	origin, err := w.askOrigin()
	if err != nil {
		return nil, err
	}

	// Step 3: Agent discovery
	discCfg, err := w.askDiscovery()
	if err != nil {
		return nil, err
	}

	// Step 4: Storage backend
	backend, err := w.askStorage()
	if err != nil {
		return nil, err
	}

	// Step 5: Advanced options
	logLevel, metricsCfg, err := w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.Agent.DataDir = dataDir
	cfg.Agent.Origin = origin
	cfg.Agent.LogLevel = logLevel
	cfg.Discovery = discCfg
	cfg.Storage.Backend = backend
	cfg.Metrics = metricsCfg

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Create the identity now so the first pairing starts from a stable DID.
	did, err := w.initIdentity(cfg)
	if err != nil {
		return nil, err
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(did, configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		DID:        did,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
               _     ____
 __      _____| |__ | ___|     __ _  __ _  ___ _ __ | |_
 \ \ /\ / / _ \ '_ \|___ \    / _` + "`" + ` |/ _` + "`" + ` |/ _ \ '_ \| __|
  \ V  V /  __/ |_) |___) |  | (_| | (_| |  __/ | | | |_
   \_/\_/ \___|_.__/|____/    \__,_|\__, |\___|_| |_|\__|
                                    |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Decentralized Web Agent Client - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (dataDir, configPath string, err error) {
	dataDir = "./data"
	configPath = "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths for your agent client."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store the client identity and state").
				Placeholder("./data").
				Value(&dataDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askOrigin() (string, error) {
	var origin string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Application Origin").
				Description("The origin identifies your application to the local agent\nduring pairing. The agent shows it in its consent prompt."),

			huh.NewInput().
				Title("Origin").
				Placeholder("https://app.example.com").
				Value(&origin).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("origin is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return origin, nil
}

func (w *Wizard) askDiscovery() (config.DiscoveryConfig, error) {
	defaults := config.Default().Discovery
	host := defaults.Host
	startPort := strconv.Itoa(defaults.StartPort)
	endPort := strconv.Itoa(defaults.EndPort)
	userInitiated := defaults.UserInitiated

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Agent Discovery").
				Description("The client scans a local port range for a listening agent."),

			huh.NewInput().
				Title("Agent Host").
				Placeholder("localhost").
				Value(&host),

			huh.NewInput().
				Title("First Port").
				Value(&startPort).
				Validate(validatePort),

			huh.NewInput().
				Title("Last Port").
				Value(&endPort).
				Validate(validatePort),

			huh.NewConfirm().
				Title("Launch Native Agent?").
				Description("Open the agent's custom URL scheme when no port answers").
				Value(&userInitiated),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.DiscoveryConfig{}, err
	}

	cfg := defaults
	cfg.Host = host
	cfg.StartPort, _ = strconv.Atoi(startPort)
	cfg.EndPort, _ = strconv.Atoi(endPort)
	cfg.UserInitiated = userInitiated
	return cfg, nil
}

func validatePort(s string) error {
	port, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port number")
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func (w *Wizard) askStorage() (string, error) {
	backend := "bbolt"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Storage Backend").
				Description("Where the identity and authorization state live").
				Options(
					huh.NewOption("bbolt (persistent, recommended)", "bbolt"),
					huh.NewOption("memory (ephemeral, testing only)", "memory"),
				).
				Value(&backend),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return backend, nil
}

func (w *Wizard) askAdvancedOptions() (string, config.MetricsConfig, error) {
	logLevel := "info"
	metricsCfg := config.Default().Metrics
	metricsAddr := metricsCfg.Address

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options"),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warn", "warn"),
					huh.NewOption("Error", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable Metrics Endpoint?").
				Description("Expose Prometheus metrics over HTTP").
				Value(&metricsCfg.Enabled),

			huh.NewInput().
				Title("Metrics Address").
				Placeholder(metricsAddr).
				Value(&metricsAddr),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", config.MetricsConfig{}, err
	}

	metricsCfg.Address = metricsAddr
	return logLevel, metricsCfg, nil
}

// initIdentity creates (or restores) the client identity in the configured
// store and returns its DID.
func (w *Wizard) initIdentity(cfg *config.Config) (string, error) {
	if cfg.Storage.Backend != "bbolt" {
		// Ephemeral backends get their identity on first pairing.
		return "(ephemeral, created on first pairing)", nil
	}

	path := cfg.Storage.Path
	if path == "" {
		path = filepath.Join(cfg.Agent.DataDir, "agent.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.OpenBolt(path)
	if err != nil {
		return "", err
	}
	defer st.Close()

	ci, err := identity.NewManager(st, nil).Ensure()
	if err != nil {
		return "", fmt.Errorf("failed to initialize identity: %w", err)
	}
	return ci.ID, nil
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := `# web5 agent client configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(did, configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Client DID:   %s\n", did)
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Agent.DataDir)
	fmt.Printf("  Origin:       %s\n", cfg.Agent.Origin)
	fmt.Printf("  Discovery:    %s ports %d-%d\n", cfg.Discovery.Host, cfg.Discovery.StartPort, cfg.Discovery.EndPort)

	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:      http://%s/metrics\n", cfg.Metrics.Address)
	}

	fmt.Println()
	fmt.Println("  To pair with your local agent:")
	fmt.Printf("    web5-agent pair -c %s\n", configPath)
	fmt.Println()
}
