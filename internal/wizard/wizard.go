// Package wizard provides an interactive setup wizard for the relay.
package wizard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/bedrock-relay/internal/config"
	"github.com/postalsys/bedrock-relay/internal/target"
)

// ErrNotInteractive is returned by Run when stdin is not a terminal.
var ErrNotInteractive = errors.New("setup wizard requires an interactive terminal")

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds everything the wizard asks for.
type Answers struct {
	ConfigPath        string
	Target            string
	Listen            string
	AdvertisedAddress string
	Transport         string
	MOTD              string
	AuthMode          string
	DisplayName       string
	IdentityFile      string
	ProtectedHosts    []string
	RedisURL          string
	HealthEnabled     bool
	LogLevel          string
}

// DefaultAnswers returns the answers used by non-interactive setup.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		ConfigPath:   "./config.yaml",
		Listen:       def.Relay.Listen,
		Transport:    def.Relay.Transport,
		MOTD:         def.Relay.MOTD,
		AuthMode:     def.Auth.Mode,
		DisplayName:  def.Auth.DisplayName,
		IdentityFile: def.Auth.IdentityFile,
		LogLevel:     def.Relay.LogLevel,
	}
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

// Interactive reports whether stdin is a terminal the wizard can drive.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	if !Interactive() {
		return nil, ErrNotInteractive
	}

	w.printBanner()

	a := DefaultAnswers()

	// Step 1: Config path
	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}

	// Step 2: Target and listener
	if err := w.askNetworkConfig(&a); err != nil {
		return nil, err
	}

	// Step 3: Authentication
	if err := w.askAuthConfig(&a); err != nil {
		return nil, err
	}

	// Step 4: Outbound connections
	if err := w.askConnections(&a); err != nil {
		return nil, err
	}

	// Step 5: Advanced options
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	return Finish(a)
}

// Finish builds, validates and writes the configuration for a.
func Finish(a Answers) (*Result, error) {
	cfg := buildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("78")).
		Render(`
  ___         _             _     ___     _
 | _ ) ___ __| |_ _ ___  __| |__ | _ \___| |__ _ _  _
 | _ \/ -_) _  | '_/ _ \/ _| / / |   / -_) / _  | || |
 |___/\___\__,_|_| \___/\__|_\_\ |_|_\___|_\__,_|\_, |
                                                 |__/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Bedrock Intercepting Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where the relay configuration is written."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askNetworkConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network Configuration").
				Description("Where clients connect and which server the relay forwards to."),

			huh.NewInput().
				Title("Target Server").
				Description("Bedrock server to relay to (host or host:port)").
				Placeholder("play.example.net:19132").
				Value(&a.Target).
				Validate(validateAddress),

			huh.NewInput().
				Title("Listen Address").
				Description("Address and port clients connect to").
				Placeholder("0.0.0.0:19132").
				Value(&a.Listen).
				Validate(validateAddress),

			huh.NewInput().
				Title("Advertised Address").
				Description("Address sent to clients on server transfers (optional)").
				Value(&a.AdvertisedAddress).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					return validateAddress(s)
				}),

			huh.NewSelect[string]().
				Title("Transport Protocol").
				Options(
					huh.NewOption("RakNet (UDP, standard clients)", "raknet"),
					huh.NewOption("QUIC (UDP, relay-to-relay)", "quic"),
				).
				Value(&a.Transport),

			huh.NewInput().
				Title("MOTD").
				Description("Message shown in the server list").
				Value(&a.MOTD),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAuthConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Authentication").
				Description("How the relay logs in to the target server."),

			huh.NewSelect[string]().
				Title("Auth Mode").
				Options(
					huh.NewOption("Offline (self-signed identity)", "offline"),
					huh.NewOption("Online (stored account identity)", "online"),
					huh.NewOption("Passthrough (forward the client login)", "passthrough"),
				).
				Value(&a.AuthMode),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	var field huh.Field
	switch a.AuthMode {
	case "offline":
		field = huh.NewInput().
			Title("Display Name").
			Description("Name presented to the server").
			Value(&a.DisplayName).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return fmt.Errorf("display name is required")
				}
				return nil
			})
	case "online":
		field = huh.NewInput().
			Title("Identity File").
			Description("JSON file holding the account chain and signing key").
			Value(&a.IdentityFile).
			Validate(func(s string) error {
				if s == "" {
					return fmt.Errorf("identity file is required")
				}
				return nil
			})
	default:
		return nil
	}

	return huh.NewForm(huh.NewGroup(field)).WithTheme(w.theme).Run()
}

func (w *Wizard) askConnections(a *Answers) error {
	var hosts string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Outbound Connections").
				Description("Hosts that rate-limit connects get the conservative retry profile."),

			huh.NewText().
				Title("Protected Hosts").
				Description("One domain suffix per line (optional)").
				Placeholder("hivebedrock.network\ncubecraft.net").
				Value(&hosts),

			huh.NewInput().
				Title("Redis URL").
				Description("Shared throttle state across relays (optional)").
				Placeholder("redis://localhost:6379/0").
				Value(&a.RedisURL),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	a.ProtectedHosts = splitLines(hosts)
	return nil
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateAddress(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, err := target.ParseAddress(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func buildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Relay.Target = a.Target
	cfg.Relay.Listen = a.Listen
	cfg.Relay.AdvertisedAddress = a.AdvertisedAddress
	cfg.Relay.Transport = a.Transport
	cfg.Relay.MOTD = a.MOTD
	cfg.Relay.LogLevel = a.LogLevel
	cfg.Relay.LogFormat = "text"

	cfg.Auth.Mode = a.AuthMode
	cfg.Auth.DisplayName = a.DisplayName
	cfg.Auth.IdentityFile = a.IdentityFile

	if len(a.ProtectedHosts) > 0 {
		cfg.Connections.ProtectedHosts = a.ProtectedHosts
	}
	if a.RedisURL != "" {
		cfg.Connections.StateStore = "redis"
		cfg.Connections.RedisURL = a.RedisURL
	}

	cfg.Health.Enabled = a.HealthEnabled

	return cfg
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Bedrock Relay Configuration
# Generated by setup wizard

`
	// 0600: the file may carry a redis password
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func printSummary(configPath string, cfg *config.Config) {
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

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Listener:     %s://%s\n", cfg.Relay.Transport, cfg.Relay.Listen)
	fmt.Printf("  Target:       %s\n", cfg.Relay.Target)
	fmt.Printf("  Auth mode:    %s\n", cfg.Auth.Mode)

	if len(cfg.Connections.ProtectedHosts) > 0 {
		fmt.Printf("  Protected:    %v\n", cfg.Connections.ProtectedHosts)
	}

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    bedrock-relay run -c %s\n", configPath)
	fmt.Println()
}
