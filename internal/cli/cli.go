package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lcbro/lcbro/internal/config"
	"github.com/lcbro/lcbro/internal/logging"
)

// Version is set at build time with -ldflags "-X github.com/lcbro/lcbro/internal/cli.Version=..."
var Version = "dev"

// options are the persistent flags shared by every command
type options struct {
	configPath    string
	host          string
	port          int
	logLevel      string
	cdpEnabled    bool
	cdpHost       string
	cdpPort       int
	remoteURL     string
	remoteSSLMode string
	remoteAPIKey  string
}

// Execute runs the Cobra-based CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "lcbro",
		Short:         "CDP browser connectivity server",
		Long:          "lcbro discovers debuggable browsers, keeps supervised CDP sessions to them and exposes them over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// a missing .env is normal
			_ = godotenv.Load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "config/default.yaml", "Path to configuration file")
	flags.StringVar(&opts.host, "host", "", "Host to bind the server to")
	flags.IntVarP(&opts.port, "port", "p", 0, "Port to run the server on")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.cdpEnabled, "cdp-enabled", true, "Enable browser detection")
	flags.StringVar(&opts.cdpHost, "cdp-host", "", "CDP server host")
	flags.IntVar(&opts.cdpPort, "cdp-port", 0, "CDP server port")
	flags.StringVar(&opts.remoteURL, "remote-url", "", "Remote CDP server URL")
	flags.StringVar(&opts.remoteSSLMode, "remote-ssl-mode", "", "Remote CDP SSL mode (auto, enabled, disabled, insecure)")
	flags.StringVar(&opts.remoteAPIKey, "remote-api-key", "", "Remote CDP API key")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newDiscoverCmd(opts))
	cmd.AddCommand(newRemoteCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lcbro version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lcbro %s\n", Version)
		},
	}
}

// loadConfig layers flags the user actually set over file and environment values
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	cdp := &cfg.Browser.CDP

	if flags.Changed("host") {
		cfg.Server.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if flags.Changed("cdp-enabled") {
		cdp.Detection.Enabled = opts.cdpEnabled
	}
	if flags.Changed("cdp-host") {
		cdp.Host = opts.cdpHost
	}
	if flags.Changed("cdp-port") {
		cdp.Port = opts.cdpPort
	}
	if flags.Changed("remote-url") {
		cdp.Remote.URL = opts.remoteURL
		cdp.Remote.Enabled = opts.remoteURL != ""
		cdp.Detection.UseRemote = opts.remoteURL != ""
	}
	if flags.Changed("remote-ssl-mode") {
		cdp.Remote.SSLMode = opts.remoteSSLMode
	}
	if flags.Changed("remote-api-key") {
		cdp.Remote.APIKey = opts.remoteAPIKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
