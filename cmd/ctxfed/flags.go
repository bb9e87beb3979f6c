package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/c360/ctxfed/federation"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	Debug       bool
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
	Query       string
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("CTXFED_CONFIG", ""),
		"Path to a YAML or JSON configuration file (env: CTXFED_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("CTXFED_CONFIG", ""),
		"Path to a YAML or JSON configuration file (env: CTXFED_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error; overrides the config file")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text; overrides the config file")
	fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.StringVar(&cfg.Query, "query", "",
		"Run one federated query (e.g. 'type=Vehicle&attrs=speed'), print the merged result and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - NGSI-LD context source federation

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a config file
  %s --config=/etc/ctxfed/ctxfed.yaml

  # Use a postgres registry through the environment
  export CTXFED_STORE_BACKEND=sql
  export CTXFED_STORE_SQL_DSN=postgres://ctxfed@db/ctxfed?sslmode=disable
  %s

  # Ask every matching context source for vehicles
  %s --config=ctxfed.yaml --query='type=Vehicle&attrs=speed'

  # Validate configuration only
  %s --config=ctxfed.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// parseQuery turns an NGSI-LD query string into a federated query request
func parseQuery(raw string) (federation.QueryRequest, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return federation.QueryRequest{}, fmt.Errorf("invalid query: %w", err)
	}

	req := federation.QueryRequest{
		IDPattern: values.Get("idPattern"),
		Type:      values.Get("type"),
		Query:     url.Values{},
	}
	if ids := values.Get("id"); ids != "" {
		req.IDs = strings.Split(ids, ",")
	}
	if attrs := values.Get("attrs"); attrs != "" {
		req.Attrs = strings.Split(attrs, ",")
	}
	for key, vals := range values {
		switch key {
		case "id", "idPattern", "type", "attrs":
		default:
			req.Query[key] = vals
		}
	}

	if len(req.IDs) == 0 && req.IDPattern == "" && req.Type == "" && len(req.Attrs) == 0 {
		return federation.QueryRequest{}, fmt.Errorf("query needs one of id, idPattern, type or attrs")
	}
	return req, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
