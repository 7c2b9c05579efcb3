package main

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "cyberstreams",
	Short: "Security news ingestion and search service",
	Long: `cyberstreams ingests security-news RSS feeds, indexes them into a search
engine and serves authenticated, rate-limited search and a live activity
stream.

Configuration is read from an optional YAML or JSON file, then the
environment (REDIS_ADDR, OPENSEARCH_URL, JWT_SECRET, ...), then flags.`,
	SilenceUsage: true,
}

// configKeys maps flag names onto the keys config.MergeWithFlags understands.
var configKeys = map[string]string{
	"environment":    "environment",
	"log-level":      "log_level",
	"listen":         "listen_addr",
	"metrics-addr":   "metrics_addr",
	"feeds":          "feeds_file",
	"interval":       "fetch_interval_sec",
	"timeout":        "fetch_timeout_sec",
	"concurrency":    "fetch_concurrency",
	"redis-addr":     "redis_addr",
	"opensearch-url": "opensearch_url",
	"credentials-db": "credentials_db",
	"respect-robots": "respect_robots",
	"otel-endpoint":  "otel_endpoint",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	pf.String("environment", "", "development, production or test")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("redis-addr", "", "Redis address host:port (empty runs without Redis)")
	pf.String("opensearch-url", "", "OpenSearch base URL (empty keeps documents in memory)")
	pf.String("credentials-db", "", "path to the bbolt API-key database")
	pf.String("otel-endpoint", "", "OTLP HTTP endpoint (host:port)")
}

// flagOverrides collects the flags the user actually set, typed the way
// config.MergeWithFlags expects them.
func flagOverrides(cmd *cobra.Command) map[string]interface{} {
	out := make(map[string]interface{})
	fs := cmd.Flags()
	for name, key := range configKeys {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		switch f.Value.Type() {
		case "int":
			v, _ := fs.GetInt(name)
			out[key] = v
		case "bool":
			v, _ := fs.GetBool(name)
			out[key] = v
		default:
			out[key] = f.Value.String()
		}
	}
	return out
}
