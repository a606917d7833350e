package main

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	k8s "github.com/aonescu/kubefacts/internal/kubernetes"
)

type config struct {
	Namespace    string
	Kubeconfig   string
	DatabaseURL  string
	APIAddress   string
	LogLevel     string
	ClusterName  string
	RulesFile    string
	SeedFile     string
	JournalSize  int
	FactLimit    int
	RestartDelay time.Duration
}

// defaultConfig reads defaults from the environment; flags override them.
func defaultConfig() *config {
	return &config{
		Namespace:    envOr("NAMESPACE", "default"),
		Kubeconfig:   k8s.DefaultKubeconfig(),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		APIAddress:   envOr("API_ADDRESS", ":8080"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		ClusterName:  os.Getenv("CLUSTER_NAME"),
		RulesFile:    os.Getenv("RULES_FILE"),
		SeedFile:     os.Getenv("SEED_FILE"),
		JournalSize:  envInt("JOURNAL_SIZE", 1024),
		FactLimit:    envInt("FACT_LIMIT", 500000),
		RestartDelay: envDuration("WATCH_RESTART_DELAY", 5*time.Second),
	}
}

func (c *config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Namespace, "namespace", "n", c.Namespace, "Namespace of the pod watch (env NAMESPACE)")
	fs.StringVar(&c.Kubeconfig, "kubeconfig", c.Kubeconfig, "Path to kubeconfig; empty uses in-cluster config (env KUBECONFIG)")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "PostgreSQL commit journal; empty keeps it in memory (env DATABASE_URL)")
	fs.StringVar(&c.APIAddress, "api-address", c.APIAddress, "REST API listen address (env API_ADDRESS)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error (env LOG_LEVEL)")
	fs.StringVar(&c.ClusterName, "cluster-name", c.ClusterName, "Cluster name recorded on facts (env CLUSTER_NAME)")
	fs.StringVar(&c.RulesFile, "rules", c.RulesFile, "Rule program replacing the built-in one (env RULES_FILE)")
	fs.StringVar(&c.SeedFile, "seed", c.SeedFile, "YAML manifests committed before watching (env SEED_FILE)")
	fs.IntVar(&c.JournalSize, "journal-size", c.JournalSize, "Commits kept in memory (env JOURNAL_SIZE)")
	fs.IntVar(&c.FactLimit, "fact-limit", c.FactLimit, "Maximum derived facts per evaluation (env FACT_LIMIT)")
	fs.DurationVar(&c.RestartDelay, "watch-restart-delay", c.RestartDelay, "Delay before reopening a terminated watch; 0 stops the loop (env WATCH_RESTART_DELAY)")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}
