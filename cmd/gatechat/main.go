package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"GateChat/internal/chatbot"
	"GateChat/internal/config"
)

func main() {
	var configPath string
	var apiURL, dbPath, logDir string
	var debug, telemetry, ephemeral bool
	var timeout time.Duration

	flag.StringVar(&configPath, "config", "gatechat.toml", "Path to TOML config file")
	flag.StringVar(&apiURL, "api-url", config.DefaultAPIURL, "Chat backend base URL")
	flag.StringVar(&dbPath, "db", config.DefaultDBPath, "SQLite database for the saved login")
	flag.StringVar(&logDir, "log-dir", config.DefaultLogDir, "Directory for log, trace and metric files")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&telemetry, "telemetry", true, "Export traces and metrics to the log directory")
	flag.BoolVar(&ephemeral, "ephemeral", false, "Keep the login in memory only")
	flag.DurationVar(&timeout, "timeout", config.DefaultRequestTimeout, "Backend request timeout")

	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags given on the command line win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-url":
			cfg.APIURL = apiURL
		case "db":
			cfg.DBPath = dbPath
		case "log-dir":
			cfg.LogDir = logDir
		case "debug":
			cfg.Debug = debug
		case "telemetry":
			cfg.Telemetry = telemetry
		case "ephemeral":
			cfg.Ephemeral = ephemeral
		case "timeout":
			cfg.RequestTimeout = timeout
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatbot: %v\n", err)
		os.Exit(1)
	}

	if err := bot.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
