package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// config is read from an optional TOML file; command line flags win over
// the file.
type config struct {
	ConfigFile string `toml:"-"`

	Addr   string `toml:"addr"`
	Origin string `toml:"origin"`

	DSN            string        `toml:"dsn"`
	ListenFunc     string        `toml:"listen_func"`
	UnlistenFunc   string        `toml:"unlisten_func"`
	CommandTimeout time.Duration `toml:"command_timeout"`

	StopTimeout time.Duration `toml:"stop_timeout"`
	KillTimeout time.Duration `toml:"kill_timeout"`
	MetricsTick time.Duration `toml:"metrics_tick"`

	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`
}

func defaultConfig() *config {
	return &config{
		Addr:           "127.0.0.1:8081",
		DSN:            "postgres://postgres@localhost:5432/postgres",
		ListenFunc:     "pinghub.listen",
		UnlistenFunc:   "pinghub.unlisten",
		CommandTimeout: 10 * time.Second,
		StopTimeout:    10 * time.Second,
		KillTimeout:    1 * time.Second,
		MetricsTick:    60 * time.Second,
		LogLevel:       "info",
	}
}

func (cfg *config) flagSet(output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("pgpinghub", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "path to a TOML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "http service address")
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "websocket server checks Origin headers against this scheme://host[:port], * allows any")
	fs.StringVar(&cfg.DSN, "dsn", cfg.DSN, "PostgreSQL connection string")
	fs.StringVar(&cfg.ListenFunc, "listen-func", cfg.ListenFunc, "database function returning the channel for (target, type)")
	fs.StringVar(&cfg.UnlistenFunc, "unlisten-func", cfg.UnlistenFunc, "database function stopping notifications for (target, type)")
	fs.DurationVar(&cfg.CommandTimeout, "command-timeout", cfg.CommandTimeout, "timeout of a single listen or unlisten call")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "stop timeout")
	fs.DurationVar(&cfg.KillTimeout, "kill-timeout", cfg.KillTimeout, "kill timeout")
	fs.DurationVar(&cfg.MetricsTick, "metrics.tick", cfg.MetricsTick, "metrics: duration between reports")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "log JSON lines instead of console output")
	return fs
}

func loadConfig(args []string, output io.Writer) (*config, error) {
	cfg := defaultConfig()
	fs := cfg.flagSet(output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ConfigFile == "" {
		return cfg, cfg.validate()
	}

	if _, err := toml.DecodeFile(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("reading %s: %w", cfg.ConfigFile, err)
	}
	// Parsing again puts explicitly passed flags back on top of the file.
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func (cfg *config) validate() error {
	if cfg.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if cfg.ListenFunc == "" || cfg.UnlistenFunc == "" {
		return fmt.Errorf("listen-func and unlisten-func are required")
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	return nil
}

func (cfg *config) listener() listenerConfig {
	return listenerConfig{
		dsn:            cfg.DSN,
		listenFunc:     cfg.ListenFunc,
		unlistenFunc:   cfg.UnlistenFunc,
		commandTimeout: cfg.CommandTimeout,
	}
}

func setupLogging(cfg *config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.LogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
