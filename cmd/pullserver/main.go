package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/services"
	"gopkg.in/yaml.v3"

	"github.com/yeeunshim/pullserver/modules/shuffle"
	"github.com/yeeunshim/pullserver/pkg/util/log"
)

const appName = "pullserver"

// Config is the root config.
type Config struct {
	LogLevel  dslog.Level    `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	Shuffle   shuffle.Config `yaml:"shuffle"`
}

// RegisterFlagsAndApplyDefaults registers flags.
func (c *Config) RegisterFlagsAndApplyDefaults(_ string, f *flag.FlagSet) {
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")

	c.Shuffle.RegisterFlagsAndApplyDefaults("shuffle", f)
}

func main() {
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	logger := log.InitLogger(config.LogFormat, config.LogLevel)

	server, err := shuffle.New(&config.Shuffle, logger)
	if err != nil {
		level.Error(logger).Log("msg", "error initialising "+appName, "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := services.StartAndAwaitRunning(ctx, server); err != nil {
		level.Error(logger).Log("msg", "error starting "+appName, "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "started "+appName, "port", server.BoundPort())

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	level.Info(logger).Log("msg", "shutting down")
	if err := services.StopAndAwaitTerminated(ctx, server); err != nil {
		level.Error(logger).Log("msg", "error stopping "+appName, "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*Config, error) {
	const configFileOption = "config.file"

	var configFile string

	args := os.Args[1:]
	config := &Config{}

	// first get the config file
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")

	// Parsing stops on the first error, eg. unknown flag, so we simply try
	// remaining parameters until we find the config flag, or run out.
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	// load config defaults and register flags
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	// overlay with the config file if provided
	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}

		dec := yaml.NewDecoder(bytes.NewReader(buff))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// overlay with cli
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flag.Parse()

	return config, nil
}
