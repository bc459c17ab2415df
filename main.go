package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pushwatch/internal/config"
	"pushwatch/internal/server"
	"pushwatch/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultToken      = "3367"
	sampleConfigPath  = "agent_config.json"
	createConfigUsage = "Create a sample agent config file (optionally -create-config=path)"
)

// createConfigFlag is a boolean flag that also accepts a path.
type createConfigFlag struct {
	set  bool
	path string
}

func (f *createConfigFlag) String() string   { return f.path }
func (f *createConfigFlag) IsBoolFlag() bool { return true }

func (f *createConfigFlag) Set(v string) error {
	switch v {
	case "true":
		f.set, f.path = true, sampleConfigPath
	case "false":
		f.set = false
	default:
		f.set, f.path = true, v
	}
	return nil
}

type options struct {
	server       bool
	agent        bool
	issueToken   bool
	createConfig createConfigFlag

	collector string
	token     string
	config    string
	interval  int
	host      string
	port      int
	dataDir   string

	insecureSkipVerify bool
	caFile             string

	logLevel string
	logJSON  bool
}

func main() {
	var opts options
	flag.BoolVar(&opts.server, "server", false, "Run as collector server")
	flag.BoolVar(&opts.agent, "agent", false, "Run as monitoring agent")
	flag.BoolVar(&opts.issueToken, "issue-token", false, "Print a signed agent token for -host (needs jwt_secret in -config)")
	flag.Var(&opts.createConfig, "create-config", createConfigUsage)
	flag.StringVar(&opts.collector, "collector", "", "Collector URL for agent mode")
	flag.StringVar(&opts.token, "token", "", "Authentication token (default "+defaultToken+")")
	flag.StringVar(&opts.config, "config", "", "Configuration file (agent or collector, depending on mode)")
	flag.IntVar(&opts.interval, "interval", int(config.DefaultInterval/time.Second), "Push interval in seconds")
	flag.StringVar(&opts.host, "host", config.DefaultHost, "Server bind address, or the agent hostname for -issue-token")
	flag.IntVar(&opts.port, "port", config.DefaultPort, "Server port")
	flag.BoolVar(&opts.insecureSkipVerify, "insecure-skip-verify", false, "Agent: accept the collector's self-signed certificate without verification")
	flag.StringVar(&opts.caFile, "ca-file", "", "Agent: PEM file of the collector certificate or its CA")
	flag.StringVar(&opts.dataDir, "data-dir", config.DefaultDataDir, "Directory where metrics are stored")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&opts.logJSON, "log-json", false, "Write logs as JSON")
	flag.Parse()

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	logger, err := newLogger(opts.logLevel, opts.logJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch {
	case opts.createConfig.set:
		if err := config.WriteSampleAgentConfig(opts.createConfig.path); err != nil {
			logger.Error(err, "failed to create sample config")
			os.Exit(1)
		}
		logger.Info("created sample config", "path", opts.createConfig.path)
	case opts.issueToken:
		if err := runIssueToken(opts, set); err != nil {
			logger.Error(err, "failed to issue token")
			os.Exit(1)
		}
	case opts.server:
		if err := runServer(opts, set, logger); err != nil {
			logger.Error(err, "collector failed")
			os.Exit(1)
		}
	case opts.agent:
		if err := runAgent(opts, set, logger); err != nil {
			logger.Error(err, "agent failed")
			os.Exit(1)
		}
	default:
		flag.Usage()
		fmt.Println("\nExamples:")
		fmt.Println("  pushwatch -server -token 3367")
		fmt.Println("  pushwatch -agent -collector https://server:8443/api/metrics -token 3367 -insecure-skip-verify")
		fmt.Println("  pushwatch -agent -collector https://server:8443/api/metrics -token 3367 -ca-file server.crt")
		fmt.Println("  pushwatch -agent -config agent_config.json")
		fmt.Println("  pushwatch -create-config")
		fmt.Println("  pushwatch -issue-token -host web-01 -config collector.yaml")
	}
}

func newLogger(level string, asJSON bool) (logr.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return logr.Discard(), fmt.Errorf("invalid -log-level %q: %w", level, err)
	}

	zc := zap.NewDevelopmentConfig()
	if asJSON {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)

	zapLog, err := zc.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("building logger: %w", err)
	}
	return zapr.NewLogger(zapLog), nil
}

func collectorConfig(opts options, set map[string]bool) (config.CollectorConfig, error) {
	cfg := config.DefaultCollectorConfig()
	if opts.config != "" {
		loaded, err := config.LoadCollectorConfig(opts.config)
		if err != nil {
			return config.CollectorConfig{}, err
		}
		cfg = loaded
	}

	if set["host"] {
		cfg.Host = opts.host
	}
	if set["port"] {
		cfg.Port = opts.port
	}
	if set["data-dir"] {
		cfg.DataDir = opts.dataDir
	}
	if set["token"] {
		cfg.AuthToken = opts.token
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = defaultToken
	}
	return cfg, cfg.Validate()
}

func agentConfig(opts options, set map[string]bool) (config.AgentConfig, error) {
	cfg := config.DefaultAgentConfig()
	if opts.config != "" {
		loaded, err := config.LoadAgentConfig(opts.config)
		if err != nil {
			return config.AgentConfig{}, err
		}
		cfg = loaded
	} else {
		cfg.CollectorURL = opts.collector
		cfg.AuthToken = defaultToken
		cfg.Interval = config.Duration(time.Duration(opts.interval) * time.Second)
	}

	if set["collector"] {
		cfg.CollectorURL = opts.collector
	}
	if set["token"] {
		cfg.AuthToken = opts.token
	}
	if set["interval"] {
		cfg.Interval = config.Duration(time.Duration(opts.interval) * time.Second)
	}
	if set["insecure-skip-verify"] {
		cfg.InsecureSkipVerify = opts.insecureSkipVerify
	}
	if set["ca-file"] {
		cfg.CAFile = opts.caFile
	}
	if err := cfg.Validate(); err != nil {
		return config.AgentConfig{}, fmt.Errorf("agent requires -collector and -token or a -config file: %w", err)
	}
	return cfg, nil
}

func runServer(opts options, set map[string]bool, logger logr.Logger) error {
	cfg, err := collectorConfig(opts, set)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	collector, err := server.NewCollector(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return collector.Run(ctx)
}

func runAgent(opts options, set map[string]bool, logger logr.Logger) error {
	cfg, err := agentConfig(opts, set)
	if err != nil {
		return err
	}

	source := services.NewSystemSource(logger, services.WithTopProcesses(cfg.TopProcesses))
	agent, err := services.NewAgent(cfg, source, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := agent.Run(ctx); err != nil {
		return err
	}
	logger.Info("agent shut down")
	return nil
}

func runIssueToken(opts options, set map[string]bool) error {
	if !set["host"] || opts.host == "" {
		return fmt.Errorf("-issue-token needs -host <agent hostname>")
	}
	cfg, err := collectorConfig(opts, map[string]bool{"token": set["token"]})
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret must be set in the collector config to issue tokens")
	}
	auth, err := services.NewTokenAuthenticator(cfg.AuthToken, cfg.JWTSecret)
	if err != nil {
		return err
	}
	token, err := auth.IssueToken(opts.host, services.DefaultTokenExpiry)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
