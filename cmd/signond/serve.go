package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghodss/yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sailfishos/signond-go/accesscontrol"
	"github.com/sailfishos/signond-go/config"
	"github.com/sailfishos/signond-go/daemon"
	"github.com/sailfishos/signond-go/plugin"
	"github.com/sailfishos/signond-go/plugin/ldap"
	"github.com/sailfishos/signond-go/plugin/oauthtoken"
	"github.com/sailfishos/signond-go/plugin/password"
	"github.com/sailfishos/signond-go/store/memstore"
	"github.com/sailfishos/signond-go/uiagent"
)

type serveOptions struct {
	config string
	debug  string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch signond",
		Example: "signond serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true

			options.config = args[0]
			return runServe(options)
		},
	}

	cmd.Flags().StringVar(&options.debug, "debug-addr", "", "Debug HTTP address (health + metrics)")

	return cmd
}

func runServe(options serveOptions) error {
	configData, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %v", options.config, err)
	}

	var c config.Config
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return fmt.Errorf("error parsing config file %s: %v", options.config, err)
	}
	if options.debug != "" {
		c.Debug = options.debug
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}

	logger, err := newLogger(c.Logger.Level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	logger.Infof("config access control keychain widget: %s", c.AccessControl.KeychainWidgetApp)

	identityIdle, sessionIdle, pluginTimeout, signOutGrace, err := c.Timeouts.Resolve()
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}

	st := memstore.New(logger, true)
	defer st.Close()

	registry, err := buildRegistry(c.Registry, logger)
	if err != nil {
		return fmt.Errorf("failed to build plugin registry: %v", err)
	}
	logger.Infof("config registered methods: %v", registry.Methods())

	resolver := config.NewStaticResolver(c.StaticPeers)
	logger.Infof("config static peers: %d", len(c.StaticPeers))

	ac := accesscontrol.New(accesscontrol.Config{
		Resolver:          resolver,
		KeychainWidgetApp: c.AccessControl.KeychainWidgetApp,
	}, logger)

	// A real UIAgent is a user-facing prompt process reached over the bus
	// (spec.md §1, out of scope for this module); the fake stands in so
	// the daemon can be exercised stand-alone until a transport adapter
	// wires a real one.
	ui := uiagent.NewFake()

	promReg := prometheus.NewRegistry()
	if err := promReg.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register Go runtime metrics: %v", err)
	}
	if err := promReg.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %v", err)
	}
	metrics := daemon.NewMetrics(promReg)

	health, err := daemon.NewHealth(st, registry, 30*time.Second)
	if err != nil {
		return fmt.Errorf("failed to build health checks: %v", err)
	}

	facade := daemon.New(daemon.Config{
		Store:               st,
		AccessControl:       ac,
		Resolver:            resolver,
		UI:                  ui,
		Registry:            registry,
		IdentityIdleTimeout: identityIdle,
		SessionIdleTimeout:  sessionIdle,
		PluginTimeout:       pluginTimeout,
		SignOutGrace:        signOutGrace,
		Metrics:             metrics,
		Health:              health,
	}, logger)
	_ = facade // awaits a bus transport adapter (out of scope, spec.md §1) to dispatch calls through it

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var debugSrv *http.Server
	if c.Debug != "" {
		debugSrv = newDebugServer(c.Debug, promReg, health)
		go func() {
			logger.Infof("listening (debug) on %s", c.Debug)
			if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("debug server: %v", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if debugSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := debugSrv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("debug server shutdown: %v", err)
		}
	}
	return nil
}

func buildRegistry(cfg config.Registry, logger logrus.FieldLogger) (plugin.Registry, error) {
	if cfg.Kind == "proc" {
		return plugin.NewProcRegistry(logger, cfg.ProcPaths), nil
	}

	registry := plugin.NewBuiltinRegistry()
	registry.Register(password.Method, password.New)

	if cfg.Methods.LDAP != nil {
		registry.Register(ldap.Method, ldap.New(*cfg.Methods.LDAP))
		logger.Infof("config registered method: %s", ldap.Method)
	}
	if cfg.Methods.OAuth2 != nil {
		registry.Register(oauthtoken.Method, oauthtoken.New(*cfg.Methods.OAuth2))
		logger.Infof("config registered method: %s", oauthtoken.Method)
	}
	return registry, nil
}
