package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	ghostdns "github.com/ghostkellz/ghostdns-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	logLevel   uint32
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "ghostdns",
		Short: "Crypto-aware DNS-over-HTTPS/TLS middleware",
		Long: `ghostdns is a DNS middleware that serves DNS-over-HTTPS and
DNS-over-TLS, resolves ENS and Unstoppable Domains names locally, and
forwards everything else to an upstream DoH resolver with a persistent
cache and a DNSSEC/ECS policy engine in front of it.`,
		Example:      `  ghostdns --config /etc/ghostdns/config.toml`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt)
		},
	}
	cmd.Flags().StringVarP(&opt.configPath, "config", "c", "config.toml", "path to the TOML configuration file")
	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", uint32(logrus.InfoLevel), "log level; 0=Panic .. 6=Trace")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// listener is the common lifecycle shared by every protocol server this
// daemon runs.
type listener interface {
	Start() error
	String() string
}

func run(opt options) error {
	if opt.logLevel > uint32(logrus.TraceLevel) {
		return fmt.Errorf("invalid log level: %d", opt.logLevel)
	}
	ghostdns.SetLevel(logrus.Level(opt.logLevel))

	cfg, err := ghostdns.LoadConfig(opt.configPath)
	if err != nil {
		return err
	}

	cache, err := ghostdns.NewCache(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initializing cache: %w", err)
	}
	if cache != nil {
		defer cache.Close()
	}

	metrics := ghostdns.NewMetrics()
	crypto := ghostdns.NewCryptoResolver(cfg.Resolvers)
	upstream := cfg.ResolvedUpstream()
	policy := cfg.SecurityPolicy()
	pipeline := ghostdns.NewPipeline(policy, cache, crypto, upstream, metrics)

	asn, err := ghostdns.NewASNAnnotator(cfg.Server.AsnDBPath)
	if err != nil {
		ghostdns.Log.WithError(err).Warn("ASN annotation disabled: failed to open database")
		asn = nil
	}
	if asn != nil {
		defer asn.Close()
	}

	var listeners []listener
	var closers []func(ctx context.Context) error

	if cfg.Server.DoHListen != "" {
		doh := ghostdns.NewDoHListener(cfg.Server.DoHListen, cfg.Server.DoHPath, pipeline, asn)
		listeners = append(listeners, doh)
		closers = append(closers, doh.Stop)
	}

	if cfg.Server.DoTListen != "" {
		tlsConfig, err := ghostdns.LoadDoTServerTLSConfig(cfg.Server.DoTCertPath, cfg.Server.DoTKeyPath)
		if err != nil {
			// spec §4.10: missing/invalid cert or key skips DoT with a
			// warning rather than aborting the daemon.
			ghostdns.Log.WithError(err).Warn("DoT listener disabled: failed to load TLS config")
		} else {
			dot := ghostdns.NewDoTListener(cfg.Server.DoTListen, tlsConfig, pipeline, asn)
			listeners = append(listeners, dot)
			closers = append(closers, func(ctx context.Context) error { return dot.Stop() })
		}
	}

	if cfg.Server.DoQListen != "" {
		tlsConfig, err := ghostdns.LoadDoTServerTLSConfig(cfg.Server.DoQCertPath, cfg.Server.DoQKeyPath)
		if err != nil {
			ghostdns.Log.WithError(err).Warn("DoQ listener disabled: failed to load TLS config")
		} else {
			doq := ghostdns.NewDoQListener(cfg.Server.DoQListen, tlsConfig, pipeline)
			listeners = append(listeners, doq)
			closers = append(closers, func(ctx context.Context) error { return doq.Stop() })
		}
	}

	if cfg.Server.MetricsListen != "" {
		m := ghostdns.NewMetricsListener(cfg.Server.MetricsListen, metrics)
		listeners = append(listeners, m)
		closers = append(closers, m.Stop)
	}

	for _, l := range listeners {
		go func(l listener) {
			for {
				if err := l.Start(); err != nil {
					ghostdns.Log.WithError(err).WithField("listener", l.String()).Error("listener failed")
				} else {
					return
				}
				time.Sleep(time.Second)
			}
		}(l)
	}
	ghostdns.Log.WithField("listeners", len(listeners)).Info("ghostdns started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	<-sig
	ghostdns.Log.Info("stopping")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, close := range closers {
		if err := close(ctx); err != nil {
			ghostdns.Log.WithError(err).Warn("error during shutdown")
		}
	}
	return nil
}
