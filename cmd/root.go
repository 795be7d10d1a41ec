// Package cmd implements the spectre CLI using Cobra.
package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spectre-net/spectre/internal/api"
	"github.com/spectre-net/spectre/internal/chain"
	"github.com/spectre-net/spectre/internal/circuit"
	"github.com/spectre-net/spectre/internal/feed"
	"github.com/spectre-net/spectre/internal/hopcrypto"
	"github.com/spectre-net/spectre/internal/inventory"
	"github.com/spectre-net/spectre/internal/metrics"
	"github.com/spectre-net/spectre/internal/socks"
	"github.com/spectre-net/spectre/internal/topology"
	"github.com/spectre-net/spectre/internal/upstream"
	"github.com/spectre-net/spectre/internal/verifier"
)

// singleHopDialer adapts upstream.Dial to the verifier's Dialer
// interface: the deep probe is never nested, so it dials the proxy
// directly rather than going through the Circuit Builder.
type singleHopDialer struct{}

func (singleHopDialer) DialThrough(ctx context.Context, proxyAddr, proto, target string) (net.Conn, error) {
	return upstream.Dial(ctx, proxyAddr, proto, target)
}

// version is injected at build time via ldflags.
var version = "dev"

var (
	flagFile string

	flagListen    string
	flagAPIPort   string
	flagMode      string
	flagCryptoKey string

	flagRotateInterval   string
	flagVerifyInterval   string
	flagChainSnapshot    string
	flagMetricsPort      string
)

var rootCmd = &cobra.Command{
	Use:   "spectre",
	Short: "Anonymizing multi-hop SOCKS5 proxy tunnel",
	Long: `spectre — a multi-hop anonymizing proxy tunnel.

It accepts SOCKS5 connections from local clients and relays them through a
weighted-random chain of upstream proxies, nesting a handshake through each
hop so only the last hop ever learns the real destination. Traffic to the
exit hop is wrapped in a framed, counter-nonced AES-256-GCM dataplane.

The active chain rotates on a fixed interval and can be force-rotated via
the management API. A background verifier continuously deep-probes the
proxy inventory and prunes unreachable entries.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()

	f.StringVarP(&flagFile, "file", "f", "", "Path to proxy inventory JSON file (required)")
	_ = rootCmd.MarkFlagRequired("file")

	f.StringVarP(&flagListen, "listen", "l", "127.0.0.1:1080", "SOCKS5 listen address (host:port)")
	f.StringVar(&flagAPIPort, "api-port", "9090", "Port for the management API server")
	f.StringVar(&flagMetricsPort, "metrics-port", "9091", "Port for the Prometheus metrics server")
	f.StringVarP(&flagMode, "mode", "m", "high", "Chain mode: lite, stealth, high, phantom")
	f.StringVar(&flagCryptoKey, "crypto-key", "", "Hex master secret for derived (reproducible) hop crypto; omit for ephemeral")

	f.StringVar(&flagRotateInterval, "rotate-interval", "5m", "Chain rotation interval (e.g. 5m, 1h). 0 disables the periodic ticker.")
	f.StringVar(&flagVerifyInterval, "verify-interval", "2m", "Interval between verifier passes over the inventory")
	f.StringVar(&flagChainSnapshot, "chain-snapshot", "last_chain.json", "Path to persist the key-free active chain topology")
}

func run(_ *cobra.Command, _ []string) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	rotateInterval, err := parseDurationOrZero(flagRotateInterval, "--rotate-interval")
	if err != nil {
		return err
	}
	verifyInterval, err := time.ParseDuration(flagVerifyInterval)
	if err != nil {
		return fmt.Errorf("--verify-interval: %w", err)
	}

	cryptoMode, err := resolveCryptoMode(flagCryptoKey)
	if err != nil {
		return err
	}

	// ---- Inventory ------------------------------------------------------
	log.WithField("file", flagFile).Info("loading proxy inventory")
	f, err := os.Open(flagFile)
	if err != nil {
		return fmt.Errorf("open proxy file: %w", err)
	}
	pools, loadErrs, err := feed.Load(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("load proxy feed: %w", err)
	}
	for _, e := range loadErrs {
		log.WithError(e).Warn("rejected malformed proxy record")
	}
	inv := inventory.New()
	inv.Replace(pools)
	log.WithField("count", len(pools.Combined)).Info("inventory loaded")

	// ---- Metrics ----------------------------------------------------------
	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)

	// ---- Chain controller -------------------------------------------------
	ctl, err := chain.New(inv, chain.Config{
		Mode:           flagMode,
		RotateInterval: rotateInterval,
		CryptoMode:     cryptoMode,
	}, log.WithField("component", "chain"))
	if err != nil {
		return fmt.Errorf("init chain controller: %w", err)
	}
	ctl.WithMetrics(collectors)

	snapStore := topology.NewStore(flagChainSnapshot)
	ctl.OnRotate(func(d *chain.RotationDecision) {
		if err := snapStore.Save(topology.FromDecision(d)); err != nil {
			log.WithError(err).Warn("failed to persist chain topology snapshot")
		}
	})
	ctl.Start()
	defer ctl.Stop()

	// ---- Verifier ----------------------------------------------------------
	builder := circuit.New(log.WithField("component", "circuit"))
	v := verifier.New(singleHopDialer{}, log.WithField("component", "verifier")).WithMetrics(collectors)
	stopVerify := make(chan struct{})
	go verifyLoop(v, inv, verifyInterval, stopVerify, log)
	defer close(stopVerify)

	// ---- SOCKS5 frontend -----------------------------------------------
	frontend := socks.New(flagListen, ctl, builder, log.WithField("component", "socks5"))
	frontend.Metrics = collectors
	frontendErr := make(chan error, 1)
	go func() { frontendErr <- frontend.Start() }()
	defer frontend.Stop()

	// ---- Management API -----------------------------------------------
	apiAddr := "127.0.0.1:" + flagAPIPort
	apiSrv := api.New(apiAddr, ctl, inv, log.WithField("component", "api"))
	go func() {
		log.WithField("addr", apiAddr).Info("management API listening")
		if err := apiSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("management API stopped")
		}
	}()
	defer apiSrv.Stop()

	// ---- Metrics server -------------------------------------------------
	metricsAddr := "127.0.0.1:" + flagMetricsPort
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler(reg))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		log.WithField("addr", metricsAddr).Info("metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	defer metricsSrv.Close()

	log.WithFields(logrus.Fields{
		"listen": flagListen,
		"mode":   flagMode,
		"derived_crypto": cryptoMode.Derived,
	}).Info("spectre ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	case err := <-frontendErr:
		if err != nil {
			log.WithError(err).Warn("socks5 frontend stopped")
		}
	}
	return nil
}

func parseDurationOrZero(s, flagName string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", flagName, err)
	}
	return d, nil
}

func resolveCryptoMode(keyHex string) (hopcrypto.Mode, error) {
	if keyHex == "" {
		return hopcrypto.Ephemeral(), nil
	}
	master, err := hex.DecodeString(keyHex)
	if err != nil {
		return hopcrypto.Mode{}, fmt.Errorf("--crypto-key: invalid hex: %w", err)
	}
	return hopcrypto.Derive(master), nil
}

// verifyLoop periodically runs a verifier pass over the current
// inventory and replaces it with the pruned, rescored pools.
func verifyLoop(v *verifier.Verifier, inv *inventory.Inventory, interval time.Duration, stop <-chan struct{}, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pools := inv.Snapshot()
			survivors := v.VerifyPool(context.Background(), pools.Combined)
			inv.Replace(inventory.BuildPools(survivors))
		case <-stop:
			return
		}
	}
}

// randomHex is retained for operators who want to mint a fresh
// --crypto-key value; exposed via the "keygen" subcommand.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a fresh random hex master secret for --crypto-key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := randomHex(32)
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
