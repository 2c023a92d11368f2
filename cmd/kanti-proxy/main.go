// Command kanti-proxy runs the intercepting proxy core: the certificate
// authority, capture pipeline, capture store, event bus, and MITM engine,
// fronted by the loopback control plane.
//
// Grounded on _examples/original_source/src-go/cmd/kproxy-backend/main.go
// (flag set, default data dir, signal-driven graceful shutdown), restated
// with the teacher's/pack's ambient stack: github.com/spf13/pflag for
// flags, github.com/joho/godotenv for .env overlay, and
// github.com/rs/zerolog for structured logging in place of the original's
// log.Printf calls.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/kanti-proxy/backend/internal/capture"
	"github.com/kanti-proxy/backend/internal/cert"
	"github.com/kanti-proxy/backend/internal/config"
	"github.com/kanti-proxy/backend/internal/control"
	"github.com/kanti-proxy/backend/internal/eventbus"
	"github.com/kanti-proxy/backend/internal/mitm"
	"github.com/kanti-proxy/backend/internal/store"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dataDir    = pflag.String("data", config.DefaultDataDir(), "data directory for CA material")
		ipcPort    = pflag.Int("ipc-port", config.DefaultIPCPort, "control plane listen port")
		proxyPort  = pflag.Int("proxy-port", config.DefaultProxyPort, "initial proxy listen port")
		configYAML = pflag.String("config", "", "optional YAML file overlaying ProxyConfig defaults")
	)
	pflag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	config.LoadDotEnv("")
	flags := &config.Flags{DataDir: *dataDir, IPCPort: *ipcPort, ProxyPort: *proxyPort}
	config.EnvOverride(flags)

	if err := os.MkdirAll(flags.DataDir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", flags.DataDir).Msg("failed to create data directory")
		return 1
	}

	proxyCfg := config.DefaultProxyConfig(flags.ProxyPort)
	if *configYAML != "" {
		loaded, err := config.LoadYAMLProxyConfig(*configYAML, proxyCfg)
		if err != nil {
			log.Error().Err(err).Str("path", *configYAML).Msg("failed to load config file")
			return 1
		}
		proxyCfg = loaded
	}

	certMgr, err := cert.New(flags.DataDir, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize certificate authority")
		return 1
	}
	proxyCfg.CACertificatePath = certMgr.CACertificatePath()

	pipeline := capture.New(log, 0)
	capStore := store.New(store.DefaultCapacity)
	bus := eventbus.New(eventbus.DefaultBatchSize, eventbus.DefaultBatchInterval, log)
	engine := mitm.New(certMgr, pipeline, capStore, bus, proxyCfg, log)

	controlServer := control.New(engine, capStore, bus, log)
	if err := controlServer.Start(flags.IPCPort); err != nil {
		log.Error().Err(err).Int("port", flags.IPCPort).Msg("failed to start control plane")
		return 1
	}
	log.Info().Int("port", flags.IPCPort).Msg("control plane ready")

	if err := engine.Start(flags.ProxyPort); err != nil {
		log.Error().Err(err).Int("port", flags.ProxyPort).Msg("failed to start proxy")
		return 1
	}
	log.Info().Int("port", flags.ProxyPort).Str("ca", certMgr.CACertificatePath()).Msg("proxy ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")

	if engine.IsRunning() {
		if err := engine.Stop(); err != nil {
			log.Warn().Err(err).Msg("error stopping proxy")
		}
	}
	if err := controlServer.Stop(shutdownTimeout); err != nil {
		log.Warn().Err(err).Msg("error stopping control plane")
	}

	log.Info().Msg("shutdown complete")
	return 0
}
