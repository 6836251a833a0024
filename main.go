package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"sctl/src/api"
	"sctl/src/config"
	"sctl/src/handler"
	"sctl/src/session"
	"sctl/src/tunnel"
	"sctl/src/wsapi"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found")
	}

	configPath := flag.String("config", "", "path to a sctl.toml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := wsapi.NewRegistry()
	sessions := session.NewManager(cfg.MaxSessions, cfg.SessionBufferSize, registry)
	defer sessions.Stop()

	deps := api.Deps{Sessions: sessions, Registry: registry, Config: cfg}

	var engine http.Handler
	if cfg.Tunnel.Relay {
		relay := tunnel.NewRelay(cfg.Tunnel)
		go relay.EvictStale(ctx)
		deps.Tunnel = relay
		tunnelHandler := handler.NewTunnelHandler(relay)
		engine = api.SetupRelayRouter(deps, tunnelHandler, false, true)
	} else {
		if cfg.Tunnel.URL != "" {
			localAddr := localListenAddr(cfg.Listen)
			device := tunnel.NewDevice(cfg.Tunnel, cfg.Device.Serial, localAddr)
			deps.Tunnel = device
			go device.Run(ctx)
		}
		engine = api.SetupRouter(deps, false, true)
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("sctl listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logrus.Info("shutting down")
	case err := <-errCh:
		logrus.Errorf("listen failed: %v", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("graceful shutdown failed: %v", err)
		os.Exit(1)
	}
}

// localListenAddr turns a bind address into a URL the device tunnel
// can dial against itself: ":8080" becomes "http://127.0.0.1:8080";
// any other address, such as "0.0.0.0:8080", is used as given.
func localListenAddr(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "http://127.0.0.1" + listen
	}
	return "http://" + listen
}
