//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/switchboard/internal/config"
)

// serveTailnet exposes the local gateway on the tailnet. The tsnet listener
// reverse-proxies to the loopback listener so in-process services keep their
// local connection; ReverseProxy passes WebSocket upgrades through.
func serveTailnet(ctx context.Context, cfg *config.Config, localAddr string) error {
	hostname := cfg.Gateway.Tailnet.Hostname
	if hostname == "" {
		hostname = "switchboard"
	}

	ts := &tsnet.Server{
		Hostname: hostname,
		AuthKey:  cfg.Gateway.Tailnet.AuthKey,
		Dir:      filepath.Join(cfg.DataDir(), "tsnet"),
	}
	defer ts.Close()

	ln, err := ts.Listen("tcp", fmt.Sprintf(":%d", cfg.Gateway.Port))
	if err != nil {
		return fmt.Errorf("tsnet listen: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(&url.URL{Scheme: "http", Host: localAddr})
	server := &http.Server{Handler: proxy}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("gateway.tailnet_listening", "hostname", hostname, "port", cfg.Gateway.Port)
	if err := server.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}
