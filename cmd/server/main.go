package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/time/rate"

	"linechat/internal/codec"
	"linechat/internal/config"
	"linechat/internal/logx"
	"linechat/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (.json, .yaml, .yml)")
	addr := flag.String("addr", "", "TCP address to listen on (overrides config)")
	wsAddr := flag.String("ws-addr", "", "WebSocket address to listen on (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	flag.Parse()

	if err := run(*cfgPath, *addr, *wsAddr, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath, addr, wsAddr, logLevel string) error {
	var mgr *config.Manager
	cfg := config.Default()
	if cfgPath != "" {
		mgr = config.NewManager(cfgPath)
		loaded, err := mgr.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	overrides := func(c *config.Config) {
		if addr != "" {
			c.Listen.Addr = addr
		}
		if wsAddr != "" {
			c.WebSocket.Addr = wsAddr
			c.ApplyDefaults()
		}
		if logLevel != "" {
			c.Logging.Level = logLevel
		}
	}
	overrides(cfg)

	logs, log := logx.New(loggingConfig(cfg))
	defer logs.Close()

	delivery, err := server.ParseDeliveryMode(cfg.Chat.Delivery)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Prompt:           cfg.Chat.Prompt,
		OutboundCapacity: cfg.Chat.OutboundCapacity,
		Delivery:         delivery,
		Codec: codec.Options{
			MaxLineLength: cfg.Chat.MaxLineLength,
			WriteTimeout:  cfg.WriteTimeoutDuration(),
		},
		RateLimit: rate.Limit(cfg.Chat.RateLimit.LinesPerSec),
		RateBurst: cfg.Chat.RateLimit.Burst,
		Logger:    log,
	})

	ln, err := net.Listen("tcp", cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen.Addr, err)
	}
	var wsLn net.Listener
	if cfg.WebSocket.Addr != "" {
		wsLn, err = net.Listen("tcp", cfg.WebSocket.Addr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen websocket %s: %w", cfg.WebSocket.Addr, err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if mgr != nil {
		mgr.SetLogger(log)
		go func() {
			err := mgr.Watch(ctx, func(c *config.Config) {
				overrides(c)
				logs.Apply(loggingConfig(c))
				log.Info("logging settings applied; listener settings take effect on restart")
			})
			if err != nil {
				log.Warn("config watch stopped", logx.Err(err))
			}
		}()
	}

	errc := make(chan error, 2)
	go func() { errc <- srv.Serve(ln) }()
	if wsLn != nil {
		go func() { errc <- srv.ServeWebSocket(wsLn, cfg.WebSocket.Path) }()
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		log.Debug("systemd notified ready")
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		log.Error("listener stopped", logx.Err(serveErr))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeoutDuration())
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", logx.Err(err))
	}

	if serveErr != nil && !errors.Is(serveErr, server.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func loggingConfig(c *config.Config) logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}
