package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"tailscale.com/tsnet"

	"github.com/loppo-llc/minder/internal/mcpserv"
	"github.com/loppo-llc/minder/internal/notify"
	"github.com/loppo-llc/minder/internal/queue"
	"github.com/loppo-llc/minder/internal/recovery"
	"github.com/loppo-llc/minder/internal/sched"
	"github.com/loppo-llc/minder/internal/server"
	"github.com/loppo-llc/minder/internal/session"
)

var version = "0.1.0"

func main() {
	command := flag.String("cmd", "claude", "agent CLI to supervise")
	workDir := flag.String("dir", "", "working directory for the agent (default: cwd)")
	skipPermissions := flag.Bool("skip-permissions", true, "pass the skip-permissions flag to the agent")
	retries := flag.Int("retries", 3, "max recovery attempts per failure episode")
	port := flag.Int("port", 8080, "port number (auto-increments if busy)")
	local := flag.Bool("local", false, "listen on localhost only (no Tailscale)")
	dev := flag.Bool("dev", false, "enable debug logging")
	mcpMode := flag.Bool("mcp", false, "serve MCP over stdio instead of HTTP")
	queuePath := flag.String("queue", "", "path to the message queue database")
	startAt := flag.String("start-at", "", "cron spec to start the session on a schedule instead of at boot")
	slackToken := flag.String("slack-token", "", "Slack bot token for notifications")
	slackChannel := flag.String("slack-channel", "", "Slack channel for notifications")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("minder", version)
		return
	}

	logLevel := slog.LevelInfo
	if *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if *workDir == "" {
		*workDir, _ = os.Getwd()
	}
	if *queuePath == "" {
		home, _ := os.UserHomeDir()
		*queuePath = filepath.Join(home, ".config", "minder", "queue.db")
	}

	q, err := queue.Open(*queuePath, logger)
	if err != nil {
		logger.Error("failed to open queue", "err", err)
		os.Exit(1)
	}
	defer q.Close()

	var pusher *notify.Pusher
	if !*mcpMode {
		pusher, err = notify.NewPusher(logger)
		if err != nil {
			logger.Warn("push notifications disabled", "err", err)
		}
	}
	notifier := notify.NewManager(logger, pusher, *slackToken, *slackChannel)

	// the server is constructed after the manager (it needs the manager),
	// but recovery events can fire as soon as bringUp runs, so the publish
	// path reads it through an atomic pointer
	var srvPtr atomic.Pointer[server.Server]
	publish := func(kind string, data any) {
		if s := srvPtr.Load(); s != nil {
			s.PublishEvent(kind, data)
		}
	}

	args := flag.Args()
	manager := recovery.NewManager(recovery.Config{
		MaxRetries:      *retries,
		SkipPermissions: *skipPermissions,
		Logger:          logger,
		NewSession: func() (recovery.Agent, error) {
			return session.New(session.Config{
				Command:         *command,
				Args:            args,
				WorkDir:         *workDir,
				Cols:            120,
				Rows:            36,
				ReadySignatures: []string{">", "$", "?"},
				Logger:          logger,
			}), nil
		},
		NewMonitor: func(a recovery.Agent, ev recovery.HealthEvents) recovery.HealthMonitor {
			return recovery.NewMonitor(a, recovery.MonitorConfig{Logger: logger}, ev)
		},
	}, recovery.Events{
		SessionReady: func() {
			notifier.SessionReady()
			publish("session_ready", nil)
		},
		RecoveryStarted: func(reason string) {
			notifier.RecoveryStarted(reason)
			publish("recovery_started", reason)
		},
		RecoverySucceeded: func() {
			publish("recovery_succeeded", nil)
		},
		RecoveryFailed: func(err error) {
			notifier.RecoveryFailed(err)
			publish("recovery_failed", err.Error())
		},
		RecoveryAbandoned: func(err error) {
			notifier.RecoveryAbandoned(err)
			publish("recovery_abandoned", err.Error())
		},
		ContextRestoring: func(buf []byte) {
			publish("context_restoring", len(buf))
		},
		PendingMessageRetry: func(pm recovery.PendingMessage) {
			publish("pending_message_retry", pm)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := queue.NewWorker(q, manager, 0, logger)
	worker.OnResponse = func(msg queue.Message, response string) {
		preview := response
		if len(preview) > 120 {
			preview = preview[:120] + "..."
		}
		notifier.ResponseReady(preview)
		publish("response_ready", map[string]string{"id": msg.ID, "response": response})
	}

	bringUp := func() {
		if err := manager.Start(); err != nil {
			logger.Error("session start failed", "err", err)
			return
		}
		go worker.Run(ctx)
	}

	if *startAt != "" {
		scheduler := sched.New(logger)
		if err := scheduler.At(*startAt, "session start", bringUp); err != nil {
			logger.Error("invalid -start-at", "err", err)
			os.Exit(1)
		}
		scheduler.Start()
		defer scheduler.Stop()
		logger.Info("session start scheduled", "spec", *startAt)
	} else {
		bringUp()
	}

	if *mcpMode {
		m := mcpserv.New(manager, q, version, logger)
		if err := m.ServeStdio(); err != nil {
			logger.Error("mcp server error", "err", err)
		}
		manager.Stop()
		return
	}

	srv := server.New(server.Config{
		Addr:    fmt.Sprintf(":%d", *port),
		Logger:  logger,
		Version: version,
		Manager: manager,
		Queue:   q,
		Pusher:  pusher,
	})
	srvPtr.Store(srv)

	if *local || *dev {
		// local mode: listen on localhost with port fallback
		ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "\n  minder v%s running at:\n\n    http://%s\n\n", version, ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		// tailscale mode: listen via tsnet with HTTPS
		tsServer := &tsnet.Server{
			Hostname: "minder",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}

		ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", *port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "\n  minder v%s running at:\n\n", version)
		lc, _ := tsServer.LocalClient()
		if lc != nil {
			if status, err := lc.Status(ctx); err == nil {
				if status.Self != nil {
					dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
					if dnsName != "" {
						if *port == 443 {
							fmt.Fprintf(os.Stderr, "    https://%s\n", dnsName)
						} else {
							fmt.Fprintf(os.Stderr, "    https://%s:%d\n", dnsName, *port)
						}
					}
				}
				for _, ip := range status.TailscaleIPs {
					fmt.Fprintf(os.Stderr, "    https://%s:%d\n", ip, *port)
				}
			} else {
				logger.Warn("could not get tailscale status", "err", err)
			}
		}
		fmt.Fprintln(os.Stderr)

		go func() {
			// TLS is already handled by the tsnet listener
			srv.SetTLSConfig(&tls.Config{})
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()

		defer tsServer.Close()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
