package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"spoton-relay/bridge"
	"spoton-relay/config"
	"spoton-relay/hub"
	"spoton-relay/liveness"
	"spoton-relay/protocol"
	"spoton-relay/upstream"
	ws "spoton-relay/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	setupLogger(cfg.Server)

	socket := upstream.NewSocket(upstream.SocketConfig{
		URL:            cfg.Bridge.SourceURL,
		ReconnectDelay: cfg.Bridge.ReconnectDelay,
		MaxAttempts:    cfg.Bridge.MaxReconnectAttempts,
	})
	link := upstream.NewLink(socket, cfg.Bridge.SourceURL, cfg.Bridge.MaxReconnectAttempts)
	broadcaster := hub.New(link)
	handler := protocol.NewHandler(broadcaster)
	poller := liveness.NewDriver(link, cfg.Bridge.PollInterval)

	controller := bridge.New(cfg.Bridge, link, poller)
	if err := controller.Initialize(broadcaster); err != nil {
		slog.Error("bridge init failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(broadcaster, handler))
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/api/source-status", sourceStatusHandler(controller))
	mux.HandleFunc("/stats", statsHandler(broadcaster, poller, controller))

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: mux,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port, "sourceUrl", cfg.Bridge.SourceURL)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	if err := controller.Start(); err != nil {
		slog.Error("bridge start failed", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("server shutting down", "signal", sig.String())
	controller.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func setupLogger(cfg config.Server) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}

func wsHandler(broadcaster *hub.Hub, handler *protocol.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "error", err)
			return
		}

		viewer := ws.NewViewer(uuid.New().String(), conn, broadcaster, handler)
		viewer.Start()
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func sourceStatusHandler(controller *bridge.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, controller.Status())
	}
}

func statsHandler(broadcaster *hub.Hub, poller *liveness.Driver, controller *bridge.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := broadcaster.Stats()
		writeJSON(w, map[string]any{
			"viewers":     stats.Viewers,
			"broadcasts":  stats.Broadcasts,
			"failedSends": stats.FailedSends,
			"state":       controller.State().String(),
			"polls":       poller.Stats(),
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response not written", "error", err)
	}
}
