package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/loomboard/server/agent/claudecli"
	"github.com/loomboard/server/logging"
	"github.com/loomboard/server/mux"
	"github.com/loomboard/server/runtime"
	"github.com/loomboard/server/session"
	"github.com/loomboard/server/startup"
	"github.com/loomboard/server/transcript"
	"github.com/loomboard/server/watch"
	"github.com/loomboard/server/ws"
)

func newHandler(wsHandler *ws.RPCHandler) http.Handler {
	handler := http.NewServeMux()

	handler.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	handler.Handle("GET /ws", wsHandler)

	return handler
}

// localIP returns the address other devices on the network can reach us at.
func localIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

func main() {
	portFlag := flag.Int("port", 0, "server port (default 8080)")
	tokenFlag := flag.String("auth-token", "", "authentication token (required)")
	devModeFlag := flag.Bool("dev", false, "enable development mode")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("loomboard %s\n", runtime.Version)
		os.Exit(0)
	}

	port := "8080"
	if *portFlag != 0 {
		port = strconv.Itoa(*portFlag)
	} else if envPort := os.Getenv("SERVER_PORT"); envPort != "" {
		port = envPort
	}

	token := *tokenFlag
	if token == "" {
		token = os.Getenv("AUTH_TOKEN")
	}
	if token == "" {
		slog.Error("AUTH_TOKEN is required (use --auth-token flag or AUTH_TOKEN env)")
		os.Exit(1)
	}

	workDir := "."
	if envWorkDir := os.Getenv("WORK_DIR"); envWorkDir != "" {
		workDir = envWorkDir
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		slog.Error("failed to resolve work directory", "error", err)
		os.Exit(1)
	}
	workDir = absWorkDir

	devMode := *devModeFlag || os.Getenv("DEV_MODE") == "true"

	dataDir := filepath.Join(workDir, ".loomboard")
	if envDataDir := os.Getenv("DATA_DIR"); envDataDir != "" {
		dataDir = envDataDir
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		slog.Error("failed to resolve data directory", "error", err)
		os.Exit(1)
	}
	dataDir = absDataDir
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		slog.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	logging.Setup()

	// Fail at startup if no agent runtime can be located, rather than on
	// the first submission.
	desc, err := runtime.Resolve()
	if err != nil {
		slog.Error("agent runtime not found", "error", err)
		os.Exit(1)
	}
	slog.Info("agent runtime resolved", "path", desc.Path, "runner", desc.Runner)

	sessionStore, err := session.NewFileStore(dataDir)
	if err != nil {
		slog.Error("failed to initialize session store", "error", err)
		os.Exit(1)
	}

	transcripts, err := transcript.Open(filepath.Join(dataDir, "transcript.db"))
	if err != nil {
		slog.Error("failed to open transcript store", "error", err)
		os.Exit(1)
	}

	pool := mux.NewPool(mux.Config{
		Runner: claudecli.New(nil),
		Sink:   transcripts,
	})

	fsWatcher := watch.NewFSWatcher(workDir)
	if err := fsWatcher.Start(); err != nil {
		slog.Error("failed to start filesystem watcher", "error", err)
		os.Exit(1)
	}

	sessionList := watch.NewSessionListWatcher(sessionStore)
	if err := sessionList.Start(); err != nil {
		slog.Error("failed to start session list watcher", "error", err)
		os.Exit(1)
	}

	wsHandler := ws.NewRPCHandler(ws.Config{
		Token:       token,
		DevMode:     devMode,
		WorkDir:     workDir,
		Pool:        pool,
		Sessions:    sessionStore,
		Transcripts: transcripts,
		FSWatcher:   fsWatcher,
		SessionList: sessionList,
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newHandler(wsHandler),
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		fsWatcher.Stop()
		sessionList.Stop()
		pool.Shutdown()
		if err := transcripts.Close(); err != nil {
			slog.Error("failed to close transcript store", "error", err)
		}
		close(shutdownDone)
	}()

	shareURL := ""
	if ip := localIP(); ip != "" {
		shareURL = "http://" + ip + ":" + port
	}

	startup.PrintBanner(startup.BannerOptions{
		Version:  runtime.Version,
		LocalURL: "http://localhost:" + port,
		ShareURL: shareURL,
	})
	if shareURL != "" {
		startup.PrintQRCode(shareURL)
		fmt.Println()
	}
	startup.PrintFooter()

	slog.Info("server starting", "port", port, "workDir", workDir, "dataDir", dataDir, "devMode", devMode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
	slog.Info("server stopped")
}
