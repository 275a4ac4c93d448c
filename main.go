package main

import (
	"bufio"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clichat/config"
	"clichat/db"
	"clichat/server"

	jww "github.com/spf13/jwalterweatherman"
)

const controlSocketPath = "/tmp/clichat.sock"

func main() {
	jww.SetStdoutThreshold(jww.LevelInfo)

	cfg := config.Load()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		jww.FATAL.Fatalf("Failed to initialize database: %+v", err)
	}
	defer database.Close()

	srvConfig := &server.ServerConfig{
		Port:         cfg.Port,
		WSPort:       cfg.WSPort,
		TokenSecret:  cfg.TokenSecret,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		RateLimit:    cfg.RateLimit,
		HistoryLimit: cfg.HistoryLimit,
	}

	srv := server.New(database, database, srvConfig)

	// Control socket for management commands.
	go startControlSocket(srv)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		jww.INFO.Printf("Received signal %v, shutting down...", sig)
		srv.Shutdown("maintenance")
		os.Remove(controlSocketPath)
		os.Exit(0)
	}()

	go func() {
		if err := srv.StartWS(); err != nil {
			jww.ERROR.Printf("WebSocket listener failed: %v", err)
		}
	}()

	jww.FATAL.Fatalf("%v", srv.Start())
}

func startControlSocket(srv *server.Server) {
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		jww.WARN.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	jww.INFO.Printf("Control socket listening on %s", controlSocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, conn)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), "|")

	switch cmd {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if arg != "" {
			reason = arg
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		// Give time for the response to be sent.
		time.Sleep(100 * time.Millisecond)

		jww.INFO.Printf("Shutdown requested: reason=%s", reason)
		srv.Shutdown(reason)

		os.Remove(controlSocketPath)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
