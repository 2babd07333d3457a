package main

import (
	"bufio"
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/api"
	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/server"
)

const controlSocketPath = "/tmp/chatrelay.sock"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	srv := server.New(database, &server.ServerConfig{
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	api.New(database, cfg.JWTSecret, time.Duration(cfg.TokenTTL)*time.Hour).Register(mux)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	// Управляющий unix-сокет для stats/shutdown.
	go startControlSocket(srv, httpServer)

	// Сигналы — корректное завершение: закрываем живые соединения
	// и останавливаем HTTP-сервер.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		shutdown(srv, httpServer)
	}()

	log.Printf("chatrelay server started on %s", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func shutdown(srv *server.Server, httpServer *http.Server) {
	srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	os.Remove(controlSocketPath)
}

func startControlSocket(srv *server.Server, httpServer *http.Server) {
	// Убираем старый файл сокета, если процесс падал.
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	log.Printf("Control socket listening on %s", controlSocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, httpServer, conn)
	}
}

func handleControlCommand(srv *server.Server, httpServer *http.Server, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		log.Printf("Shutdown requested via control socket")
		shutdown(srv, httpServer)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
