package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/npezzotti/studygroup-relay/internal/api"
	"github.com/npezzotti/studygroup-relay/internal/auth"
	"github.com/npezzotti/studygroup-relay/internal/bus"
	"github.com/npezzotti/studygroup-relay/internal/config"
	"github.com/npezzotti/studygroup-relay/internal/database"
	"github.com/npezzotti/studygroup-relay/internal/server"
	"github.com/npezzotti/studygroup-relay/internal/stats"
	"github.com/npezzotti/studygroup-relay/internal/store"
	"github.com/spf13/viper"
)

func serve(v *viper.Viper) error {
	logger := log.New(os.Stderr, "[relay] ", log.LstdFlags)

	cfg, err := config.NewConfig(optionsFromViper(v))
	if err != nil {
		logger.Println("config:", err)
		return err
	}

	members, err := database.NewPgMembershipRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Println("db open:", err)
		return err
	}
	defer func() {
		if err := members.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	sub, err := bus.NewSubscriber(cfg.BusURL, cfg.BusChannel, logger)
	if err != nil {
		logger.Println("bus:", err)
		return err
	}
	defer func() {
		if err := sub.Close(); err != nil {
			logger.Println("bus close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	messageStore := store.NewHTTPMessageStore(cfg.StoreURL, cfg.StoreCredential, cfg.StoreTimeout)

	chatServer, err := server.NewChatServer(logger, members, messageStore, sub, statsUpdater, server.OptionsFromConfig(cfg))
	if err != nil {
		logger.Println("new chat server:", err)
		return err
	}

	srv := api.NewRelayApp(mux, logger, chatServer, members, auth.NewAuthenticator(cfg.SigningKey), cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
		return err
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
		return err
	}

	logger.Println("shutdown complete")
	return nil
}
