package main

import (
	"os"
	"os/signal"
	"syscall"

	"rdm-server/confs"
	"rdm-server/db"
	"rdm-server/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if level, err := zerolog.ParseLevel(os.Getenv("RDM_LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	cfg, err := confs.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("error loading config")
	}

	database, err := db.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	srv := server.NewServer(cfg, database)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info().Msg("shutting down")
		srv.Shutdown()
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
