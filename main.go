package main

import (
	"os"

	"github.com/cybercongress/ibc-history/chains/cosmos"
	"github.com/cybercongress/ibc-history/config"
	"github.com/cybercongress/ibc-history/core"
	"github.com/cybercongress/ibc-history/database"
	"github.com/cybercongress/ibc-history/network"
	"github.com/cybercongress/ibc-history/server"
	"github.com/joho/godotenv"
	"github.com/sisu-network/lib/log"
)

const defaultConfigPath = "ibc-history.toml"

func loadConfig() *config.Config {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file loaded, err = ", err)
	}

	path := os.Getenv("IBC_HISTORY_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

func initialize(cfg *config.Config) (*core.HistoryProcessor, *server.Server) {
	// Connect DB and run migrations
	db := database.NewDb(cfg)
	if err := db.Init(); err != nil {
		panic(err)
	}

	httpClient := network.NewHttp()
	registry := cosmos.NewPollerRegistry(cfg, httpClient)
	processor := core.NewHistoryProcessor(cfg, db, registry, core.NewTxTracer, core.NewChainClient)

	handler, err := server.NewRpcServer(server.NewApi(cfg, processor, core.NewChainClient))
	if err != nil {
		panic(err)
	}

	return processor, server.NewServer(handler, cfg.ServerPort)
}

func main() {
	cfg := loadConfig()

	processor, s := initialize(cfg)
	processor.Start()
	s.Run()
}
