package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"shield-backend/internal/clients"
	"shield-backend/internal/config"
	"shield-backend/internal/db"
	"shield-backend/internal/events"
	"shield-backend/internal/handlers"
	"shield-backend/internal/repository"
	"shield-backend/internal/router"
	"shield-backend/internal/services"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	db.InitDB()

	userRepo := repository.NewUserRepository(db.DB)
	balanceRepo := repository.NewBalanceRepository(db.DB)
	transactionRepo := repository.NewTransactionRepository(db.DB)

	prover := clients.NewZokratesClient(cfg.Prover.BaseURL)
	chain, err := clients.NewEthChainClient(&cfg.Blockchain)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize chain client")
	}

	publisher, err := events.NewPublisher(cfg.NATS.URL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to NATS")
	}
	defer publisher.Close()

	hub := services.NewWebSocketHub()
	keys := services.NewKeyManager(prover, cfg.Keys.Dir)
	builder := services.NewProofBuilder(prover, keys, cfg.Prover.CircuitDir)
	submitter := services.NewChainSubmitter(chain, cfg.Blockchain.FallbackGasLimit, cfg.Blockchain.ConfirmTimeoutDuration())
	orchestrator := services.NewTransferOrchestrator(
		balanceRepo, userRepo, transactionRepo, builder, submitter, publisher, hub)

	authHandler := handlers.NewAuthHandler(userRepo)
	userHandler := handlers.NewUserHandler(userRepo)
	ledgerHandler := handlers.NewLedgerHandler(orchestrator, balanceRepo, transactionRepo, hub)

	engine := router.Setup(authHandler, userHandler, ledgerHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logrus.WithField("addr", addr).Info("server starting")
	if err := engine.Run(addr); err != nil {
		logrus.WithError(err).Fatal("server exited")
	}
}
