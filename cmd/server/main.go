package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/gamechain/score-relay/internal/api"
	"github.com/gamechain/score-relay/internal/chain"
	"github.com/gamechain/score-relay/internal/config"
	"github.com/gamechain/score-relay/internal/jobs"
	"github.com/gamechain/score-relay/internal/leaderboard"
	"github.com/gamechain/score-relay/internal/ledger"
	"github.com/gamechain/score-relay/internal/monitoring"
	"github.com/gamechain/score-relay/internal/relay"
	"github.com/gamechain/score-relay/internal/walletcheck"
)

const jobTTL = 15 * time.Minute

func main() {
	// .env is a dev convenience; absence is fine.
	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 15*time.Second)
	client, chainID, err := chain.Dial(bootCtx, cfg.RPCURL)
	cancelBoot()
	if err != nil {
		log.Fatalf("chain: %v", err)
	}
	defer client.Close()

	signer, err := chain.NewSigner(cfg.PrivateKey, chainID)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		log.Fatalf("CONTRACT_ADDRESS %q is not a valid address", cfg.ContractAddress)
	}
	contract, err := chain.NewContract(common.HexToAddress(cfg.ContractAddress))
	if err != nil {
		log.Fatalf("contract: %v", err)
	}

	roleCtx, cancelRole := context.WithTimeout(context.Background(), 10*time.Second)
	chain.CheckGameRole(roleCtx, client, contract, signer.Address())
	cancelRole()

	metrics := monitoring.NewMetrics()
	led := ledger.New(cfg.ScoreWindow, cfg.ScoreWindowLimit)
	defer led.Close()
	registry := jobs.NewRegistry(jobTTL)
	defer registry.Close()
	queue := relay.NewQueue()

	var cache leaderboard.Cache
	cacheBackend := "memory"
	if cfg.RedisAddr != "" {
		rc, err := leaderboard.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LeaderboardCacheTTL)
		if err != nil {
			log.Printf("redis cache unavailable, falling back to memory: %v", err)
		} else {
			cache = rc
			cacheBackend = "redis"
			defer rc.Close()
		}
	}
	if cache == nil {
		cache = leaderboard.NewMemoryCache(cfg.LeaderboardCacheTTL)
	}

	board := leaderboard.NewService(cfg.LeaderboardBase, cache, metrics, cfg.MaxPageWalk)
	checker := walletcheck.New(cfg.WalletCheckBase)

	dispatcher := relay.NewDispatcher(queue, led, registry, client, signer, contract, metrics, relay.DispatcherConfig{
		BatchInterval: cfg.BatchInterval,
		AckAfter:      cfg.RespondAfter,
		TxTimeout:     cfg.TxTimeout,
		Confirmations: cfg.TxConfirmations,
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	go dispatcher.Run(runCtx)

	server := api.NewServer(api.Deps{
		Config:       cfg,
		Ledger:       led,
		Registry:     registry,
		Queue:        queue,
		Metrics:      metrics,
		Backend:      client,
		ChainID:      chainID,
		Signer:       signer.Address(),
		Board:        board,
		WalletCheck:  checker,
		CacheBackend: cacheBackend,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	// Stop the batch loop, then give in-flight receipt waiters a bounded
	// window to record their outcomes.
	cancelRun()
	done := make(chan struct{})
	go func() {
		dispatcher.WaitReceipts()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Println("receipt waiters still pending at exit")
	}
}
