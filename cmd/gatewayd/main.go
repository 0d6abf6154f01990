// Command gatewayd is the process entrypoint: it loads configuration, wires
// a per-account gateway runtime for every enabled bot, and runs until the
// process receives an interrupt.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"qqbotgw/internal/config"
	"qqbotgw/internal/media"
	"qqbotgw/internal/session"
)

func main() {
	envPath, loaded, err := loadEnvFile()
	if err != nil {
		log.Fatalf("load env file %s failed: %v", envPath, err)
	}
	if loaded > 0 {
		log.Printf("loaded %d vars from %s", loaded, envPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if len(cfg.Accounts) == 0 {
		log.Fatalf("no accounts configured: set QQBOT_APP_ID/QQBOT_CLIENT_SECRET or QQBOT_ACCOUNTS_FILE")
	}

	sessions, err := session.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("open session store failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go sessions.Run(ctx)

	services := newDemoServices()

	var imageServer *media.ImageServer
	for _, account := range cfg.Accounts {
		if account.Enabled && account.PublicImageServerBaseURL != "" {
			imageServer, err = media.NewImageServer(cfg.ImageServerDir, 0)
			if err != nil {
				log.Fatalf("start image server failed: %v", err)
			}
			break
		}
	}
	if imageServer != nil {
		if err := imageServer.StartEviction(ctx, ""); err != nil {
			log.Fatalf("schedule image server eviction failed: %v", err)
		}
		addr := fmt.Sprintf(":%d", cfg.ImageServerPort)
		go func() {
			log.Printf("image server listening on %s", addr)
			if err := http.ListenAndServe(addr, imageServer.Router()); err != nil {
				log.Printf("image server stopped: %v", err)
			}
		}()
	}

	var wg sync.WaitGroup
	for _, account := range cfg.Accounts {
		if !account.Enabled {
			log.Printf("account=%s disabled, skipping", account.ID)
			continue
		}
		run, err := newAccountRuntime(account, sessions, services, imageServer)
		if err != nil {
			log.Fatalf("wire account=%s failed: %v", account.ID, err)
		}

		go run.tokens.RunBackgroundRefresh(ctx, account.AppID, account.ClientSecret)

		wg.Add(1)
		go func(run *accountRuntime) {
			defer wg.Done()
			run.fsm.Run(ctx)
		}(run)

		log.Printf("account=%s starting gateway", account.ID)
	}

	<-ctx.Done()
	log.Printf("shutting down")
	wg.Wait()
	_ = sessions.Flush()
}
