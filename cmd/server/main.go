package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gwi.com/polychat/internal/api"
	"gwi.com/polychat/internal/auth"
	"gwi.com/polychat/internal/config"
	"gwi.com/polychat/internal/core"
	"gwi.com/polychat/internal/llm"
	"gwi.com/polychat/internal/store"
)

func main() {
	// Load configuration
	config.LoadConfig()

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if config.AppConfig.Debug() {
		log.Println("Service starting in DEBUG mode")
	}

	// Command line flag for issuing a token for a local user
	mintToken := flag.String("mint-token", "", "Print a signed token for the given user id and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "Lifetime of a token issued with -mint-token")
	flag.Parse()

	if *mintToken != "" {
		tok, err := auth.GenerateJWT(store.Identity{TokenIdentifier: *mintToken, Name: *mintToken}, *tokenTTL)
		if err != nil {
			log.Fatalf("Failed to mint token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	if err := config.AppConfig.ValidateServer(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Allow-list, reloaded on change when it comes from a file
	allowed := config.DefaultAllowedModels
	if path := config.AppConfig.ModelsFile; path != "" {
		allowed, err = config.LoadAllowedModels(path)
		if err != nil {
			log.Fatalf("Failed to load allowed models: %v", err)
		}
	}
	registry := llm.NewRegistry(allowed)
	if path := config.AppConfig.ModelsFile; path != "" {
		watcher, err := config.WatchAllowedModels(path, registry.SetAllowList)
		if err != nil {
			log.Printf("Warning: not watching %s for changes: %v", path, err)
		} else {
			defer watcher.Stop()
		}
	}

	// Initialize providers for the configured keys
	closeProviders, err := registry.RegisterConfigured(context.Background(), config.AppConfig)
	if err != nil {
		log.Fatalf("Failed to initialize providers: %v", err)
	}
	defer closeProviders()

	// Initialize Chat service
	chatService := core.NewChatService(registry)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(chatService, dbStore, registry)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: streamed replies and live queries stay open.
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}
