package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"gwi.com/polychat/internal/client"
	"gwi.com/polychat/internal/config"
	"gwi.com/polychat/internal/core"
	"gwi.com/polychat/internal/ids"
	"gwi.com/polychat/internal/llm"
	"gwi.com/polychat/internal/prefs"
	"gwi.com/polychat/internal/session"
	"gwi.com/polychat/internal/store"
)

const help = `Commands:
  /model <id>   switch model for the next turns
  /models       list allowed models
  /quit         exit
Ctrl+C stops a reply that is still streaming.`

func main() {
	config.LoadConfig()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	chatID := flag.String("chat", "", "Resume the chat with this id (a new one is created otherwise)")
	dbPath := flag.String("db", "", "Talk to the providers directly and keep chats in this SQLite file instead of using the server")
	modelFlag := flag.String("model", "", "Model to use; defaults to the stored preference")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prefsPath := config.AppConfig.PrefsFile
	if prefsPath == "" {
		prefsPath = prefs.DefaultPath()
	}
	preferences, err := prefs.Open(prefsPath)
	if err != nil {
		log.Fatalf("Failed to open preferences: %v", err)
	}

	var (
		gateway   session.Gateway
		responder session.Responder
		allowed   []config.ProviderModels
	)
	if *dbPath != "" {
		dbStore, err := store.NewSQLiteStore(*dbPath)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer dbStore.Close()

		allowed = config.DefaultAllowedModels
		if path := config.AppConfig.ModelsFile; path != "" {
			if allowed, err = config.LoadAllowedModels(path); err != nil {
				log.Fatalf("Failed to load allowed models: %v", err)
			}
		}
		registry := llm.NewRegistry(allowed)
		closeProviders, err := registry.RegisterConfigured(ctx, config.AppConfig)
		if err != nil {
			log.Fatalf("Failed to initialize providers: %v", err)
		}
		defer closeProviders()

		gateway = session.LocalGateway{Store: dbStore}
		responder = core.NewChatService(registry)
	} else {
		c := client.New(config.AppConfig.ServerURL, client.WithToken(config.AppConfig.ClientToken))
		models, err := c.Models(ctx)
		if err != nil {
			log.Printf("Could not fetch models from %s, using defaults: %v", config.AppConfig.ServerURL, err)
			allowed = config.DefaultAllowedModels
		} else {
			allowed = models.Allowed
		}
		gateway, responder = c, c
	}

	model := *modelFlag
	if model == "" {
		model = preferences.SelectedModel()
	}
	sel, err := selection(allowed, model)
	if err != nil {
		log.Fatalf("%v", err)
	}

	switch {
	case *chatID == "":
		*chatID = ids.New()
	case !ids.Valid(*chatID):
		log.Fatalf("Chat id %q is not a valid identifier", *chatID)
	}
	out := bufio.NewWriter(os.Stdout)
	s := session.New(*chatID, gateway, responder,
		session.WithPreferences(preferences),
		session.WithNotifier(session.NotifierFunc(func(err error) {
			fmt.Fprintf(os.Stderr, "\n! %v\n", err)
		})),
		session.WithDeltaHandler(func(token string) {
			out.WriteString(token)
			out.Flush()
		}),
	)
	if err := s.Open(ctx); err != nil {
		log.Fatalf("Failed to open chat %s: %v", *chatID, err)
	}
	for _, m := range s.Messages() {
		fmt.Printf("%s> %s\n", m.Role, m.Content)
	}
	fmt.Printf("Chat %s using %s (%s). /help for commands.\n", *chatID, sel.Model, sel.Provider)

	// Ctrl+C stops a running turn; at the prompt it exits.
	var stopped atomic.Bool
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigs {
			if sig == syscall.SIGINT && s.InFlight() {
				stopped.Store(true)
				s.Abort()
				continue
			}
			cancel()
			os.Exit(130)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/help":
			fmt.Println(help)
			continue
		case line == "/models":
			for _, row := range allowed {
				fmt.Printf("%s: %s\n", row.Provider, strings.Join(row.Models, ", "))
			}
			continue
		case strings.HasPrefix(line, "/model "):
			next, err := selection(allowed, strings.TrimSpace(strings.TrimPrefix(line, "/model ")))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			sel = next
			fmt.Printf("Now using %s (%s)\n", sel.Model, sel.Provider)
			continue
		}

		fmt.Print("assistant> ")
		stopped.Store(false)
		err := s.Submit(ctx, line, sel)
		fmt.Println()
		if errors.Is(err, session.ErrTurnInFlight) {
			fmt.Fprintln(os.Stderr, err)
		}
		if err == nil && stopped.Load() {
			fmt.Println("(stopped)")
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Error reading input: %v", err)
	}
}

func selection(allowed []config.ProviderModels, model string) (session.Selection, error) {
	provider := llm.ProviderFor(allowed, model)
	if provider == "" {
		return session.Selection{}, fmt.Errorf("model %q is not allowed; see /models", model)
	}
	return session.Selection{Model: model, Provider: provider}, nil
}
