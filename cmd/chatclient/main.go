package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatclient/internal/api"
	"github.com/npezzotti/go-chatclient/internal/config"
	"github.com/npezzotti/go-chatclient/internal/gateway"
	"github.com/npezzotti/go-chatclient/internal/stats"
	"github.com/npezzotti/go-chatclient/internal/store"
)

var (
	apiURL     string
	gatewayURL string
	token      string
	debugAddr  string
)

func main() {
	flag.StringVar(&apiURL, "api-url", "http://localhost:3001", "chat API base URL")
	flag.StringVar(&gatewayURL, "gateway-url", "", "gateway websocket URL (defaults to api-url + /ws)")
	flag.StringVar(&token, "token", os.Getenv("CHAT_TOKEN"), "bearer token")
	flag.StringVar(&debugAddr, "debug-addr", "", "address for the debug vars endpoint")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatclient] ", log.LstdFlags)

	cfg, err := config.NewConfig(apiURL, gatewayURL, token)
	if err != nil {
		logger.Fatal("config:", err)
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = gateway.GatewayURL(cfg.APIBaseURL)
	}

	if api.TokenExpired(cfg.Token) {
		logger.Fatal("token is expired, log in again")
	}
	if sub, err := api.TokenSubject(cfg.Token); err == nil {
		logger.Printf("authenticating as %s", sub)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	if debugAddr != "" {
		go func() {
			if err := http.ListenAndServe(debugAddr, mux); err != nil {
				logger.Println("debug server:", err)
			}
		}()
	}

	apiClient := api.NewClient(cfg.APIBaseURL, cfg.Token, logger)
	gwClient := gateway.NewClient(cfg.GatewayURL, gateway.DialWebsocket, logger, statsUpdater)
	subs := gateway.NewSubscriptionManager(gwClient, logger)
	defer subs.Close()

	st := store.NewStore(apiClient, gwClient, logger)
	typing := store.NewTypingTracker(store.NewScheduler())
	presence := store.NewPresenceTracker()

	apiClient.OnAuthLost(func() {
		logger.Println("authentication lost, disconnecting")
		gwClient.Disconnect()
	})

	unsubscribe := gwClient.OnEvent(func(event *gateway.ServerEvent) {
		st.ApplyEvent(event)
		typing.Apply(event)
		presence.Apply(event)

		switch event.Op {
		case gateway.OpMessageCreate:
			fmt.Printf("%s: %s\n", event.MessageCreate.Username, event.MessageCreate.Content)
		case gateway.OpError:
			logger.Printf("server error: %s", event.Error.Message)
		}
	})
	defer unsubscribe()

	gwClient.Connect(cfg.Token)
	defer gwClient.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	servers, err := st.LoadServers(ctx)
	cancel()
	if err != nil {
		logger.Fatal("load servers:", err)
	}
	if len(servers) == 0 {
		logger.Fatal("no servers joined, create one first")
	}

	st.SelectServer(servers[0].Id)
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	channels, err := st.LoadChannels(ctx)
	cancel()
	if err != nil {
		logger.Fatal("load channels:", err)
	}

	for _, ch := range channels {
		subs.Subscribe(ch.Id)
	}

	if selected := st.SelectedChannel(); selected != nil {
		typing.SetChannel(selected.Id)
		logger.Printf("joined #%s on %s", selected.Name, servers[0].Name)

		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		messages, err := st.LoadMessages(ctx, 0)
		cancel()
		if err != nil {
			logger.Println("load messages:", err)
		}
		for _, msg := range messages {
			fmt.Printf("%s: %s\n", msg.Username, msg.Content)
		}
	}

	// lines from stdin are sent to the selected channel
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if !st.SendMessage(line) {
				logger.Println("message dropped, not connected")
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Printf("received signal: %s, shutting down", sig)
}
