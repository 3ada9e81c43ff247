package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"WarChat/global/config"
	"WarChat/logger"
	"WarChat/service/channel"
	"WarChat/service/chat"
	"WarChat/service/httpapi"
	"WarChat/service/store"
	"WarChat/tools/ids"
	"WarChat/tools/safe"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "yaml config file (optional)")
		userID   = flag.String("user", "", "local user id")
		username = flag.String("name", "", "local username")
	)
	flag.Parse()
	defer logger.Sync()

	cfg := config.Global
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			logger.Errorf("load config: %v", err)
			os.Exit(1)
		}
		cfg = *loaded
	}
	cfg.Norm()
	ids.SetNodeID(cfg.NodeID)

	if *userID == "" {
		logger.Error("missing -user")
		os.Exit(1)
	}
	name := *username
	if name == "" {
		name = *userID
	}

	ch, err := buildChannel(&cfg, *userID)
	if err != nil {
		logger.Errorf("channel: %v", err)
		os.Exit(1)
	}
	st, err := buildStore(&cfg)
	if err != nil {
		logger.Errorf("store: %v", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	coord := chat.NewCoordinator(chat.CoordinatorConf{
		GameTypes:        cfg.GameTypes,
		HistoryLimit:     cfg.HistoryLimit,
		FlushDebounce:    cfg.FlushDebounce,
		MemoryCeiling:    cfg.MemoryCeiling,
		SweepEvery:       cfg.SweepEvery,
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxAttempts:      cfg.ReconnectAttempts,
		InitialWait:      cfg.ReconnectWait,
		MaxWait:          cfg.ReconnectMaxWait,
		TokenSecret:      []byte(cfg.JwtSecret),
	}, ch, st)

	coord.Activate(chat.Session{
		UserID:      *userID,
		Username:    name,
		DisplayName: name,
	})
	defer coord.Deactivate()

	api := httpapi.NewServer(coord)
	safe.Go(func() {
		if err := api.Run(cfg.HTTPPort); err != nil {
			logger.Errorf("httpapi: %v", err)
		}
	})
	defer api.Shutdown()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
}

func buildChannel(cfg *config.AppConfig, userID string) (channel.Channel, error) {
	switch cfg.Channel {
	case config.ChannelNats:
		return channel.NewNatsChannel(channel.NatsConf{
			Servers:       cfg.NatsServers,
			Name:          "warchat-" + userID,
			SubjectPrefix: cfg.NatsSubject,
			Inbox:         userID,
		})
	case config.ChannelMemory:
		client, _ := channel.NewMemoryPair()
		return client, nil
	default:
		return channel.NewWSChannel(channel.WSConf{URL: cfg.WSURL}), nil
	}
}

func buildStore(cfg *config.AppConfig) (store.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		return store.NewRedisStore(store.RedisConf{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case config.StoreMongo:
		return store.NewMongoStore(store.MongoConf{
			URI:        cfg.MongoURI,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
		})
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	default:
		return store.NewSqliteStore(cfg.SqlitePath)
	}
}
