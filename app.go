package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/blogpub/activitypub"
	"github.com/deemkeen/blogpub/db"
	"github.com/deemkeen/blogpub/domain"
	"github.com/deemkeen/blogpub/metrics"
	"github.com/deemkeen/blogpub/util"
	"github.com/deemkeen/blogpub/web"
	"github.com/redis/go-redis/v9"
)

// app holds the wired federation components of one site. The caller must
// defer app.Close().
type app struct {
	conf  *util.AppConfig
	fed   *web.Federation
	redis *redis.Client
}

func newApp() (*app, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	setLogLevel(conf.Conf.LogLevel)
	log.Debug("Configuration", "conf", util.PrettyPrint(conf.Redacted()))

	metrics.Register()

	pair, err := util.LoadOrCreateKeypair(
		util.ResolveFilePath(conf.Conf.PrivateKeyPath),
		util.ResolveFilePath(conf.Conf.PublicKeyPath),
	)
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}
	privateKey, err := activitypub.ParsePrivateKey(pair.Private)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	settings := &domain.Settings{
		SiteId:            conf.Conf.SiteId,
		BlogName:          conf.Conf.BlogName,
		BaseURL:           conf.Conf.BaseUrl,
		CanonicalHostname: conf.Conf.CanonicalHostname,
		ActorName:         conf.Conf.ActorName,
		Summary:           conf.Conf.Summary,
		AvatarURL:         conf.Conf.AvatarUrl,
		HeaderURL:         conf.Conf.HeaderUrl,
		PublicKeyPem:      pair.Public,
		PrivateKey:        privateKey,
	}

	database, err := db.Open(util.ResolveFilePath(conf.Conf.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	client := &http.Client{Timeout: conf.Delivery.Timeout}

	var handles activitypub.HandleCache
	if conf.Memcached.Addr != "" {
		handles = activitypub.NewMemcacheHandleCache(conf.Memcached.Addr)
		log.Info("Caching WebFinger lookups", "memcached", conf.Memcached.Addr)
	}
	directory := activitypub.NewDirectory(database, settings, client, handles)

	a := &app{conf: conf}
	opts := activitypub.DispatcherOptions{
		Client:    client,
		Workers:   conf.Delivery.Workers,
		BatchSize: conf.Delivery.BatchSize,
		Timeout:   conf.Delivery.Timeout,
	}
	if conf.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: conf.Redis.Addr})
		opts.Lock = activitypub.NewRedisCycleLock(a.redis, conf.Redis.LockKey, conf.Redis.LockTTL)
		log.Info("Delivery cycles are serialized through Redis", "addr", conf.Redis.Addr, "key", conf.Redis.LockKey)
	}
	dispatcher := activitypub.NewDispatcher(database, settings, directory, opts)
	blocks := activitypub.NewBlockList(database, directory)

	a.fed = &web.Federation{
		DB:         database,
		Settings:   settings,
		Directory:  directory,
		Dispatcher: dispatcher,
		Processor:  activitypub.NewProcessor(database, settings, directory, dispatcher, blocks),
		Blocks:     blocks,
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn("Closing redis client", "err", err)
		}
	}
	if err := a.fed.DB.Close(); err != nil {
		log.Warn("Closing database", "err", err)
	}
}

func setLogLevel(level string) {
	parsed, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.Warn("Unknown log level, using info", "level", level)
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}
