package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/mastodont/activitypub"
	"github.com/deemkeen/mastodont/blocks"
	"github.com/deemkeen/mastodont/db"
	"github.com/deemkeen/mastodont/delivery"
	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/engagement"
	"github.com/deemkeen/mastodont/follows"
	"github.com/deemkeen/mastodont/relations"
	"github.com/deemkeen/mastodont/signing"
	"github.com/deemkeen/mastodont/util"
	"github.com/deemkeen/mastodont/web"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		util.SetupLogging("info")
		log.Fatal().Err(err).Msg("reading config")
	}
	util.SetupLogging(conf.Conf.LogLevel)
	log.Info().Str("version", util.GetNameAndVersion()).Str("domain", conf.DomainFull()).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("bye")
}

// provision creates the configured accounts that do not exist yet and
// makes sure every registered account has its relationship directory.
// Registered accounts missing from the config are kept, or deleted along
// with their directory when PruneAccounts is set.
func provision(database *db.DB, store *relations.Store, conf *util.AppConfig) error {
	configured := map[string]bool{}
	for _, la := range conf.Conf.Accounts {
		configured[la.Nickname] = true
		acc, err := database.ReadAccByNickname(la.Nickname)
		if errors.Is(err, domain.ErrNotFound) {
			_, err = database.CreateAccount(la.Nickname, conf.Conf.Domain, conf.Conf.Port, la.ManuallyApprovesFollowers)
		} else if err == nil && acc.ManuallyApprovesFollowers != la.ManuallyApprovesFollowers {
			err = database.UpdateManualApproval(la.Nickname, la.ManuallyApprovesFollowers)
		}
		if err != nil {
			return fmt.Errorf("provision %s: %w", la.Nickname, err)
		}
	}

	accounts, err := database.ReadAllAccounts()
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, acc := range accounts {
		if !configured[acc.Nickname] {
			if conf.Conf.PruneAccounts {
				if err := database.DeleteAccount(acc.Nickname); err != nil {
					return fmt.Errorf("prune %s: %w", acc.Nickname, err)
				}
				if err := store.DeleteAccount(acc.Handle()); err != nil {
					return fmt.Errorf("prune %s: %w", acc.Nickname, err)
				}
				log.Info().Str("account", acc.Handle().String()).Msg("account pruned")
				continue
			}
			log.Warn().Str("account", acc.Handle().String()).Msg("account not in config, keeping it")
		}
		if err := os.MkdirAll(store.AccountDir(acc.Handle()), 0755); err != nil {
			return fmt.Errorf("provision %s: %w", acc.Nickname, err)
		}
	}
	return nil
}

func run(ctx context.Context, conf *util.AppConfig) error {
	database, err := db.Open(util.ResolveFilePath(conf.Conf.DbPath))
	if err != nil {
		return err
	}
	defer database.Close()

	dataDir, err := util.ResolveDir(conf.Conf.DataDir)
	if err != nil {
		return err
	}
	store := relations.NewStore(dataDir)
	if err := os.MkdirAll(store.Root(), 0755); err != nil {
		return fmt.Errorf("create accounts dir: %w", err)
	}
	if err := provision(database, store, conf); err != nil {
		return err
	}

	gate := blocks.NewGate(store,
		blocks.InstanceCache(store, conf.Conf.BlockCacheInterval),
		blocks.Options{InstanceDomain: conf.Conf.Domain, BrochModeDays: conf.Conf.BrochModeDays})
	if conf.Conf.BrochMode && !gate.BrochModeActive() {
		if err := gate.ActivateBrochMode(ctx); err != nil {
			return err
		}
	} else if !conf.Conf.BrochMode && gate.BrochModeActive() {
		if err := gate.DeactivateBrochMode(); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	userAgent := util.UserAgent(conf.DomainFull())
	pool := delivery.NewPool(database.KeyStore(conf.Conf.HttpPrefix), delivery.Options{
		Ceiling:      conf.Conf.MaxDeliveryUnits,
		Grace:        conf.Conf.DeliveryGrace,
		Timeout:      conf.Conf.DeliveryTimeout,
		ReapInterval: conf.Conf.ReapInterval,
		Dialect:      signing.ParseDialect(conf.Conf.SignatureDialect),
		Digest:       signing.ParseDigestAlgorithm(conf.Conf.DigestAlgorithm),
		UserAgent:    userAgent,
		Registerer:   reg,
	})
	resolver := activitypub.NewResolver(database, activitypub.ResolverOptions{
		TTL:       conf.Conf.ActorTTL,
		UserAgent: userAgent,
	})

	posts := engagement.NewFilePostStore(store)
	recent := engagement.NewRecentPosts(512, 10*time.Minute)
	services := &activitypub.Services{
		Accounts:    database,
		Store:       store,
		Posts:       posts,
		Collections: engagement.NewCollections(posts, recent, engagement.NewHTMLCache(store)),
		Gate:        gate,
		Follows:     follows.NewMachine(store, resolver, pool, conf.Conf.HttpPrefix),
		Resolver:    resolver,
		Deliverer:   pool,
		HTTPPrefix:  conf.Conf.HttpPrefix,
		Domain:      conf.DomainFull(),
		SharedInbox: conf.Conf.SharedInbox,
	}
	inbox := activitypub.NewInbox(services, resolver, database)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler: web.NewRouter(ctx, web.Options{
			Conf:       conf,
			Accounts:   database,
			Store:      store,
			Posts:      posts,
			Recent:     recent,
			Inbox:      inbox,
			Dispatcher: activitypub.NewDispatcher(services, inbox),
			Metrics:    reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool.Run(ctx)
		return nil
	})
	g.Go(func() error {
		gate.Cache().WatchOrPoll(ctx)
		return nil
	})
	g.Go(func() error {
		pruneActivities(ctx, database, conf.Conf.ActivityRetention)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("stopping http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// pruneActivities drops inbound activity log entries older than retention
// once an hour.
func pruneActivities(ctx context.Context, database *db.DB, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := database.PruneActivities(now.Add(-retention))
			if err != nil {
				log.Warn().Err(err).Msg("pruning activity log")
			} else if n > 0 {
				log.Debug().Int64("pruned", n).Msg("activity log pruned")
			}
		}
	}
}
