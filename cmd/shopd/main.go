package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bnomei/kart-go/internal/cart"
	"github.com/bnomei/kart-go/internal/catalog"
	"github.com/bnomei/kart-go/internal/config"
	"github.com/bnomei/kart-go/internal/license"
	"github.com/bnomei/kart-go/internal/obs"
	"github.com/bnomei/kart-go/internal/order"
	"github.com/bnomei/kart-go/internal/provider"
	"github.com/bnomei/kart-go/internal/queue"
	"github.com/bnomei/kart-go/internal/session"
	"github.com/bnomei/kart-go/internal/shop"
	"github.com/bnomei/kart-go/internal/stock"
	"github.com/bnomei/kart-go/internal/web"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		fatal("session store", err)
	}

	cat, closeCatalog, err := buildCatalog(cfg)
	if err != nil {
		fatal("catalog", err)
	}
	defer closeCatalog()

	jobs, err := queue.NewDir(cfg.QueueDir)
	if err != nil {
		fatal("job queue", err)
	}

	stockStore, ok := cat.(stock.Store)
	if !ok {
		fatal("stock", errors.New("catalog does not track stock"))
	}
	ledger := stock.NewLedger(stockStore, store)
	ledger.SetFloor(cfg.StockFloor)
	if cfg.DeferredStock {
		ledger.Defer(jobs)
	}

	repo, closeOrders, err := buildOrders(cfg)
	if err != nil {
		fatal("orders", err)
	}
	defer closeOrders()

	assembler := order.NewAssembler(repo, cfg.OrdersEnabled).WithQueue(jobs)
	licenses := license.NewService(repo, store)

	var publisher shop.OrderPublisher
	if len(cfg.KafkaBrokers) > 0 {
		events := queue.NewKafkaEvents(cfg.KafkaTopic, cfg.KafkaBrokers...)
		defer events.Close()
		publisher = events
	}

	customerCarts, closeMongo, err := buildCustomerCarts(ctx, cfg)
	if err != nil {
		fatal("customer carts", err)
	}
	defer closeMongo()

	providers, err := buildProviders(cfg, repo)
	if err != nil {
		fatal("providers", err)
	}

	s := shop.New(shop.Options{
		Catalog:       cat,
		Ledger:        ledger,
		Store:         store,
		Providers:     providers,
		Orders:        assembler,
		Licenses:      licenses,
		Queue:         jobs,
		Publisher:     publisher,
		CustomerCarts: customerCarts,
		Config:        cfg,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      web.NewRouter(s),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	drainCtx, stopDrain := context.WithCancel(ctx)
	go drainLoop(drainCtx, s)

	go func() {
		obs.Logger.Info("shop listening", "addr", cfg.HTTPAddr, "providers", cfg.Providers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("http server", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	obs.Logger.Info("shutting down")
	stopDrain()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fatal("shutdown", err)
	}
	obs.Logger.Info("server exited")
}

func fatal(what string, err error) {
	obs.Logger.Error(what+" failed", "error", err)
	os.Exit(1)
}

func buildStore(ctx context.Context, cfg config.Config) (session.Store, error) {
	if cfg.RedisAddr == "" {
		return session.NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return session.NewRedis(client, "kart"), nil
}

func buildCatalog(cfg config.Config) (catalog.Catalog, func(), error) {
	if cfg.CatalogPath == "" {
		return catalog.NewMemory(), func() {}, nil
	}
	repo, err := catalog.NewRepository(cfg.CatalogPath)
	if err != nil {
		return nil, nil, err
	}
	if err := repo.RunMigrations(cfg.CatalogMigrations); err != nil {
		return nil, nil, err
	}
	return repo, func() { _ = repo.Close() }, nil
}

func buildOrders(cfg config.Config) (order.Repository, func(), error) {
	if cfg.PostgresHost == "" {
		obs.Logger.Info("no postgres configured, orders kept in memory")
		return order.NewMemory(), func() {}, nil
	}
	cred := &order.Credentials{
		Host:              cfg.PostgresHost,
		Port:              cfg.PostgresPort,
		User:              cfg.PostgresUser,
		Password:          cfg.PostgresPassword,
		DBName:            cfg.PostgresDB,
		MigrationsDirPath: cfg.MigrationsDirPath,
	}
	repo, err := order.NewPostgres(cred)
	if err != nil {
		return nil, nil, err
	}
	if err := repo.RunMigrations(cred); err != nil {
		return nil, nil, err
	}
	return repo, func() { _ = repo.Close() }, nil
}

func buildCustomerCarts(ctx context.Context, cfg config.Config) (cart.CustomerCarts, func(), error) {
	if cfg.MongoURI == "" {
		return nil, func() {}, nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, err
	}
	collection := client.Database("kart").Collection("carts")
	closer := func() { _ = client.Disconnect(context.Background()) }
	return cart.NewMongoCarts(collection), closer, nil
}

func buildProviders(cfg config.Config, repo order.Repository) (map[provider.Kind]provider.Provider, error) {
	registry := provider.NewRegistry()
	providers := make(map[provider.Kind]provider.Provider, len(cfg.Providers))
	for _, name := range cfg.Providers {
		kind := provider.Kind(name)
		p, err := registry.Resolve(kind, provider.Config{
			Secret:    cfg.ProviderSecrets[name],
			APIBase:   cfg.ProviderAPIBases[name],
			ReturnURL: cfg.ReturnURL,
			CancelURL: cfg.CancelURL,
			Currency:  cfg.Currency,
			Orders:    repo,
		})
		if err != nil {
			return nil, err
		}
		providers[kind] = p
	}
	return providers, nil
}

// drainLoop processes queued jobs in the background between requests.
func drainLoop(ctx context.Context, s *shop.Shop) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if processed, err := s.ProcessJobs(ctx); err != nil {
				obs.Logger.Warn("queue drain", "error", err)
			} else if processed > 0 {
				obs.Logger.Info("queue drained", "processed", processed)
			}
		}
	}
}
