// Package config provides runtime configuration values for the shop core.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration knobs for the shop core and its collaborators.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration

	Currency      string
	OrdersEnabled bool

	// Stock ledger
	StockFloor    int
	DeferredStock bool
	HoldTTL       time.Duration

	// Collaborator endpoints. Empty values select in-memory fallbacks.
	RedisAddr         string
	MongoURI          string
	CatalogPath       string
	CatalogMigrations string
	QueueDir          string

	// Orders repository (postgres)
	PostgresHost      string
	PostgresPort      int
	PostgresUser      string
	PostgresPassword  string
	PostgresDB        string
	MigrationsDirPath string

	KafkaBrokers []string
	KafkaTopic   string

	// Payment providers to enable, with per-provider credentials keyed
	// by provider name.
	Providers        []string
	ProviderSecrets  map[string]string
	ProviderAPIBases map[string]string

	// Success/cancel destinations handed to payment providers.
	ReturnURL string
	CancelURL string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolenv(key string, def bool) bool {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func durenvs(key string, defSec int) time.Duration {
	sec := atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

// Load collects configuration from environment with defaults.
func Load() Config {
	cfg := Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: durenvs("SHUTDOWN_TIMEOUT", 10),
		RequestTimeout:  durenvs("REQUEST_TIMEOUT", 30),

		Currency:      getenv("SHOP_CURRENCY", "EUR"),
		OrdersEnabled: boolenv("ORDERS_ENABLED", true),

		StockFloor:    atoienv("STOCK_FLOOR", 0),
		DeferredStock: boolenv("STOCK_DEFERRED", false),
		HoldTTL:       durenvs("HOLD_TTL", 300),

		RedisAddr:         getenv("REDIS_ADDR", ""),
		MongoURI:          getenv("MONGO_URI", ""),
		CatalogPath:       getenv("CATALOG_PATH", "catalog.db"),
		CatalogMigrations: getenv("CATALOG_MIGRATIONS", "internal/catalog/migrations"),
		QueueDir:          getenv("QUEUE_DIR", "queue"),

		PostgresHost:      getenv("POSTGRES_HOST", ""),
		PostgresPort:      atoienv("POSTGRES_PORT", 5432),
		PostgresUser:      getenv("POSTGRES_USER", "shop"),
		PostgresPassword:  getenv("POSTGRES_PASSWORD", ""),
		PostgresDB:        getenv("POSTGRES_DB", "shop"),
		MigrationsDirPath: getenv("MIGRATIONS_DIR", "internal/order/migrations"),

		KafkaTopic: getenv("KAFKA_TOPIC", "order-completed"),

		ReturnURL: getenv("RETURN_URL", "/shop/success"),
		CancelURL: getenv("CANCEL_URL", "/shop/cancel"),
	}
	if brokers := getenv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = splitComma(brokers)
	}

	cfg.Providers = splitComma(getenv("PROVIDERS", "invoice"))
	cfg.ProviderSecrets = make(map[string]string, len(cfg.Providers))
	cfg.ProviderAPIBases = make(map[string]string, len(cfg.Providers))
	for _, name := range cfg.Providers {
		upper := strings.ToUpper(name)
		cfg.ProviderSecrets[name] = getenv(upper+"_SECRET", "")
		cfg.ProviderAPIBases[name] = getenv(upper+"_API_BASE", "")
	}
	return cfg
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
