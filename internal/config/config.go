package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr     string
	PostgresDSN  string // empty runs on the in-memory store
	RedisAddr    string // empty disables caching
	KafkaBrokers []string
	ServiceName  string

	GatewayBaseURL   string
	GatewaySecretKey string
	JWTSecret        string
	GuestCheckout    bool
	AdminCacheTTL    time.Duration
	Currency         string
	Country          string

	LowStockThreshold int
	RetryMaxRetries   int
	RetryInitialDelay time.Duration
	TxMaxWait         time.Duration
	TxTimeout         time.Duration

	NotifierGroup   string
	NotifierWorkers int
}

func Load() Config {
	return Config{
		HTTPAddr:     getenv("HTTP_ADDR", ":8081"),
		PostgresDSN:  getenv("POSTGRES_DSN", ""),
		RedisAddr:    getenv("REDIS_ADDR", ""),
		KafkaBrokers: splitCSV(getenv("KAFKA_BROKERS", "")),
		ServiceName:  getenv("SERVICE_NAME", "pharmacy-api"),

		GatewayBaseURL:   getenv("GATEWAY_BASE_URL", "https://api.paystack.co"),
		GatewaySecretKey: getenv("GATEWAY_SECRET_KEY", ""),
		JWTSecret:        getenv("JWT_SECRET", "dev-secret"),
		GuestCheckout:    getbool("GUEST_CHECKOUT", true),
		AdminCacheTTL:    getduration("ADMIN_CACHE_TTL", 5*time.Minute),
		Currency:         getenv("CURRENCY", "NGN"),
		Country:          getenv("DEFAULT_COUNTRY", "Nigeria"),

		LowStockThreshold: getint("LOW_STOCK_THRESHOLD", 10),
		RetryMaxRetries:   getint("RETRY_MAX_RETRIES", 3),
		RetryInitialDelay: getduration("RETRY_INITIAL_DELAY", time.Second),
		TxMaxWait:         getduration("TX_MAX_WAIT", 10*time.Second),
		TxTimeout:         getduration("TX_TIMEOUT", 15*time.Second),

		NotifierGroup:   getenv("NOTIFIER_GROUP", "pharmacy-notifier"),
		NotifierWorkers: getint("NOTIFIER_WORKERS", 8),
	}
}

// Client is the configuration of the offline client.
type Client struct {
	APIURL        string
	DBPath        string
	ProbeInterval time.Duration
	Token         string
	UserEmail     string
}

func LoadClient() Client {
	return Client{
		APIURL:        strings.TrimRight(getenv("PHARMACY_API_URL", "http://localhost:8081"), "/"),
		DBPath:        getenv("PHARMACY_DB_PATH", "pharmacy-client.db"),
		ProbeInterval: getduration("PHARMACY_PROBE_INTERVAL", 15*time.Second),
		Token:         getenv("PHARMACY_TOKEN", ""),
		UserEmail:     getenv("PHARMACY_USER_EMAIL", ""),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: %s=%q is not an integer, using %d", k, v, def)
		return def
	}
	return i
}

func getbool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("config: %s=%q is not a boolean, using %t", k, v, def)
		return def
	}
	return b
}

func getduration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("config: %s=%q is not a duration, using %s", k, v, def)
		return def
	}
	return d
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
