// Package config loads node configuration from environment variables:
// FromEnv starts from Default() and overrides each field whose variable
// is set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment selects environment-dependent defaults only; it never gates
// feature availability.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
	Test        Environment = "test"
)

// Log configures the logger sink.
type Log struct {
	Level      string
	Directory  string
	MaxFiles   int
	MaxSizeMB  int
}

// Exchange binds the node to a single trading pair and port.
type Exchange struct {
	Pair string
	Port int
}

// P2P configures the peer listener, discovery and connection caps.
type P2P struct {
	Host               string
	Port               int
	BootstrapPeers     []string
	EnableMDNS         bool
	EnablePeerExchange bool
	MaxInbound         int
	MaxOutbound        int
	PeerStoragePath    string
}

// Performance bounds order input and the slow-operation log threshold.
type Performance struct {
	ThresholdMS    int
	MaxOrderAmount string
	MaxOrderPrice  string
}

// CircuitBreaker tunes the breaker guarding outbound peer calls.
type CircuitBreaker struct {
	FailureThreshold int
	ResetTimeoutMS   int
}

// Security gates and tunes the rate limiter.
type Security struct {
	EnableRateLimit bool
	OrdersPerMinute int
	RequestsPerSec  int
	MessagesPerMin  int
}

// Config is the fully-resolved node configuration.
type Config struct {
	Environment    Environment
	Log            Log
	Exchange       Exchange
	P2P            P2P
	Performance    Performance
	CircuitBreaker CircuitBreaker
	Security       Security
}

// Default returns the development-environment defaults.
func Default() Config {
	return Config{
		Environment: Development,
		Log: Log{
			Level:     "info",
			Directory: "./logs",
			MaxFiles:  10,
			MaxSizeMB: 100,
		},
		Exchange: Exchange{
			Pair: "BTC-USD",
			Port: 7700,
		},
		P2P: P2P{
			Host:               "0.0.0.0",
			Port:               7700,
			BootstrapPeers:     nil,
			EnableMDNS:         true,
			EnablePeerExchange: true,
			MaxInbound:         50,
			MaxOutbound:        50,
			PeerStoragePath:    "./peers.json",
		},
		Performance: Performance{
			ThresholdMS:    100,
			MaxOrderAmount: "1000000000",
			MaxOrderPrice:  "1000000000",
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 5,
			ResetTimeoutMS:   30000,
		},
		Security: Security{
			EnableRateLimit: true,
			OrdersPerMinute: 100,
			RequestsPerSec:  10,
			MessagesPerMin:  1000,
		},
	}
}

// FromEnv returns Default() with every recognized P2P_EXCHANGE_* variable
// applied on top.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("P2P_EXCHANGE_ENVIRONMENT"); v != "" {
		cfg.Environment = Environment(v)
	}
	if v := os.Getenv("P2P_EXCHANGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("P2P_EXCHANGE_LOG_DIRECTORY"); v != "" {
		cfg.Log.Directory = v
	}
	if err := setInt(&cfg.Log.MaxFiles, "P2P_EXCHANGE_LOG_MAX_FILES"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.Log.MaxSizeMB, "P2P_EXCHANGE_LOG_MAX_SIZE_MB"); err != nil {
		return cfg, err
	}

	if v := os.Getenv("P2P_EXCHANGE_PAIR"); v != "" {
		cfg.Exchange.Pair = v
	}
	if err := setInt(&cfg.Exchange.Port, "P2P_EXCHANGE_PORT"); err != nil {
		return cfg, err
	}

	if v := os.Getenv("P2P_EXCHANGE_P2P_HOST"); v != "" {
		cfg.P2P.Host = v
	}
	if err := setInt(&cfg.P2P.Port, "P2P_EXCHANGE_P2P_PORT"); err != nil {
		return cfg, err
	}
	if v := os.Getenv("P2P_EXCHANGE_P2P_BOOTSTRAP_PEERS"); v != "" {
		cfg.P2P.BootstrapPeers = splitCSV(v)
	}
	if err := setBool(&cfg.P2P.EnableMDNS, "P2P_EXCHANGE_P2P_ENABLE_MDNS"); err != nil {
		return cfg, err
	}
	if err := setBool(&cfg.P2P.EnablePeerExchange, "P2P_EXCHANGE_P2P_ENABLE_PEER_EXCHANGE"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.P2P.MaxInbound, "P2P_EXCHANGE_P2P_MAX_INBOUND"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.P2P.MaxOutbound, "P2P_EXCHANGE_P2P_MAX_OUTBOUND"); err != nil {
		return cfg, err
	}
	if v := os.Getenv("P2P_EXCHANGE_P2P_PEER_STORAGE_PATH"); v != "" {
		cfg.P2P.PeerStoragePath = v
	}

	if err := setInt(&cfg.Performance.ThresholdMS, "P2P_EXCHANGE_PERFORMANCE_THRESHOLD_MS"); err != nil {
		return cfg, err
	}
	if v := os.Getenv("P2P_EXCHANGE_PERFORMANCE_MAX_ORDER_AMOUNT"); v != "" {
		cfg.Performance.MaxOrderAmount = v
	}
	if v := os.Getenv("P2P_EXCHANGE_PERFORMANCE_MAX_ORDER_PRICE"); v != "" {
		cfg.Performance.MaxOrderPrice = v
	}

	if err := setInt(&cfg.CircuitBreaker.FailureThreshold, "P2P_EXCHANGE_CIRCUIT_BREAKER_FAILURE_THRESHOLD"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.CircuitBreaker.ResetTimeoutMS, "P2P_EXCHANGE_CIRCUIT_BREAKER_RESET_TIMEOUT_MS"); err != nil {
		return cfg, err
	}

	if err := setBool(&cfg.Security.EnableRateLimit, "P2P_EXCHANGE_SECURITY_ENABLE_RATE_LIMIT"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.Security.OrdersPerMinute, "P2P_EXCHANGE_SECURITY_ORDERS_PER_MINUTE"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.Security.RequestsPerSec, "P2P_EXCHANGE_SECURITY_REQUESTS_PER_SEC"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.Security.MessagesPerMin, "P2P_EXCHANGE_SECURITY_MESSAGES_PER_MIN"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ResetTimeout returns CircuitBreaker.ResetTimeoutMS as a time.Duration.
func (c CircuitBreaker) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutMS) * time.Millisecond
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
