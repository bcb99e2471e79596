package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v10"
)

const (
	KeyDirectoryMemory = "memory"
	KeyDirectoryRedis  = "redis"

	DeliveryRelayOnly       = "relay_only"
	DeliveryPersistAndRelay = "persist_and_relay"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config centraliza la configuración del relay.
type Config struct {
	HTTPPort       string   `env:"PORT" envDefault:"3002"`
	JWTSecret      string   `env:"JWT_SECRET,required"`
	JWTIssuer      string   `env:"JWT_ISSUER"`
	RedisHost      string   `env:"REDIS_HOST"`
	RedisPort      int      `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword  string   `env:"REDIS_PASSWORD"`
	RedisDB        int      `env:"REDIS_DB" envDefault:"0"`
	KeyDirectory   string   `env:"KEY_DIRECTORY" envDefault:"memory"`
	DeliveryPolicy string   `env:"DELIVERY_POLICY" envDefault:"relay_only"`
	DatabaseURL    string   `env:"DATABASE_URL"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	EventRate      float64  `env:"EVENT_RATE_PER_SECOND" envDefault:"20"`
	EventBurst     int      `env:"EVENT_BURST" envDefault:"40"`
	MaxFrameBytes  int      `env:"MAX_FRAME_BYTES" envDefault:"65536"`

	// HandshakeLimit en 0 desactiva el límite de intentos de conexión por IP.
	HandshakeLimit         int `env:"HANDSHAKE_LIMIT" envDefault:"30"`
	HandshakeWindowSeconds int `env:"HANDSHAKE_WINDOW_SECONDS" envDefault:"60"`

	// TrustedProxies lista IPs o CIDRs cuyo X-Forwarded-For se acepta. Vacío: ninguno.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate revisa valores enumerados y combinaciones incompatibles.
func (c *Config) Validate() error {
	c.KeyDirectory = strings.ToLower(strings.TrimSpace(c.KeyDirectory))
	c.DeliveryPolicy = strings.ToLower(strings.TrimSpace(c.DeliveryPolicy))

	switch c.KeyDirectory {
	case KeyDirectoryMemory:
	case KeyDirectoryRedis:
		if strings.TrimSpace(c.RedisHost) == "" {
			return fmt.Errorf("%w: KEY_DIRECTORY=redis requires REDIS_HOST", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown KEY_DIRECTORY %q", ErrInvalidConfig, c.KeyDirectory)
	}

	switch c.DeliveryPolicy {
	case DeliveryRelayOnly, DeliveryPersistAndRelay:
	default:
		return fmt.Errorf("%w: unknown DELIVERY_POLICY %q", ErrInvalidConfig, c.DeliveryPolicy)
	}

	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("%w: JWT_SECRET is empty", ErrInvalidConfig)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("%w: MAX_FRAME_BYTES must be positive", ErrInvalidConfig)
	}
	if c.HandshakeLimit < 0 || (c.HandshakeLimit > 0 && c.HandshakeWindowSeconds <= 0) {
		return fmt.Errorf("%w: invalid handshake limit", ErrInvalidConfig)
	}

	proxies := make([]string, 0, len(c.TrustedProxies))
	for _, proxy := range c.TrustedProxies {
		proxy = strings.TrimSpace(proxy)
		if proxy == "" {
			continue
		}
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("%w: invalid TRUSTED_PROXIES entry %q", ErrInvalidConfig, proxy)
			}
		}
		proxies = append(proxies, proxy)
	}
	c.TrustedProxies = proxies
	return nil
}

// RedisAddr arma host:port, vacío si no hay Redis configurado.
func (c *Config) RedisAddr() string {
	host := strings.TrimSpace(c.RedisHost)
	if host == "" {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(c.RedisPort))
}
