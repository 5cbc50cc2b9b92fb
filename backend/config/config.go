// Copyright (C) 2026 coterie.chat <dev@coterie.chat>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "COTERIE"

	defaultHTTPAddress    = "0.0.0.0:8081"
	defaultDatabaseURL    = "postgres://localhost/coterie?sslmode=disable"
	defaultRedisAddr      = "localhost:6379"
	defaultJWTIssuer      = "coterie"
	defaultKeyCacheTTL    = 10 * time.Minute
	defaultLogLevel       = "info"
	defaultReservationTTL = 5 * time.Minute
	defaultWelcomeGrace   = 5 * time.Minute
	defaultIdempotencyTTL = 24 * time.Hour
	defaultSweepInterval  = time.Minute
	defaultMessageTTLDays = 30
	defaultEventRetention = 7 * 24 * time.Hour
	defaultMaxPackages    = 100
	defaultPackageExpiry  = 30 * 24 * time.Hour
)

// AppConfig captures runtime configuration for the control-plane server.
type AppConfig struct {
	HTTPAddress string
	DatabaseURL string
	RedisAddr   string

	JWTSecret   string
	JWTIssuer   string
	KeyCacheTTL time.Duration

	LogLevel string
	LogFile  string

	ReservationTTL    time.Duration
	WelcomeGrace      time.Duration
	IdempotencyTTL    time.Duration
	SweepInterval     time.Duration
	MessageTTL        time.Duration
	EventRetention    time.Duration
	KeyPackageExpiry  time.Duration
	MaxPackagesPerDev int

	// Per-identity token bucket budgets, by endpoint class.
	ReadBurst    int
	ReadPerSec   float64
	CreateBurst  int
	CreatePerSec float64
	SendBurst    int
	SendPerSec   float64
	WriteBurst   int
	WritePerSec  float64
}

// NewViper returns a viper instance with defaults and env bindings applied.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures env bindings and default values on v.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.address", defaultHTTPAddress)
	v.SetDefault("database.url", defaultDatabaseURL)
	v.SetDefault("redis.addr", defaultRedisAddr)
	v.SetDefault("jwt.issuer", defaultJWTIssuer)
	v.SetDefault("jwt.key_cache_ttl", defaultKeyCacheTTL)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.file", "")

	v.SetDefault("reservation.ttl", defaultReservationTTL)
	v.SetDefault("welcome.grace", defaultWelcomeGrace)
	v.SetDefault("idempotency.ttl", defaultIdempotencyTTL)
	v.SetDefault("sweep.interval", defaultSweepInterval)
	v.SetDefault("message.ttl_days", defaultMessageTTLDays)
	v.SetDefault("event.retention", defaultEventRetention)
	v.SetDefault("keypackage.expiry", defaultPackageExpiry)
	v.SetDefault("keypackage.max_per_device", defaultMaxPackages)

	v.SetDefault("ratelimit.read.burst", 60)
	v.SetDefault("ratelimit.read.per_sec", 10.0)
	v.SetDefault("ratelimit.create.burst", 10)
	v.SetDefault("ratelimit.create.per_sec", 0.2)
	v.SetDefault("ratelimit.send.burst", 30)
	v.SetDefault("ratelimit.send.per_sec", 5.0)
	v.SetDefault("ratelimit.write.burst", 30)
	v.SetDefault("ratelimit.write.per_sec", 2.0)
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: v.GetString("http.address"),
		DatabaseURL: v.GetString("database.url"),
		RedisAddr:   v.GetString("redis.addr"),

		JWTSecret:   v.GetString("jwt.secret"),
		JWTIssuer:   v.GetString("jwt.issuer"),
		KeyCacheTTL: v.GetDuration("jwt.key_cache_ttl"),

		LogLevel: v.GetString("log.level"),
		LogFile:  v.GetString("log.file"),

		ReservationTTL:    v.GetDuration("reservation.ttl"),
		WelcomeGrace:      v.GetDuration("welcome.grace"),
		IdempotencyTTL:    v.GetDuration("idempotency.ttl"),
		SweepInterval:     v.GetDuration("sweep.interval"),
		MessageTTL:        time.Duration(v.GetInt("message.ttl_days")) * 24 * time.Hour,
		EventRetention:    v.GetDuration("event.retention"),
		KeyPackageExpiry:  v.GetDuration("keypackage.expiry"),
		MaxPackagesPerDev: v.GetInt("keypackage.max_per_device"),

		ReadBurst:    v.GetInt("ratelimit.read.burst"),
		ReadPerSec:   v.GetFloat64("ratelimit.read.per_sec"),
		CreateBurst:  v.GetInt("ratelimit.create.burst"),
		CreatePerSec: v.GetFloat64("ratelimit.create.per_sec"),
		SendBurst:    v.GetInt("ratelimit.send.burst"),
		SendPerSec:   v.GetFloat64("ratelimit.send.per_sec"),
		WriteBurst:   v.GetInt("ratelimit.write.burst"),
		WritePerSec:  v.GetFloat64("ratelimit.write.per_sec"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.ReservationTTL <= 0 {
		return fmt.Errorf("reservation.ttl must be positive")
	}
	if c.WelcomeGrace <= 0 {
		return fmt.Errorf("welcome.grace must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	return nil
}
