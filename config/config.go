package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr         string `env:"CHATRELAY_ADDR" envDefault:":8000"`
	DBPath       string `env:"CHATRELAY_DB_PATH" envDefault:"chatrelay.db"`
	JWTSecret    string `env:"CHATRELAY_JWT_SECRET" envDefault:"SECRET"`
	WriteTimeout int    `env:"CHATRELAY_WRITE_TIMEOUT" envDefault:"30"` // seconds
	TokenTTL     int    `env:"CHATRELAY_TOKEN_TTL" envDefault:"24"`     // hours
}

// Load читает конфигурацию из переменных окружения поверх значений по умолчанию.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
