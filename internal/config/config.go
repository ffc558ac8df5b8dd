// Package config loads the server configuration from a YAML file layered
// over built-in defaults. Secrets (postgres credentials, redis address)
// come from the environment instead of the file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	WSPort int `yaml:"ws_port"`

	Game     GameConfig     `yaml:"game"`
	Rating   RatingConfig   `yaml:"rating"`
	Lobby    LobbyConfig    `yaml:"lobby"`
	Session  SessionConfig  `yaml:"session"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
}

// GameConfig drives the match engine and matchmaking timers.
type GameConfig struct {
	QuestionTimeSec   int `yaml:"question_time_sec"`
	TotalQuestions    int `yaml:"total_questions"`
	SurvivalQuestions int `yaml:"survival_questions"`
	ConfirmTimeoutSec int `yaml:"confirm_timeout_sec"`
	StartDelaySec     int `yaml:"start_delay_sec"`
	DamagePerAnswer   int `yaml:"damage_per_answer"`
	DamageOnTimeout   int `yaml:"damage_on_timeout"`
}

// RatingConfig holds the Elo parameters for ranked play.
type RatingConfig struct {
	K         int `yaml:"k"`
	MMRWindow int `yaml:"mmr_window"`
}

// LobbyConfig controls private lobby lifetime.
type LobbyConfig struct {
	TTLMin     int `yaml:"ttl_min"`
	MaxPlayers int `yaml:"max_players"`
}

// SessionConfig controls keepalive and idle eviction.
type SessionConfig struct {
	IdleTimeoutSec   int `yaml:"idle_timeout_sec"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// DatabaseConfig holds PostgreSQL connection parameters. Values left empty
// in the file fall back to POSTGRES_* environment variables.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// RedisConfig locates the settlement event queue.
type RedisConfig struct {
	Addr  string `yaml:"addr"`
	DB    int    `yaml:"db"`
	Queue string `yaml:"queue"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		WSPort: 8080,
		Game: GameConfig{
			QuestionTimeSec:   10,
			TotalQuestions:    5,
			SurvivalQuestions: 50,
			ConfirmTimeoutSec: 30,
			StartDelaySec:     3,
			DamagePerAnswer:   10,
			DamageOnTimeout:   10,
		},
		Rating: RatingConfig{
			K:         32,
			MMRWindow: 200,
		},
		Lobby: LobbyConfig{
			TTLMin:     30,
			MaxPlayers: 2,
		},
		Session: SessionConfig{
			IdleTimeoutSec:   60,
			SweepIntervalSec: 30,
		},
		Database: DatabaseConfig{
			Host:     envOr("PG_HOST", "127.0.0.1"),
			Port:     5432,
			User:     envOr("POSTGRES_USER", "brainbrawl"),
			Password: envOr("POSTGRES_PASSWORD", "brainbrawl"),
			DBName:   envOr("PG_DATABASE", "brainbrawl"),
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Addr:  envOr("REDIS_ADDR", "localhost:6379"),
			DB:    0,
			Queue: "brainbrawl_events",
		},
	}
}

// Load reads a YAML config from path, layered over Default. A missing file
// is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
