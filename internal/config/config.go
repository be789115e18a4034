package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Exercises ExercisesConfig `yaml:"exercises"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	ServiceName    string   `yaml:"service_name"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type ExercisesConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type SandboxConfig struct {
	Mode string `yaml:"mode"` // "http" or "docker"
	URL  string `yaml:"url"`
}

type AuthConfig struct {
	AdminJWTSecret   string `yaml:"admin_jwt_secret"`
	ServiceJWTSecret string `yaml:"service_jwt_secret"`
}

type SessionConfig struct {
	SendBuffer int `yaml:"send_buffer"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			ServiceName:    "codeblock",
			AllowedOrigins: []string{"*"},
		},
		Exercises: ExercisesConfig{CacheTTL: 10 * time.Minute},
		Sandbox:   SandboxConfig{Mode: "http", URL: "http://localhost:8090"},
		Session:   SessionConfig{SendBuffer: 64},
	}
}

// Load applies defaults, then the YAML file named by CONFIG_FILE (if any),
// then environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("EXERCISE_SERVICE_URL"); v != "" {
		cfg.Exercises.URL = strings.TrimRight(strings.TrimSpace(v), "/")
	}
	if v := os.Getenv("SANDBOX_MODE"); v != "" {
		cfg.Sandbox.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("SANDBOX_URL"); v != "" {
		cfg.Sandbox.URL = strings.TrimRight(strings.TrimSpace(v), "/")
	}
	if v := os.Getenv("ADMIN_JWT_SECRET"); v != "" {
		cfg.Auth.AdminJWTSecret = v
	}
	if v := os.Getenv("SERVICE_JWT_SECRET"); v != "" {
		cfg.Auth.ServiceJWTSecret = v
	}
	if v := os.Getenv("CLIENT_SEND_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.SendBuffer = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Addr() string { return ":" + c.Server.Port }
