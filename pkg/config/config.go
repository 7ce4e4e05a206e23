// Package config loads process configuration from the environment and
// the challenge catalog from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigredctf/instancer/pkg/domain"
)

type Config struct {
	Port     string
	LogLevel string

	// RegistryBackend selects "memory" or "redis".
	RegistryBackend string
	RedisAddr       string
	RedisDB         int
	RedisPassword   string

	// ProviderBackend selects "docker" or "fake".
	ProviderBackend  string
	DockerHost       string
	RegistryServer   string
	RegistryUsername string
	RegistryPassword string

	// UsersDBPath is the scoreboard's SQLite database.
	UsersDBPath string

	ChallengesPath string
	DomainSuffix   string
	NamePrefix     string

	InstanceTTL   time.Duration
	SweepInterval time.Duration
	MaxActive     int
	WarnActive    int

	// SessionSecret signs login tokens. Required outside of dev.
	SessionSecret string
}

func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		RegistryBackend: getEnv("REGISTRY_BACKEND", "memory"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:         GetEnvInt("REDIS_DB", 0),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),

		ProviderBackend:  getEnv("PROVIDER_BACKEND", "docker"),
		DockerHost:       getEnv("DOCKER_HOST", ""),
		RegistryServer:   getEnv("CONTAINER_REGISTRY_SERVER", ""),
		RegistryUsername: getEnv("CONTAINER_REGISTRY_USERNAME", ""),
		RegistryPassword: getEnv("CONTAINER_REGISTRY_PASSWORD", ""),

		UsersDBPath: getEnv("USERS_DB_PATH", "/data/ctfd.db"),

		ChallengesPath: getEnv("CHALLENGES_PATH", "challenges.yaml"),
		DomainSuffix:   getEnv("DOMAIN_SUFFIX", ""),
		NamePrefix:     getEnv("NAME_PREFIX", "cornell"),

		InstanceTTL:   GetEnvDuration("INSTANCE_TTL", 4*time.Hour),
		SweepInterval: GetEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		MaxActive:     GetEnvInt("MAX_ACTIVE_INSTANCES", 50),
		WarnActive:    GetEnvInt("WARN_ACTIVE_INSTANCES", 45),

		SessionSecret: getEnv("SESSION_SECRET", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// LoadCatalog reads the challenge definitions. Duplicate IDs and entries
// missing an image or port are configuration errors; failing at startup
// beats serving a catalog that cannot provision.
func LoadCatalog(path string) (map[domain.ChallengeID]domain.ChallengeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (map[domain.ChallengeID]domain.ChallengeDefinition, error) {
	var file struct {
		Challenges []domain.ChallengeDefinition `yaml:"challenges"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse challenge catalog: %w", err)
	}

	catalog := make(map[domain.ChallengeID]domain.ChallengeDefinition, len(file.Challenges))
	for _, def := range file.Challenges {
		if def.ID == "" {
			return nil, fmt.Errorf("challenge with empty id")
		}
		if def.Image == "" {
			return nil, fmt.Errorf("challenge %q has no image", def.ID)
		}
		if def.Port <= 0 || def.Port > 65535 {
			return nil, fmt.Errorf("challenge %q has invalid port %d", def.ID, def.Port)
		}
		if _, dup := catalog[def.ID]; dup {
			return nil, fmt.Errorf("duplicate challenge id %q", def.ID)
		}
		catalog[def.ID] = def
	}
	return catalog, nil
}
