// Package config loads the engine's environment-driven configuration and
// constructs the process-wide structured logger. there is exactly one
// AppConfig, built once in main and passed down by constructor injection;
// no package in this tree reaches for an ambient global.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// AppConfig collects every recognised configuration option from §6 plus the
// ambient options (port, db path, log format) the teacher's config carried.
type AppConfig struct {
	// Port is the TCP port the Coordinator's HTTP façade listens on.
	Port string

	// DBPath is the SQLite file backing internal/store.
	DBPath string

	// LogFormat selects "json" or "text" for NewLogger's handler.
	LogFormat string

	// WorkerCount bounds concurrent in-flight builds (§8 property 3).
	WorkerCount int

	// DefaultTimeoutMinutes / MaxTimeoutMinutes are the build.default_timeout_min
	// and build.max_timeout_min keys.
	DefaultTimeoutMinutes int
	MaxTimeoutMinutes     int

	// DefaultImage is build.default_image, used when a project omits one.
	DefaultImage string

	// ArtifactsRoot is storage.artifacts_root.
	ArtifactsRoot string

	// ArtifactRetentionDays / LogRetentionDays bound the Retention Sweeper.
	ArtifactRetentionDays int
	LogRetentionDays      int

	// ReposRoot is repos.root, the working-tree root for Materialised
	// repositories: <repos-root>/<project-id>/<commit>/.
	ReposRoot string

	// DockerSocketPath is docker.socket_path, the engine socket the
	// Container Runtime Adapter connects to.
	DockerSocketPath string

	// QueueVisibilityTimeout is queue.visibility_timeout, the redelivery
	// window. MUST exceed MaxTimeoutMinutes, enforced by LoadAppConfig.
	QueueVisibilityTimeout time.Duration

	// RetentionSweepInterval is retention.sweep_interval.
	RetentionSweepInterval time.Duration

	// RedisAddr backs the Work Queue's go-redis client.
	RedisAddr string

	// BuildNetwork is carried from the teacher's container networking
	// setup, reused here as the Docker network every build container
	// joins (containerrt.ProvisionConfig.Network).
	BuildNetwork string

	// VaultKeyHex is the 32-byte AES-256-GCM key (hex-encoded) the Secret
	// Vault's AESGCM cipher is built from. there is no sane default; an
	// empty value means the operator must set VAULT_KEY_HEX before secrets
	// can be stored or read.
	VaultKeyHex string

	// AllowedOrigin is the single CORS origin the HTTP façade accepts.
	AllowedOrigin string

	// CoordinatorBaseURL is the externally-reachable base URL of this
	// process's own HTTP façade, used to build the target_url a commit
	// status links back to (e.g. "https://ci.example.com"). defaults to
	// a loopback URL on Port, which only resolves for local development.
	CoordinatorBaseURL string
}

// NewLogger mirrors the teacher's config.NewLogger: a text handler for local
// development, a JSON handler for production, selected by LogFormat, with
// AddSource enabled and a ReplaceAttr hook trimming the source file to its
// basename so log lines stay readable in a terminal.
func NewLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if src, ok := a.Value.Any().(*slog.Source); ok {
					src.File = trimToBasename(src.File)
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func trimToBasename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// LoadAppConfig reads every recognised §6 configuration key from the
// environment, falling back to locally-sane defaults exactly the way the
// teacher's getEnv(key, fallback) does, and validates queue.visibility_timeout
// against build.max_timeout_min per the §6 MUST.
func LoadAppConfig() (AppConfig, error) {
	cfg := AppConfig{
		Port:                  getEnv("PORT", "8080"),
		DBPath:                getEnv("DB_PATH", "./data/enginectl.db"),
		LogFormat:             getEnv("LOG_FORMAT", "text"),
		WorkerCount:           getEnvInt("WORKER_COUNT", 2),
		DefaultTimeoutMinutes: getEnvInt("BUILD_DEFAULT_TIMEOUT_MIN", 15),
		MaxTimeoutMinutes:     getEnvInt("BUILD_MAX_TIMEOUT_MIN", 60),
		DefaultImage:          getEnv("BUILD_DEFAULT_IMAGE", "node:20-alpine"),
		ArtifactsRoot:         getEnv("STORAGE_ARTIFACTS_ROOT", "./data/artifacts"),
		ArtifactRetentionDays: getEnvInt("STORAGE_ARTIFACT_RETENTION_DAYS", 30),
		LogRetentionDays:      getEnvInt("STORAGE_LOG_RETENTION_DAYS", 90),
		ReposRoot:             getEnv("REPOS_ROOT", "./data/repos"),
		DockerSocketPath:      getEnv("DOCKER_SOCKET_PATH", "/var/run/docker.sock"),
		RedisAddr:             getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		BuildNetwork:          getEnv("BUILD_NETWORK", "enginectl"),
		VaultKeyHex:           getEnv("VAULT_KEY_HEX", ""),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "*"),
	}
	cfg.CoordinatorBaseURL = getEnv("COORDINATOR_BASE_URL", "http://localhost:"+cfg.Port)

	visibilityMin := getEnvInt("QUEUE_VISIBILITY_TIMEOUT_MIN", cfg.MaxTimeoutMinutes+5)
	cfg.QueueVisibilityTimeout = time.Duration(visibilityMin) * time.Minute
	if cfg.QueueVisibilityTimeout <= time.Duration(cfg.MaxTimeoutMinutes)*time.Minute {
		cfg.QueueVisibilityTimeout = time.Duration(cfg.MaxTimeoutMinutes+5) * time.Minute
	}

	sweepMin := getEnvInt("RETENTION_SWEEP_INTERVAL_MIN", 60)
	cfg.RetentionSweepInterval = time.Duration(sweepMin) * time.Minute

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
