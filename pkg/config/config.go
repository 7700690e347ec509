// Configuration loading from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all autoscaler settings.
type Config struct {
	// Cluster identity and bounds
	ClusterID string
	MinNodes  int
	MaxNodes  int

	// Control loop
	RunInterval   time.Duration
	ListenAddr    string
	EnableForecast bool
	EnableCustomSignal bool

	// Metrics source (Prometheus)
	PrometheusURL      string
	PrometheusUser     string
	PrometheusPassword string
	MetricsCacheTTL    time.Duration

	// State store (Redis)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Audit trail (etcd)
	EtcdEndpoints   []string
	EtcdDialTimeout time.Duration

	// Cloud compute
	AWSRegion          string
	WorkerTemplateID   string
	SpotTemplateID     string
	SubnetIDs          []string
	SubnetZones        map[string]string
	SpotInstanceType   string
	SpotTargetPercent  int
	ClusterTag         string
	RoleTag            string

	// Lifecycle timeouts
	NodeReadyTimeout   time.Duration
	DrainTimeout       time.Duration
	InterruptionDrainTimeout time.Duration
	PollInterval       time.Duration
	EvictionGracePeriod time.Duration

	// Scaling behavior
	LockStalenessWindow time.Duration
	HistorySize         int

	// Kubernetes
	KubeConfigPath string

	// Notification
	SlackWebhookURL string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ClusterID: getString("FLEET_CLUSTER_ID", "node-fleet-cluster"),
		MinNodes:  getInt("FLEET_MIN_NODES", 2),
		MaxNodes:  getInt("FLEET_MAX_NODES", 10),

		RunInterval:        getDuration("FLEET_RUN_INTERVAL", 2*time.Minute),
		ListenAddr:         getString("FLEET_LISTEN_ADDR", ":8089"),
		EnableForecast:     getBool("FLEET_ENABLE_FORECAST", true),
		EnableCustomSignal: getBool("FLEET_ENABLE_CUSTOM_SIGNAL", false),

		PrometheusURL:      getString("FLEET_PROMETHEUS_URL", ""),
		PrometheusUser:     getString("FLEET_PROMETHEUS_USER", ""),
		PrometheusPassword: getString("FLEET_PROMETHEUS_PASSWORD", ""),
		MetricsCacheTTL:    getDuration("FLEET_METRICS_CACHE_TTL", 30*time.Second),

		RedisAddr:     getString("FLEET_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getString("FLEET_REDIS_PASSWORD", ""),
		RedisDB:       getInt("FLEET_REDIS_DB", 0),

		EtcdEndpoints:   getStringSlice("FLEET_ETCD_ENDPOINTS", nil),
		EtcdDialTimeout: getDuration("FLEET_ETCD_TIMEOUT", 10*time.Second),

		AWSRegion:         getString("FLEET_AWS_REGION", "ap-south-1"),
		WorkerTemplateID:  getString("FLEET_WORKER_TEMPLATE_ID", ""),
		SpotTemplateID:    getString("FLEET_SPOT_TEMPLATE_ID", ""),
		SubnetIDs:         getStringSlice("FLEET_SUBNET_IDS", nil),
		SubnetZones:       getStringMap("FLEET_SUBNET_ZONES", nil),
		SpotInstanceType:  getString("FLEET_SPOT_INSTANCE_TYPE", ""),
		SpotTargetPercent: getInt("FLEET_SPOT_PERCENTAGE", 70),
		ClusterTag:        getString("FLEET_CLUSTER_TAG", "Cluster"),
		RoleTag:           getString("FLEET_ROLE_TAG_VALUE", "fleet-worker"),

		NodeReadyTimeout:         getDuration("FLEET_NODE_READY_TIMEOUT", 5*time.Minute),
		DrainTimeout:             getDuration("FLEET_DRAIN_TIMEOUT", 5*time.Minute),
		InterruptionDrainTimeout: getDuration("FLEET_INTERRUPTION_DRAIN_TIMEOUT", 2*time.Minute),
		PollInterval:             getDuration("FLEET_POLL_INTERVAL", 10*time.Second),
		EvictionGracePeriod:      getDuration("FLEET_EVICTION_GRACE", 30*time.Second),

		LockStalenessWindow: getDuration("FLEET_LOCK_STALENESS", 5*time.Minute),
		HistorySize:         getInt("FLEET_HISTORY_SIZE", 10),

		KubeConfigPath: getString("KUBECONFIG", ""),

		SlackWebhookURL: getString("FLEET_SLACK_WEBHOOK_URL", ""),

		LogLevel: getString("FLEET_LOG_LEVEL", "info"),
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.ClusterID == "" {
		return &fieldError{"ClusterID", "cannot be empty"}
	}
	if c.MinNodes < 0 {
		return &fieldError{"MinNodes", "must be >= 0"}
	}
	if c.MaxNodes < c.MinNodes {
		return &fieldError{"MaxNodes", "must be >= MinNodes"}
	}
	if c.RedisAddr == "" {
		return &fieldError{"RedisAddr", "cannot be empty"}
	}
	if c.PrometheusURL == "" {
		return &fieldError{"PrometheusURL", "cannot be empty"}
	}
	if c.WorkerTemplateID == "" {
		return &fieldError{"WorkerTemplateID", "cannot be empty"}
	}
	if len(c.SubnetIDs) == 0 {
		return &fieldError{"SubnetIDs", "at least one subnet required"}
	}
	if c.SpotTargetPercent < 0 || c.SpotTargetPercent > 100 {
		return &fieldError{"SpotTargetPercent", "must be between 0 and 100"}
	}
	if c.RunInterval <= 0 {
		return &fieldError{"RunInterval", "must be positive"}
	}
	if c.HistorySize < 1 {
		return &fieldError{"HistorySize", "must be >= 1"}
	}
	return nil
}

type fieldError struct {
	field  string
	reason string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("config validation error: %s %s", e.field, e.reason)
}

// Typed environment getters.

func getString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func getStringMap(key string, defaultValue map[string]string) map[string]string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	result := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(pair), "=")
		if found && k != "" && v != "" {
			result[k] = v
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
