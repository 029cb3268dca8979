package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".taskforge/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"taskforge/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

// OrchestrationEnv holds the tunables of the delegation and escalation
// policies. The spec treats these as policy choices, so they are
// configuration rather than constants.
type OrchestrationEnv struct {
	RegistryPath string `envconfig:"REGISTRY_PATH" default:".taskforge/workers.yaml"`
	// DispatchTimeout is the default stall timeout when a goal does not
	// carry its own.
	DispatchTimeout time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"10m"`
	// MaxRetries bounds mechanical retries per task before converting to
	// an escalation.
	MaxRetries int `envconfig:"MAX_RETRIES" default:"3"`
	// TrackedChecklistMin is the checklist length at which a task becomes
	// tracked instead of fire-and-forget.
	TrackedChecklistMin int `envconfig:"TRACKED_CHECKLIST_MIN" default:"2"`
	// ConfidenceTieCount is the number of equally ranked workers that
	// downgrades escalation confidence to Medium.
	ConfidenceTieCount int `envconfig:"CONFIDENCE_TIE_COUNT" default:"2"`
}

type Env struct {
	BaseEnv
	StorageEnv
	OrchestrationEnv
}

const namespace = "TASKFORGE"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func OrchestrationEnvFromEnv(env *Env) *OrchestrationEnv {
	return &env.OrchestrationEnv
}
