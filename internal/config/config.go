package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Loop     LoopConfig     `yaml:"loop"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Artifact ArtifactConfig `yaml:"artifact"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
}

type LLMConfig struct {
	Provider string  `yaml:"provider" validate:"oneof=openai gemini groq fake"`
	Model    string  `yaml:"model"`
	APIKey   string  `yaml:"api_key" validate:"required_unless=Provider fake"`
	BaseURL  string  `yaml:"base_url" validate:"omitempty,url"`
	RPS      float64 `yaml:"rps" validate:"gte=0"`
	Burst    int     `yaml:"burst" validate:"gte=0"`
}

type LoopConfig struct {
	MaxIterations int           `yaml:"max_iterations" validate:"gte=1,lte=1000"`
	StepTimeout   time.Duration `yaml:"step_timeout" validate:"gt=0"`
}

type SandboxConfig struct {
	Mode         string `yaml:"mode" validate:"oneof=local docker"`
	Command      string `yaml:"command" validate:"required"`
	DockerBinary string `yaml:"docker_binary"`
	Network      string `yaml:"network"`
	KeepImages   bool   `yaml:"keep_images"`
	BaseImage    string `yaml:"base_image"`
}

type LedgerConfig struct {
	// Target is a CSV path or a postgres://, sqlite://, redis:// or memory:
	// target; comma-separated targets are written together.
	Target string `yaml:"target"`
}

type ArtifactConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key" validate:"required_with=Endpoint"`
	SecretKey string `yaml:"secret_key" validate:"required_with=Endpoint"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	// Dir selects the on-disk store when no endpoint is set.
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	File   string `yaml:"file"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	TraceDir string `yaml:"trace_dir"`
	// KeepRuns bounds the finished runs the API remembers.
	KeepRuns int `yaml:"keep_runs" validate:"gte=0"`
}

// CanUseS3 reports whether the S3 store has everything it needs.
func (a ArtifactConfig) CanUseS3() bool {
	return a.Enabled &&
		strings.TrimSpace(a.Endpoint) != "" &&
		strings.TrimSpace(a.AccessKey) != "" &&
		strings.TrimSpace(a.SecretKey) != "" &&
		strings.TrimSpace(a.Bucket) != ""
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LLM:     LLMConfig{Provider: "openai"},
		Loop:    LoopConfig{MaxIterations: 20, StepTimeout: 300 * time.Second},
		Sandbox: SandboxConfig{Mode: "docker", Command: "python3 ./main.py", DockerBinary: "docker", Network: "none"},
		Ledger:  LedgerConfig{Target: "iterations_log.csv"},
		Artifact: ArtifactConfig{
			Region: "us-east-1",
			Bucket: "codeloop-artifacts",
			UseSSL: true,
			Dir:    ".codeloop/artifacts",
		},
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: ":8081", TraceDir: ".codeloop/run_logs", KeepRuns: 256},
	}
}

// Load reads .env, the optional YAML file at path and the environment, in
// that order of increasing precedence, and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply flag overrides
// first.
func Read(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(key string, set func(string) error) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	boolean := func(dst *bool, key string) {
		num(key, func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*dst = b
			return nil
		})
	}

	str(&cfg.LLM.Provider, "CODELOOP_LLM_PROVIDER")
	cfg.LLM.Provider = strings.ToLower(cfg.LLM.Provider)
	str(&cfg.LLM.Model, "CODELOOP_LLM_MODEL")
	str(&cfg.LLM.BaseURL, "CODELOOP_LLM_BASE_URL")
	num("CODELOOP_LLM_RPS", func(v string) (err error) { cfg.LLM.RPS, err = strconv.ParseFloat(v, 64); return })
	num("CODELOOP_LLM_BURST", func(v string) (err error) { cfg.LLM.Burst, err = strconv.Atoi(v); return })
	cfg.LLM.APIKey = firstNonEmpty(strings.TrimSpace(os.Getenv("CODELOOP_LLM_API_KEY")), providerKey(cfg.LLM.Provider), cfg.LLM.APIKey)

	num("CODELOOP_MAX_ITERATIONS", func(v string) (err error) { cfg.Loop.MaxIterations, err = strconv.Atoi(v); return })
	num("CODELOOP_STEP_TIMEOUT", func(v string) (err error) { cfg.Loop.StepTimeout, err = time.ParseDuration(v); return })

	str(&cfg.Sandbox.Mode, "CODELOOP_SANDBOX_MODE")
	str(&cfg.Sandbox.Command, "CODELOOP_SANDBOX_COMMAND")
	str(&cfg.Sandbox.DockerBinary, "CODELOOP_DOCKER_BINARY")
	str(&cfg.Sandbox.Network, "CODELOOP_SANDBOX_NETWORK")
	str(&cfg.Sandbox.BaseImage, "CODELOOP_BASE_IMAGE")
	boolean(&cfg.Sandbox.KeepImages, "CODELOOP_KEEP_IMAGES")

	str(&cfg.Ledger.Target, "CODELOOP_LEDGER")

	str(&cfg.Artifact.Endpoint, "ARTIFACT_S3_ENDPOINT", "ARTIFACT_MINIO_ENDPOINT")
	str(&cfg.Artifact.Region, "ARTIFACT_S3_REGION")
	str(&cfg.Artifact.AccessKey, "ARTIFACT_S3_ACCESS_KEY", "MINIO_ROOT_USER")
	str(&cfg.Artifact.SecretKey, "ARTIFACT_S3_SECRET_KEY", "MINIO_ROOT_PASSWORD")
	str(&cfg.Artifact.Bucket, "ARTIFACT_S3_BUCKET")
	str(&cfg.Artifact.Dir, "ARTIFACT_DIR")
	boolean(&cfg.Artifact.UseSSL, "ARTIFACT_S3_USE_SSL")
	boolean(&cfg.Artifact.Enabled, "CODELOOP_ARTIFACTS")
	if cfg.Artifact.Endpoint != "" {
		cfg.Artifact.Enabled = true
	}

	str(&cfg.Log.Level, "CODELOOP_LOG_LEVEL")
	str(&cfg.Log.Format, "CODELOOP_LOG_FORMAT")
	str(&cfg.Log.File, "CODELOOP_LOG_FILE")

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if strings.HasPrefix(port, ":") {
			cfg.Server.Addr = port
		} else {
			cfg.Server.Addr = ":" + port
		}
	}
	str(&cfg.Server.Addr, "CODELOOP_ADDR")
	str(&cfg.Server.TraceDir, "CODELOOP_TRACE_DIR")
	num("CODELOOP_KEEP_RUNS", func(v string) (err error) { cfg.Server.KeepRuns, err = strconv.Atoi(v); return })
	return errors.Join(errs...)
}

func providerKey(provider string) string {
	switch provider {
	case "openai":
		return firstNonEmpty(strings.TrimSpace(os.Getenv("OPENAI_API_KEY")), strings.TrimSpace(os.Getenv("OPENAI_KEY")))
	case "gemini":
		return strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	case "groq":
		return strings.TrimSpace(os.Getenv("GROQ_API_KEY"))
	}
	return ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section and reports all violations at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Namespace() + ": " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
