package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// Prompts are the per-kind templates used by the local engine. Each template
// is a fmt format string receiving the retrieved context and the task input.
type Prompts struct {
	Chat      string `toml:"chat"`
	Classify  string `toml:"classify"`
	Moderate  string `toml:"moderate"`
	Recommend string `toml:"recommend"`
}

type LLMConfig struct {
	Provider       string `toml:"provider"`
	Model          string `toml:"model"`
	EmbeddingModel string `toml:"embedding_model"`
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	MaxTokens      int    `toml:"max_tokens"`
}

type DeviceConfig struct {
	ID        string `toml:"id" env:"CORTEX_DEVICE_ID"`
	KeyPath   string `toml:"key_path" env:"CORTEX_DEVICE_KEY_PATH"`
	HMACKey   string `toml:"hmac_key" env:"CORTEX_DEVICE_HMAC_KEY"`
	StatePath string `toml:"state_path" env:"CORTEX_DEVICE_STATE_PATH"`
}

type BudgetConfig struct {
	SessionCap int64 `toml:"session_cap" env:"CORTEX_BUDGET_SESSION_CAP"`
}

type RetrievalConfig struct {
	MemoryCeilingBytes int64   `toml:"memory_ceiling_bytes" env:"CORTEX_RETRIEVAL_MEMORY_CEILING_BYTES"`
	Dimensions         int     `toml:"dimensions"`
	StaleAfterDays     int     `toml:"stale_after_days"`
	TopK               int     `toml:"top_k"`
	MinSimilarity      float64 `toml:"min_similarity"`
}

type PolicyConfig struct {
	CacheDir   string   `toml:"cache_dir" env:"CORTEX_POLICY_CACHE_DIR"`
	PublicKeys []string `toml:"public_keys" env:"CORTEX_POLICY_PUBLIC_KEYS" envSeparator:","`
	Watch      bool     `toml:"watch"`
}

type RemoteConfig struct {
	BaseURL            string `toml:"base_url" env:"CORTEX_REMOTE_BASE_URL"`
	RequestsPerMinute  int    `toml:"requests_per_minute" env:"CORTEX_REMOTE_REQUESTS_PER_MINUTE"`
	TokensPerHour      int64  `toml:"tokens_per_hour" env:"CORTEX_REMOTE_TOKENS_PER_HOUR"`
	TimeoutSeconds     int    `toml:"timeout_seconds" env:"CORTEX_REMOTE_TIMEOUT_SECONDS"`
	TelemetryBuffer    int    `toml:"telemetry_buffer"`
	RefreshIntervalMin int    `toml:"refresh_interval_minutes"`
}

type FederatedConfig struct {
	Enabled              bool    `toml:"enabled" env:"CORTEX_FEDERATED_ENABLED"`
	EpsilonPerRound      float64 `toml:"epsilon_per_round"`
	MonthlyEpsilonBudget float64 `toml:"monthly_epsilon_budget"`
	MaxRoundsPerDay      int     `toml:"max_rounds_per_day"`
	Sensitivity          float64 `toml:"sensitivity"`
	MinSamples           int     `toml:"min_samples"`
	DeltaLength          int     `toml:"delta_length"`
	IntervalMinutes      int     `toml:"interval_minutes"`
}

type TelemetryConfig struct {
	BatchSize            int `toml:"batch_size"`
	FlushIntervalSeconds int `toml:"flush_interval_seconds"`
}

type ModelsConfig struct {
	MemoryCeilingBytes int64 `toml:"memory_ceiling_bytes" env:"CORTEX_MODELS_MEMORY_CEILING_BYTES"`
}

type OrchestratorConfig struct {
	HybridConfidenceThreshold float64            `toml:"hybrid_confidence_threshold"`
	AlwaysLocalKinds          []string           `toml:"always_local_kinds"`
	LocalConfidencePrior      map[string]float64 `toml:"local_confidence_prior"`
}

type StorageConfig struct {
	Backend    string `toml:"backend" env:"CORTEX_STORAGE_BACKEND"` // sqlite, memgraph or memory
	SQLitePath string `toml:"sqlite_path" env:"CORTEX_STORAGE_SQLITE_PATH"`
}

type MemgraphConfig struct {
	URI      string `toml:"uri" env:"MEMGRAPH_URI"`
	User     string `toml:"user" env:"MEMGRAPH_USER"`
	Password string `toml:"password" env:"MEMGRAPH_PASSWORD"`
}

type ServerConfig struct {
	Port string `toml:"port" env:"PORT"`
}

type TracingConfig struct {
	Endpoint    string `toml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `toml:"service_name" env:"OTEL_SERVICE_NAME"`
}

type Config struct {
	Device       DeviceConfig       `toml:"device"`
	Budget       BudgetConfig       `toml:"budget"`
	Retrieval    RetrievalConfig    `toml:"retrieval"`
	Policy       PolicyConfig       `toml:"policy"`
	Remote       RemoteConfig       `toml:"remote"`
	Federated    FederatedConfig    `toml:"federated"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Models       ModelsConfig       `toml:"models"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	LocalLLM     LLMConfig          `toml:"local_llm"`
	RemoteLLM    LLMConfig          `toml:"remote_llm"`
	Embedding    LLMConfig          `toml:"embedding"`
	Storage      StorageConfig      `toml:"storage"`
	Memgraph     MemgraphConfig     `toml:"memgraph"`
	Server       ServerConfig       `toml:"server"`
	Tracing      TracingConfig      `toml:"tracing"`
	Prompts      Prompts            `toml:"prompts"`
}

// Default returns the configuration used when no file is given; values not
// set in a loaded file keep these defaults.
func Default() *Config {
	return &Config{
		Device:    DeviceConfig{StatePath: "data/device.json"},
		Budget:    BudgetConfig{SessionCap: 200000},
		Retrieval: RetrievalConfig{MemoryCeilingBytes: 50 << 20, StaleAfterDays: 30, TopK: 5, MinSimilarity: 0.2},
		Policy:    PolicyConfig{CacheDir: "data/policies", Watch: true},
		Remote: RemoteConfig{
			RequestsPerMinute:  60,
			TokensPerHour:      100000,
			TimeoutSeconds:     30,
			TelemetryBuffer:    100,
			RefreshIntervalMin: 15,
		},
		Federated: FederatedConfig{
			EpsilonPerRound:      1.0,
			MonthlyEpsilonBudget: 10.0,
			MaxRoundsPerDay:      3,
			Sensitivity:          1.0,
			MinSamples:           10,
			DeltaLength:          64,
			IntervalMinutes:      60,
		},
		Telemetry: TelemetryConfig{BatchSize: 50, FlushIntervalSeconds: 300},
		Models:    ModelsConfig{MemoryCeilingBytes: 150 << 20},
		Orchestrator: OrchestratorConfig{
			HybridConfidenceThreshold: 0.7,
			AlwaysLocalKinds:          []string{"moderate", "classify"},
			LocalConfidencePrior: map[string]float64{
				"chat":      0.6,
				"classify":  0.85,
				"moderate":  0.9,
				"recommend": 0.75,
			},
		},
		LocalLLM:  LLMConfig{Provider: "ollama", Model: "llama3.2:1b", BaseURL: "http://localhost:11434", MaxTokens: 512},
		Embedding: LLMConfig{Provider: "hash"},
		Storage:   StorageConfig{Backend: "sqlite", SQLitePath: "data/cortex.db"},
		Memgraph:  MemgraphConfig{URI: "bolt://localhost:7687"},
		Server:    ServerConfig{Port: "8080"},
		Tracing:   TracingConfig{ServiceName: "cortex"},
		Prompts:   DefaultPrompts(),
	}
}

func DefaultPrompts() Prompts {
	return Prompts{
		Chat: `You are an assistant running on the user's device.
Context:
%s

User: %s

Respond with JSON: {"text": "<reply>", "confidence": <0..1>}`,
		Classify: `Classify the text into exactly one of these labels: %[3]s.
Context:
%[1]s

Text: %[2]s

Respond with JSON: {"label": "<label>", "confidence": <0..1>}`,
		Moderate: `Decide whether the text violates content guidelines.
Context:
%s

Text: %s

Respond with JSON: {"flagged": <true|false>, "categories": ["<category>"], "confidence": <0..1>}`,
		Recommend: `Rank the candidate items for the user.
Context:
%[1]s

User context: %[2]s
Candidates: %[3]s

Respond with JSON: {"items": ["<id>", ...], "confidence": <0..1>}`,
	}
}

// Load reads the TOML file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	fillPrompts(&cfg.Prompts)

	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Unset variables leave
// the loaded values untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		cfg.RemoteLLM.Provider = provider
	}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		cfg.RemoteLLM.Model = model
	}
	if key := firstEnv("LLM_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY"); key != "" && cfg.RemoteLLM.APIKey == "" {
		cfg.RemoteLLM.APIKey = key
	}
	if url := os.Getenv("OLLAMA_BASE_URL"); url != "" {
		cfg.LocalLLM.BaseURL = url
	}
	return nil
}

func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

func (c *Config) TelemetryFlushInterval() time.Duration {
	return time.Duration(c.Telemetry.FlushIntervalSeconds) * time.Second
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Remote.RefreshIntervalMin) * time.Minute
}

func (c *Config) FederatedInterval() time.Duration {
	return time.Duration(c.Federated.IntervalMinutes) * time.Minute
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Retrieval.StaleAfterDays) * 24 * time.Hour
}

func fillPrompts(p *Prompts) {
	def := DefaultPrompts()
	if p.Chat == "" {
		p.Chat = def.Chat
	}
	if p.Classify == "" {
		p.Classify = def.Classify
	}
	if p.Moderate == "" {
		p.Moderate = def.Moderate
	}
	if p.Recommend == "" {
		p.Recommend = def.Recommend
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
