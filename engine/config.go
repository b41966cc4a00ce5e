package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"delver/engine/models"
)

// Config is the engine's unified configuration surface. Zero values are
// normalized by Defaults; Validate reports models.ErrConfigInvalid problems
// before any run starts.
type Config struct {
	LLM         LLMConfig        `yaml:"llm" json:"llm"`
	Search      SearchConfig     `yaml:"search" json:"search"`
	Scrape      ScrapeConfig     `yaml:"scrape" json:"scrape"`
	Costs       CostConfig       `yaml:"costs" json:"costs"`
	Checkpoints CheckpointConfig `yaml:"checkpoints" json:"checkpoints"`
	Report      ReportConfig     `yaml:"report" json:"report"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Run         RunConfig        `yaml:"run" json:"run"`
}

// LLMConfig names the three provider roles and their transport settings.
type LLMConfig struct {
	PrimaryModel    string  `yaml:"primary_model" json:"primary_model"`
	FallbackModel   string  `yaml:"fallback_model" json:"fallback_model"`
	BudgetModel     string  `yaml:"budget_model" json:"budget_model"`
	Temperature     float32 `yaml:"temperature" json:"temperature"`
	AnthropicAPIKey string  `yaml:"anthropic_api_key" json:"-"`
	OpenAIAPIKey    string  `yaml:"openai_api_key" json:"-"`
	OpenAIBaseURL   string  `yaml:"openai_base_url" json:"openai_base_url,omitempty"`
	TimeoutSeconds  int     `yaml:"timeout_s" json:"timeout_s"`

	// Price cards (USD per million tokens) used for cost accounting.
	PrimaryInputPerMTok   float64 `yaml:"primary_input_per_mtok" json:"primary_input_per_mtok"`
	PrimaryOutputPerMTok  float64 `yaml:"primary_output_per_mtok" json:"primary_output_per_mtok"`
	FallbackInputPerMTok  float64 `yaml:"fallback_input_per_mtok" json:"fallback_input_per_mtok"`
	FallbackOutputPerMTok float64 `yaml:"fallback_output_per_mtok" json:"fallback_output_per_mtok"`
	BudgetInputPerMTok    float64 `yaml:"budget_input_per_mtok" json:"budget_input_per_mtok"`
	BudgetOutputPerMTok   float64 `yaml:"budget_output_per_mtok" json:"budget_output_per_mtok"`
}

// SearchConfig tunes query execution and result filtering.
type SearchConfig struct {
	MaxResults       int     `yaml:"max_results" json:"max_results"`
	Depth            string  `yaml:"depth" json:"depth"`
	MinScore         float64 `yaml:"min_score" json:"min_score"`
	MaxConcurrent    int     `yaml:"max_concurrent" json:"max_concurrent"`
	InterCallDelayMS int     `yaml:"inter_call_delay_ms" json:"inter_call_delay_ms"`
	TavilyAPIKey     string  `yaml:"tavily_api_key" json:"-"`
	SearxNGURL       string  `yaml:"searxng_url" json:"searxng_url,omitempty"`
}

// ScrapeConfig tunes extraction quality policy.
type ScrapeConfig struct {
	QualityReject  float64 `yaml:"quality_reject" json:"quality_reject"`
	QualityAccept  float64 `yaml:"quality_accept" json:"quality_accept"`
	TimeoutSeconds int     `yaml:"timeout_s" json:"timeout_s"`
	MaxConcurrent  int     `yaml:"max_concurrent" json:"max_concurrent"`
	UserAgent      string  `yaml:"user_agent" json:"user_agent"`
}

// CostConfig bounds spend per run.
type CostConfig struct {
	MaxPerRun      float64 `yaml:"max_per_run" json:"max_per_run"`
	WarnFraction   float64 `yaml:"warn_fraction" json:"warn_fraction"`
	ReduceFraction float64 `yaml:"reduce_fraction" json:"reduce_fraction"`
	CacheFraction  float64 `yaml:"cache_fraction" json:"cache_fraction"`
}

// CheckpointConfig locates and bounds the persistence stream.
type CheckpointConfig struct {
	Dir     string `yaml:"dir" json:"dir"`
	MaxKeep int    `yaml:"max_keep" json:"max_keep"`
}

// ReportConfig shapes the final deliverable.
type ReportConfig struct {
	MaxWords  int    `yaml:"max_words" json:"max_words"`
	OutputDir string `yaml:"output_dir" json:"output_dir"`
}

// TelemetryConfig selects observability backends.
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsBackend string `yaml:"metrics_backend" json:"metrics_backend"`
}

// RunConfig bounds overall execution.
type RunConfig struct {
	DeadlineSeconds int `yaml:"deadline_s" json:"deadline_s"`
}

// Defaults normalizes unset fields to the documented defaults.
func (c Config) Defaults() Config {
	if c.LLM.PrimaryModel == "" {
		c.LLM.PrimaryModel = "claude-sonnet-4-5"
	}
	if c.LLM.FallbackModel == "" {
		c.LLM.FallbackModel = "gpt-4o"
	}
	if c.LLM.BudgetModel == "" {
		c.LLM.BudgetModel = "gpt-4o-mini"
	}
	if c.LLM.Temperature <= 0 {
		c.LLM.Temperature = 0.1
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.Search.MaxResults <= 0 {
		c.Search.MaxResults = 10
	}
	if c.Search.Depth == "" {
		c.Search.Depth = "advanced"
	}
	if c.Search.MinScore <= 0 {
		c.Search.MinScore = 0.3
	}
	if c.Search.MaxConcurrent <= 0 {
		c.Search.MaxConcurrent = 3
	}
	if c.Search.InterCallDelayMS <= 0 {
		c.Search.InterCallDelayMS = 500
	}
	if c.Scrape.QualityReject <= 0 {
		c.Scrape.QualityReject = 0.3
	}
	if c.Scrape.QualityAccept <= 0 {
		c.Scrape.QualityAccept = 0.7
	}
	if c.Scrape.TimeoutSeconds <= 0 {
		c.Scrape.TimeoutSeconds = 30
	}
	if c.Scrape.MaxConcurrent <= 0 {
		c.Scrape.MaxConcurrent = 4
	}
	if c.Scrape.UserAgent == "" {
		c.Scrape.UserAgent = "delver/1.0 (research agent)"
	}
	if c.Costs.MaxPerRun <= 0 {
		c.Costs.MaxPerRun = 2.00
	}
	if c.Costs.WarnFraction <= 0 {
		c.Costs.WarnFraction = 0.80
	}
	if c.Costs.ReduceFraction <= 0 {
		c.Costs.ReduceFraction = 0.80
	}
	if c.Costs.CacheFraction <= 0 {
		c.Costs.CacheFraction = 0.95
	}
	if c.Checkpoints.Dir == "" {
		c.Checkpoints.Dir = "checkpoints"
	}
	if c.Checkpoints.MaxKeep <= 0 {
		c.Checkpoints.MaxKeep = 5
	}
	if c.Report.MaxWords <= 0 {
		c.Report.MaxWords = 10000
	}
	if c.Report.OutputDir == "" {
		c.Report.OutputDir = "reports"
	}
	if c.Telemetry.MetricsBackend == "" {
		c.Telemetry.MetricsBackend = "prometheus"
	}
	return c
}

// Validate rejects configurations that cannot produce a sane run.
func (c Config) Validate() error {
	if c.Costs.MaxPerRun <= 0 {
		return fmt.Errorf("%w: costs.max_per_run must be positive", models.ErrConfigInvalid)
	}
	if c.Scrape.QualityReject >= c.Scrape.QualityAccept {
		return fmt.Errorf("%w: scrape.quality_reject must be below quality_accept", models.ErrConfigInvalid)
	}
	if c.Search.MinScore < 0 || c.Search.MinScore > 1 {
		return fmt.Errorf("%w: search.min_score must be in [0,1]", models.ErrConfigInvalid)
	}
	if c.Costs.ReduceFraction >= c.Costs.CacheFraction {
		return fmt.Errorf("%w: costs.reduce_fraction must be below cache_fraction", models.ErrConfigInvalid)
	}
	switch c.Search.Depth {
	case "basic", "advanced":
	default:
		return fmt.Errorf("%w: search.depth must be basic or advanced", models.ErrConfigInvalid)
	}
	return nil
}

// LoadConfig reads a yaml config file, applies defaults, and validates.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("%w: read config: %v", models.ErrConfigInvalid, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse config: %v", models.ErrConfigInvalid, err)
		}
	}
	cfg = cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LLMTimeout returns the configured LLM call timeout.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}
