package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/xhad/reliabledb/pkg/logger"
	"github.com/xhad/reliabledb/pkg/retry"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        logger.Config    `yaml:"log"`
	Search     SearchConfig     `yaml:"search"`
	Collector  CollectorConfig  `yaml:"collector"`
	Domains    []Domain         `yaml:"domains"`
	Scraper    ScraperConfig    `yaml:"scraper"`
	LLM        LLMConfig        `yaml:"llm"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Embedder   EmbedderConfig   `yaml:"embedder"`
	Indexer    IndexerConfig    `yaml:"indexer"`
	Store      StoreConfig      `yaml:"store"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Server     ServerConfig     `yaml:"server"`
}

type SearchConfig struct {
	Provider     string        `yaml:"provider"`
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	GL           string        `yaml:"gl"`
	HL           string        `yaml:"hl"`
	LookbackDays int           `yaml:"lookback_days"`
	QueryTerms   []string      `yaml:"query_terms"`
	PageSize     int           `yaml:"page_size"`
	Timeout      time.Duration `yaml:"timeout"`
}

type CollectorConfig struct {
	Workers  int           `yaml:"workers"`
	MaxPages int           `yaml:"max_pages"`
	MinWait  time.Duration `yaml:"min_wait"`
	MaxWait  time.Duration `yaml:"max_wait"`
	Retry    retry.Config  `yaml:"retry"`
}

// Domain is one entry of the source allow-list.
type Domain struct {
	Domain           string `yaml:"domain"`
	PublicationToken string `yaml:"publication_token"`
	Lean             string `yaml:"lean"`
}

type ScraperConfig struct {
	Workers        int           `yaml:"workers"`
	RateLimit      float64       `yaml:"rate_limit"`
	Timeout        time.Duration `yaml:"timeout"`
	UserAgents     []string      `yaml:"user_agents"`
	IgnoreRobots   bool          `yaml:"ignore_robots"`
	IgnorePatterns []string      `yaml:"ignore_patterns"`
	MinTextLength  int           `yaml:"min_text_length"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Retry          retry.Config  `yaml:"retry"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

type SummarizerConfig struct {
	Model           string        `yaml:"model"`
	Temperature     float64       `yaml:"temperature"`
	MaxTokens       int           `yaml:"max_tokens"`
	MaxInputTokens  int           `yaml:"max_input_tokens"`
	MaxInputChars   int           `yaml:"max_input_chars"`
	MaxSentences    int           `yaml:"max_sentences"`
	MaxSummaryChars int           `yaml:"max_summary_chars"`
	Workers         int           `yaml:"workers"`
	RateLimit       float64       `yaml:"rate_limit"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Retry           retry.Config  `yaml:"retry"`
}

type EmbedderConfig struct {
	Model     string        `yaml:"model"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SplitConfig struct {
	Mode         string `yaml:"mode"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
}

type IndexerConfig struct {
	DistanceMetric string        `yaml:"distance_metric"`
	Split          SplitConfig   `yaml:"split"`
	Workers        int           `yaml:"workers"`
	Timeout        time.Duration `yaml:"timeout"`
	Retry          retry.Config  `yaml:"retry"`
}

type StoreConfig struct {
	StatePath     string `yaml:"state_path"`
	VectorBackend string `yaml:"vector_backend"`
	VectorPath    string `yaml:"vector_path"`
	DatabaseURL   string `yaml:"database_url"`
	TableName     string `yaml:"table_name"`
	VectorDim     int    `yaml:"vector_dim"`
}

type PipelineConfig struct {
	OnFatal          string   `yaml:"on_fatal"`
	FailOnItemErrors bool     `yaml:"fail_on_item_errors"`
	Stages           []string `yaml:"stages"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	DefaultK int    `yaml:"default_k"`
}

var StageNames = []string{"collect", "scrape", "summarize", "index"}

func LoadConfig(path string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/reliabledb/config.yaml"),
			"/etc/reliabledb/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := seeded()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

// Default returns the built-in configuration without reading files or
// the environment.
func Default() *Config {
	config := seeded()
	applyDefaults(&config)
	return &config
}

func getDefaultConfig() (*Config, error) {
	config := seeded()
	mergeWithEnv(&config)
	applyDefaults(&config)
	return &config, nil
}

// seeded holds the defaults whose zero value is meaningful. They are set
// before decoding, so a file can still set them to zero: min_wait and
// max_wait of 0s turn the polite wait off.
func seeded() Config {
	return Config{
		Collector: CollectorConfig{
			MinWait: time.Second,
			MaxWait: 5 * time.Second,
		},
	}
}

func applyDefaults(config *Config) {
	config.Log.SetDefaults()

	if config.Search.Provider == "" {
		config.Search.Provider = "serpapi"
	}
	if config.Search.BaseURL == "" {
		config.Search.BaseURL = "https://serpapi.com/search.json"
	}
	if config.Search.GL == "" {
		config.Search.GL = "us"
	}
	if config.Search.HL == "" {
		config.Search.HL = "en"
	}
	if config.Search.LookbackDays == 0 {
		config.Search.LookbackDays = 14
	}
	if config.Search.PageSize == 0 {
		config.Search.PageSize = 100
	}
	if config.Search.Timeout == 0 {
		config.Search.Timeout = 30 * time.Second
	}

	if config.Collector.Workers == 0 {
		config.Collector.Workers = 1
	}
	if config.Collector.MaxPages == 0 {
		config.Collector.MaxPages = 3
	}
	if len(config.Domains) == 0 {
		config.Domains = DefaultDomains()
	}

	if config.Scraper.Workers == 0 {
		config.Scraper.Workers = 4
	}
	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2.0
	}
	if config.Scraper.Timeout == 0 {
		config.Scraper.Timeout = 30 * time.Second
	}
	if len(config.Scraper.UserAgents) == 0 {
		config.Scraper.UserAgents = DefaultUserAgents()
	}
	if config.Scraper.MinTextLength == 0 {
		config.Scraper.MinTextLength = 200
	}
	if config.Scraper.MaxBodyBytes == 0 {
		config.Scraper.MaxBodyBytes = 5 << 20
	}
	if config.Scraper.MaxAttempts == 0 {
		config.Scraper.MaxAttempts = 3
	}

	if config.LLM.Provider == "" {
		config.LLM.Provider = "ollama"
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == "ollama" {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Summarizer.Model == "" {
		if config.LLM.Provider == "openai" {
			config.Summarizer.Model = "gpt-3.5-turbo"
		} else {
			config.Summarizer.Model = "mistral"
		}
	}
	if config.Summarizer.MaxTokens == 0 {
		config.Summarizer.MaxTokens = 300
	}
	if config.Summarizer.MaxInputTokens == 0 {
		config.Summarizer.MaxInputTokens = 3500
	}
	if config.Summarizer.MaxSentences == 0 {
		config.Summarizer.MaxSentences = 3
	}
	if config.Summarizer.MaxSummaryChars == 0 {
		config.Summarizer.MaxSummaryChars = 800
	}
	if config.Summarizer.Workers == 0 {
		config.Summarizer.Workers = 2
	}
	if config.Summarizer.RateLimit == 0 {
		config.Summarizer.RateLimit = 1.0
	}
	if config.Summarizer.Timeout == 0 {
		config.Summarizer.Timeout = 2 * time.Minute
	}
	if config.Summarizer.MaxAttempts == 0 {
		config.Summarizer.MaxAttempts = 3
	}
	if config.Summarizer.Retry.MaxAttempts == 0 {
		config.Summarizer.Retry = retry.Config{
			MaxAttempts:  6,
			InitialDelay: time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.5,
		}
	}

	if config.Embedder.Model == "" {
		if config.LLM.Provider == "openai" {
			config.Embedder.Model = "text-embedding-3-small"
		} else {
			config.Embedder.Model = "nomic-embed-text:latest"
		}
	}
	if config.Embedder.BatchSize == 0 {
		config.Embedder.BatchSize = 32
	}
	if config.Embedder.Timeout == 0 {
		config.Embedder.Timeout = time.Minute
	}

	if config.Indexer.DistanceMetric == "" {
		config.Indexer.DistanceMetric = "cosine"
	}
	if config.Indexer.Split.Mode == "" {
		config.Indexer.Split.Mode = "none"
	}
	if config.Indexer.Split.ChunkSize == 0 {
		config.Indexer.Split.ChunkSize = 500
	}
	if config.Indexer.Split.ChunkOverlap == 0 {
		config.Indexer.Split.ChunkOverlap = 50
	}
	if config.Indexer.Workers == 0 {
		config.Indexer.Workers = 2
	}
	if config.Indexer.Timeout == 0 {
		config.Indexer.Timeout = 30 * time.Second
	}

	if config.Store.StatePath == "" {
		config.Store.StatePath = "data/reliabledb.db"
	}
	if config.Store.VectorBackend == "" {
		if config.Store.DatabaseURL != "" {
			config.Store.VectorBackend = "pgvector"
		} else {
			config.Store.VectorBackend = "sqlite"
		}
	}
	if config.Store.VectorPath == "" {
		config.Store.VectorPath = "data/vectors.db"
	}
	if config.Store.TableName == "" {
		config.Store.TableName = "article_summaries"
	}
	if config.Store.VectorDim == 0 {
		if config.LLM.Provider == "openai" {
			config.Store.VectorDim = 1536
		} else {
			config.Store.VectorDim = 768
		}
	}

	if config.Pipeline.OnFatal == "" {
		config.Pipeline.OnFatal = "halt"
	}
	if len(config.Pipeline.Stages) == 0 {
		config.Pipeline.Stages = append([]string(nil), StageNames...)
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
	if config.Server.DefaultK == 0 {
		config.Server.DefaultK = 5
	}
}

func mergeWithEnv(config *Config) {
	if key := os.Getenv("SERP_API_KEY"); key != "" {
		config.Search.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && config.LLM.Provider != "ollama" {
		config.LLM.APIKey = key
		if config.LLM.Provider == "" {
			config.LLM.Provider = "openai"
		}
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" && config.LLM.Provider != "openai" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Store.DatabaseURL = dbURL
	}
	if path := os.Getenv("STATE_DB_PATH"); path != "" {
		config.Store.StatePath = path
	}
	if metric := os.Getenv("RELIABLEDB_DISTANCE"); metric != "" {
		config.Indexer.DistanceMetric = strings.ToLower(metric)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}
