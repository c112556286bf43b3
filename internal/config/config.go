package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Plan     PlanConfig     `mapstructure:"plan"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Features FeatureConfig  `mapstructure:"features"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	// URL is lazy-checked: loading config without it succeeds, opening
	// a connection without it fails.
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type WorkerConfig struct {
	Timezone           string `mapstructure:"timezone"`
	DailyHour          int    `mapstructure:"daily_hour"`
	DailyMinute        int    `mapstructure:"daily_minute"`
	PostHour           int    `mapstructure:"post_hour"`
	PostMinute         int    `mapstructure:"post_minute"`
	PostingPollSeconds int    `mapstructure:"posting_poll_seconds"`
	PostingBatchSize   int    `mapstructure:"posting_batch_size"`
	PostsPerDay        int    `mapstructure:"posts_per_day"`
	LogDir             string `mapstructure:"log_dir"`
	TargetHandles      string `mapstructure:"target_handles"`
	ResearchTopic      string `mapstructure:"research_topic"`
}

// Location resolves the worker timezone, falling back to UTC.
func (w WorkerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type PlanConfig struct {
	ThreadRatio            float64 `mapstructure:"thread_ratio"`
	ReplyRatio             float64 `mapstructure:"reply_ratio"`
	QuoteRatio             float64 `mapstructure:"quote_ratio"`
	AllowURLForValidation  bool    `mapstructure:"allow_url_for_validation"`
	PostingUsageReconcile  bool    `mapstructure:"posting_usage_reconcile"`
}

type BudgetConfig struct {
	PlanLLMCost         float64 `mapstructure:"plan_llm_cost"`
	XSearchCost         float64 `mapstructure:"x_search_cost"`
	WebSearchCost       float64 `mapstructure:"web_search_cost"`
	WebFetchLLMCost     float64 `mapstructure:"web_fetch_llm_cost"`
	WebSummarizeLLMCost float64 `mapstructure:"web_summarize_llm_cost"`
	TargetPostFetchCost float64 `mapstructure:"target_post_fetch_cost"`
}

type LimitsConfig struct {
	XSearchMax         int `mapstructure:"x_search_max"`
	WebSearchMax       int `mapstructure:"web_search_max"`
	WebFetchMax        int `mapstructure:"web_fetch_max"`
	SearchTopK         int `mapstructure:"search_top_k"`
	SearchSnippetLimit int `mapstructure:"search_snippet_limit"`
}

type FeatureConfig struct {
	UseRealX           bool `mapstructure:"use_real_x"`
	UseGeminiWebSearch bool `mapstructure:"use_gemini_web_search"`
	UseGeminiSummarize bool `mapstructure:"use_gemini_summarize"`
	UseXUsage          bool `mapstructure:"use_x_usage"`
}

type OAuthConfig struct {
	ClientID     string  `mapstructure:"client_id"`
	ClientSecret string  `mapstructure:"client_secret"`
	RedirectURI  string  `mapstructure:"redirect_uri"`
	BearerToken  string  `mapstructure:"bearer_token"`
	UserID       string  `mapstructure:"user_id"`
	UnitPrice    float64 `mapstructure:"unit_price"` // 0 means not configured
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	MaxBytes     int           `mapstructure:"max_bytes"`
	MaxChars     int           `mapstructure:"max_chars"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	setDefaults()
	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg = &config
	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "60s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	viper.SetDefault("database.max_connections", 20)
	viper.SetDefault("database.max_idle_connections", 5)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	viper.SetDefault("worker.timezone", "UTC")
	viper.SetDefault("worker.daily_hour", 6)
	viper.SetDefault("worker.daily_minute", 0)
	viper.SetDefault("worker.post_hour", 9)
	viper.SetDefault("worker.post_minute", 0)
	viper.SetDefault("worker.posting_poll_seconds", 60)
	viper.SetDefault("worker.posting_batch_size", 10)
	viper.SetDefault("worker.posts_per_day", 1)
	viper.SetDefault("worker.log_dir", "apps/worker/logs")
	viper.SetDefault("worker.research_topic", "social media growth")

	viper.SetDefault("plan.thread_ratio", 0.2)
	viper.SetDefault("plan.reply_ratio", 0.2)
	viper.SetDefault("plan.quote_ratio", 0.2)

	viper.SetDefault("budget.plan_llm_cost", 0.50)
	viper.SetDefault("budget.x_search_cost", 0.25)
	viper.SetDefault("budget.web_search_cost", 0.25)
	viper.SetDefault("budget.web_fetch_llm_cost", 0.30)
	viper.SetDefault("budget.web_summarize_llm_cost", 1.00)
	viper.SetDefault("budget.target_post_fetch_cost", 0.25)

	viper.SetDefault("limits.x_search_max", 10)
	viper.SetDefault("limits.web_search_max", 10)
	viper.SetDefault("limits.web_fetch_max", 3)
	viper.SetDefault("limits.search_top_k", 5)
	viper.SetDefault("limits.search_snippet_limit", 300)

	viper.SetDefault("gemini.model", "gemini-2.5-flash")

	viper.SetDefault("fetch.timeout", "10s")
	viper.SetDefault("fetch.max_redirects", 5)
	viper.SetDefault("fetch.max_bytes", 1024*1024)
	viper.SetDefault("fetch.max_chars", 20000)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

func bindEnvVars() {
	_ = viper.BindEnv("server.port", "SERVER_PORT")

	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")

	_ = viper.BindEnv("redis.url", "REDIS_URL")

	_ = viper.BindEnv("worker.timezone", "WORKER_TZ")
	_ = viper.BindEnv("worker.daily_hour", "WORKER_DAILY_HOUR")
	_ = viper.BindEnv("worker.daily_minute", "WORKER_DAILY_MINUTE")
	_ = viper.BindEnv("worker.post_hour", "POST_HOUR")
	_ = viper.BindEnv("worker.post_minute", "POST_MINUTE")
	_ = viper.BindEnv("worker.posting_poll_seconds", "POSTING_POLL_SECONDS")
	_ = viper.BindEnv("worker.posting_batch_size", "POSTING_BATCH_SIZE")
	_ = viper.BindEnv("worker.posts_per_day", "POSTS_PER_DAY")
	_ = viper.BindEnv("worker.log_dir", "WORKER_LOG_DIR")
	_ = viper.BindEnv("worker.target_handles", "TARGET_HANDLES")
	_ = viper.BindEnv("worker.research_topic", "RESEARCH_TOPIC")

	_ = viper.BindEnv("plan.thread_ratio", "PLAN_THREAD_RATIO")
	_ = viper.BindEnv("plan.reply_ratio", "PLAN_REPLY_RATIO")
	_ = viper.BindEnv("plan.quote_ratio", "PLAN_QUOTE_RATIO")
	_ = viper.BindEnv("plan.allow_url_for_validation", "PLAN_ALLOW_URL_FOR_VALIDATION")
	_ = viper.BindEnv("plan.posting_usage_reconcile", "POSTING_USAGE_RECONCILE")

	_ = viper.BindEnv("budget.plan_llm_cost", "PLAN_LLM_COST")
	_ = viper.BindEnv("budget.x_search_cost", "X_SEARCH_COST")
	_ = viper.BindEnv("budget.web_search_cost", "WEB_SEARCH_COST")
	_ = viper.BindEnv("budget.web_fetch_llm_cost", "WEB_FETCH_LLM_COST")
	_ = viper.BindEnv("budget.web_summarize_llm_cost", "WEB_SUMMARIZE_LLM_COST")
	_ = viper.BindEnv("budget.target_post_fetch_cost", "TARGET_POST_FETCH_COST")

	_ = viper.BindEnv("limits.x_search_max", "X_SEARCH_MAX")
	_ = viper.BindEnv("limits.web_search_max", "WEB_SEARCH_MAX")
	_ = viper.BindEnv("limits.web_fetch_max", "WEB_FETCH_MAX")
	_ = viper.BindEnv("limits.search_top_k", "SEARCH_TOP_K")
	_ = viper.BindEnv("limits.search_snippet_limit", "SEARCH_SNIPPET_LIMIT")

	_ = viper.BindEnv("features.use_real_x", "USE_REAL_X")
	_ = viper.BindEnv("features.use_gemini_web_search", "USE_GEMINI_WEB_SEARCH")
	_ = viper.BindEnv("features.use_gemini_summarize", "USE_GEMINI_SUMMARIZE")
	_ = viper.BindEnv("features.use_x_usage", "USE_X_USAGE")

	_ = viper.BindEnv("oauth.client_id", "X_OAUTH_CLIENT_ID")
	_ = viper.BindEnv("oauth.client_secret", "X_OAUTH_CLIENT_SECRET")
	_ = viper.BindEnv("oauth.redirect_uri", "X_OAUTH_REDIRECT_URI")
	_ = viper.BindEnv("oauth.bearer_token", "X_BEARER_TOKEN")
	_ = viper.BindEnv("oauth.user_id", "X_USER_ID")
	_ = viper.BindEnv("oauth.unit_price", "X_UNIT_PRICE")

	_ = viper.BindEnv("gemini.api_key", "GEMINI_API_KEY")
	_ = viper.BindEnv("gemini.model", "GEMINI_MODEL")

	_ = viper.BindEnv("fetch.timeout", "WEB_FETCH_TIMEOUT")
	_ = viper.BindEnv("fetch.max_redirects", "WEB_FETCH_MAX_REDIRECTS")
	_ = viper.BindEnv("fetch.max_bytes", "WEB_FETCH_MAX_BYTES")
	_ = viper.BindEnv("fetch.max_chars", "WEB_FETCH_MAX_CHARS")

	_ = viper.BindEnv("logging.level", "LOG_LEVEL")
	_ = viper.BindEnv("logging.format", "LOG_FORMAT")
}

func Get() *Config {
	return cfg
}
