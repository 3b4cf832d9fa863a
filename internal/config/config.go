// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Sources    []crawler.Source `mapstructure:"sources"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CrawlerConfig governs the crawl loop and politeness.
type CrawlerConfig struct {
	MaxPages       int     `mapstructure:"max_pages"`
	ChunksPerBatch int     `mapstructure:"chunks_per_batch"`
	StatePath      string  `mapstructure:"state_path"`
	UserAgent      string  `mapstructure:"user_agent"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	RequestsPerSec float64 `mapstructure:"requests_per_second"`
	Burst          int     `mapstructure:"burst"`
}

// HTTPConfig configures fetch timeouts and retry behavior.
type HTTPConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	AcceptLanguage string        `mapstructure:"accept_language"`
	MinTextLength  int           `mapstructure:"min_text_length"`
}

// LLMConfig points at the completion service.
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Credentials []string      `mapstructure:"credentials"`
}

// ExtractionConfig tunes the extraction batcher.
type ExtractionConfig struct {
	MaxBatchWidth int           `mapstructure:"max_batch_width"`
	MaxChars      int           `mapstructure:"max_chars"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	WavePause     time.Duration `mapstructure:"wave_pause"`
}

// RepositoryConfig locates the clause repository and tunes its passes.
type RepositoryConfig struct {
	Path           string `mapstructure:"path"`
	MergeThreshold int    `mapstructure:"merge_threshold"`
	EnrichAttempts int    `mapstructure:"enrich_attempts"`
}

// CacheConfig controls the badger extraction cache.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Dir      string        `mapstructure:"dir"`
	InMemory bool          `mapstructure:"in_memory"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Storage backends for the raw page archive.
const (
	StorageNone  = "none"
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// StorageConfig selects where raw pages are archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres mirror. An empty DSN disables it.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for repository notifications. An empty topic disables them.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// APIKey guards the /v1 routes when set.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLAUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSources()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.max_pages", 100)
	v.SetDefault("crawler.chunks_per_batch", 5)
	v.SetDefault("crawler.state_path", "data/crawl_state.json")
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (compatible; clause-crawler/0.1)")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.requests_per_second", 0.5)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("http.timeout", "20s")
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_initial", "1s")
	v.SetDefault("http.backoff_max", "30s")
	v.SetDefault("http.accept_language", "fr-FR,fr;q=0.9,en;q=0.5")
	v.SetDefault("http.min_text_length", 50)
	v.SetDefault("llm.base_url", "https://generativelanguage.googleapis.com/v1beta/openai/")
	v.SetDefault("llm.model", "gemini-1.5-flash")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("extraction.max_batch_width", 5)
	v.SetDefault("extraction.max_chars", 30000)
	v.SetDefault("extraction.max_attempts", 5)
	v.SetDefault("extraction.backoff_base", "2s")
	v.SetDefault("extraction.backoff_max", "2m")
	v.SetDefault("extraction.wave_pause", "1s")
	v.SetDefault("repository.path", "data/succession_data_unified.json")
	v.SetDefault("repository.merge_threshold", 90)
	v.SetDefault("repository.enrich_attempts", 3)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("cache.ttl", "720h")
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.local_dir", "data/pages")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("db.table", "clauses")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// DefaultSources are the public French succession-law references crawled
// when no sources are configured.
func DefaultSources() []crawler.Source {
	return []crawler.Source{
		{
			Name:  "service-public",
			Kind:  "service-public",
			Seeds: []string{"https://www.service-public.fr/particuliers/vosdroits/F1199"},
			AllowPrefixes: []string{
				"/particuliers/vosdroits/",
			},
			NotFoundMarkers: []string{"Page non trouvée", "Cette page n'existe pas"},
		},
		{
			Name: "notaires",
			Kind: "notaires",
			Seeds: []string{
				"https://www.notaires.fr/fr/succession",
				"https://www.notaires.fr/fr/donation-succession/succession/accepter-ou-renoncer-une-succession",
			},
			AllowPrefixes:   []string{"/fr/succession", "/fr/donation-succession/"},
			NotFoundMarkers: []string{"Page introuvable"},
		},
		{
			Name: "legifrance",
			Kind: "legifrance",
			Seeds: []string{
				"https://www.legifrance.gouv.fr/codes/section_lc/LEGITEXT000006070721/LEGISCTA000006117765/",
				"https://www.legifrance.gouv.fr/codes/article_lc/LEGIARTI000006424778",
			},
			AllowPrefixes:   []string{"/codes/section_lc/LEGITEXT000006070721/", "/codes/article_lc/"},
			NotFoundMarkers: []string{"Le document demandé n'existe pas"},
		},
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.MaxPages < 0 {
		return fmt.Errorf("crawler.max_pages must be >= 0")
	}
	if c.Crawler.ChunksPerBatch <= 0 {
		return fmt.Errorf("crawler.chunks_per_batch must be > 0")
	}
	if strings.TrimSpace(c.Crawler.StatePath) == "" {
		return fmt.Errorf("crawler.state_path is required")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.Extraction.MaxBatchWidth <= 0 {
		return fmt.Errorf("extraction.max_batch_width must be > 0")
	}
	if c.Extraction.MaxAttempts <= 0 {
		return fmt.Errorf("extraction.max_attempts must be > 0")
	}
	if c.Extraction.MaxChars <= 0 {
		return fmt.Errorf("extraction.max_chars must be > 0")
	}
	if strings.TrimSpace(c.Repository.Path) == "" {
		return fmt.Errorf("repository.path is required")
	}
	if c.Repository.MergeThreshold < 0 || c.Repository.MergeThreshold > 100 {
		return fmt.Errorf("repository.merge_threshold must be within 0..100")
	}
	if c.Cache.Enabled && !c.Cache.InMemory && strings.TrimSpace(c.Cache.Dir) == "" {
		return fmt.Errorf("cache.dir is required when the cache is enabled")
	}
	switch c.Storage.Backend {
	case "", StorageNone:
	case StorageLocal:
		if strings.TrimSpace(c.Storage.LocalDir) == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case StorageGCS:
		if strings.TrimSpace(c.Storage.GCSBucket) == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of none, local, gcs", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	for i, src := range c.Sources {
		if len(src.Seeds) == 0 {
			return fmt.Errorf("sources[%d] (%s) has no seeds", i, src.Name)
		}
		for _, seed := range src.Seeds {
			u, err := url.Parse(seed)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("sources[%d] (%s): invalid seed %q", i, src.Name, seed)
			}
		}
	}
	return nil
}

// Credentials resolves completion credentials from the process environment,
// falling back to llm.credentials.
func (c Config) Credentials() []string {
	return DiscoverCredentials(os.LookupEnv, c.LLM.Credentials)
}

// MaxNumberedKeys bounds the GEMINI_API_KEY_<n> scan.
const MaxNumberedKeys = 64

// DiscoverCredentials returns the first non-empty credential list in order:
// CLAUSE_LLM_CREDENTIALS (comma separated), GEMINI_API_KEY_1..N (stopping at
// the first gap), GEMINI_API_KEY, then fallback. Duplicates are dropped.
func DiscoverCredentials(lookup func(string) (string, bool), fallback []string) []string {
	if raw, ok := lookup("CLAUSE_LLM_CREDENTIALS"); ok {
		if creds := dedupe(strings.Split(raw, ",")); len(creds) > 0 {
			return creds
		}
	}
	var numbered []string
	for i := 1; i <= MaxNumberedKeys; i++ {
		raw, ok := lookup("GEMINI_API_KEY_" + strconv.Itoa(i))
		if !ok || strings.TrimSpace(raw) == "" {
			break
		}
		numbered = append(numbered, raw)
	}
	if creds := dedupe(numbered); len(creds) > 0 {
		return creds
	}
	if raw, ok := lookup("GEMINI_API_KEY"); ok {
		if creds := dedupe([]string{raw}); len(creds) > 0 {
			return creds
		}
	}
	return dedupe(fallback)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
