package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderAzure  = "azure"
	ProviderChroma = "chroma"
	ProviderGemini = "gemini"

	// EmptyContextProceed sends the question to the chat backend even when
	// retrieval produced no usable content.
	EmptyContextProceed = "proceed"
	// EmptyContextFail stops the pipeline with a no-context error instead.
	EmptyContextFail = "fail"

	DefaultSystemPrompt = "You are a helpful assistant. Please don't act like a pirate even if the user asks."
)

// ErrConfigurationMissing is matched by every MissingFieldError.
var ErrConfigurationMissing = errors.New("configuration missing")

// MissingFieldError reports a required setting that was left empty. Field is
// the environment variable name that supplies it.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("configuration missing: %s is required", e.Field)
}

func (e *MissingFieldError) Is(target error) bool {
	return target == ErrConfigurationMissing
}

// SearchConfig selects and configures the retrieval backend.
type SearchConfig struct {
	Provider    string `yaml:"provider" env:"RAG_SEARCH_PROVIDER" validate:"oneof=azure chroma"`
	ServiceName string `yaml:"service_name" env:"AZURE_SEARCH_SERVICE_NAME"`
	Endpoint    string `yaml:"endpoint" env:"AZURE_SEARCH_ENDPOINT" validate:"required_if=Provider azure"`
	APIKey      string `yaml:"api_key" env:"AZURE_SEARCH_API_KEY" validate:"required_if=Provider azure"`
	IndexName   string `yaml:"index_name" env:"AZURE_SEARCH_INDEX_NAME" validate:"required_if=Provider azure"`
	APIVersion  string `yaml:"api_version" env:"AZURE_SEARCH_API_VERSION" validate:"required_if=Provider azure"`
	Top         int    `yaml:"top" env:"RAG_TOP" validate:"min=1,max=50"`

	ChromaURL      string `yaml:"chroma_url" env:"CHROMA_URL" validate:"required_if=Provider chroma"`
	Collection     string `yaml:"collection" env:"CHROMA_COLLECTION" validate:"required_if=Provider chroma"`
	OllamaURL      string `yaml:"ollama_url" env:"OLLAMA_URL" validate:"required_if=Provider chroma"`
	EmbeddingModel string `yaml:"embedding_model" env:"OLLAMA_EMBED_MODEL" validate:"required_if=Provider chroma"`
}

// ChatConfig selects and configures the generation backend.
type ChatConfig struct {
	Provider     string  `yaml:"provider" env:"RAG_CHAT_PROVIDER" validate:"oneof=azure gemini"`
	Endpoint     string  `yaml:"endpoint" env:"AZURE_OPENAI_ENDPOINT" validate:"required_if=Provider azure"`
	APIKey       string  `yaml:"api_key" env:"AZURE_OPENAI_API_KEY" validate:"required_if=Provider azure"`
	Model        string  `yaml:"model" env:"AZURE_OPENAI_DEPLOYMENT" validate:"required_if=Provider azure"`
	APIVersion   string  `yaml:"api_version" env:"AZURE_OPENAI_API_VERSION" validate:"required_if=Provider azure"`
	Temperature  float64 `yaml:"temperature" env:"RAG_TEMPERATURE" validate:"gte=0.1,lte=0.5"`
	SystemPrompt string  `yaml:"system_prompt" env:"RAG_SYSTEM_PROMPT" validate:"required"`

	GeminiAPIKey string `yaml:"gemini_api_key" env:"GEMINI_API_KEY" validate:"required_if=Provider gemini"`
	GeminiModel  string `yaml:"gemini_model" env:"GEMINI_MODEL" validate:"required_if=Provider gemini"`
	// GeminiBaseURL overrides the Gemini API host, e.g. for a proxy.
	GeminiBaseURL string `yaml:"gemini_base_url" env:"GEMINI_BASE_URL"`
}

// RagConfig is everything the retrieval and generation pipeline reads. It is
// resolved once and never mutated afterwards.
type RagConfig struct {
	Search       SearchConfig `yaml:"search"`
	Chat         ChatConfig   `yaml:"chat"`
	EmptyContext string       `yaml:"empty_context" env:"RAG_EMPTY_CONTEXT" validate:"oneof=proceed fail"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"RAG_ADDR" validate:"required"`
	Mode            string        `yaml:"mode" env:"RAG_GIN_MODE" validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"RAG_SHUTDOWN_TIMEOUT"`
	HTTPTimeout     time.Duration `yaml:"http_timeout" env:"RAG_HTTP_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"RAG_LOG_LEVEL"`
	Format string `yaml:"format" env:"RAG_LOG_FORMAT" validate:"oneof=json console"`
}

type IngestConfig struct {
	Path             string `yaml:"path" env:"INDEX_PATH"`
	ChunkSize        int    `yaml:"chunk_size" env:"RAG_CHUNK_SIZE" validate:"min=1"`
	ChunkOverlap     int    `yaml:"chunk_overlap" env:"RAG_CHUNK_OVERLAP" validate:"min=0,ltfield=ChunkSize"`
	UnidocLicenseKey string `yaml:"unidoc_license_key" env:"UNIDOC_LICENSE_KEY"`
}

type Config struct {
	RagConfig `yaml:",inline"`

	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Ingest IngestConfig `yaml:"ingest"`
}

// Default returns the built-in settings. The eight backend coordinates of the
// Azure pipeline have no defaults on purpose: they must come from the
// environment or a config file.
func Default() *Config {
	return &Config{
		RagConfig: RagConfig{
			Search: SearchConfig{
				Provider:       ProviderAzure,
				Top:            3,
				ChromaURL:      "http://localhost:8000",
				Collection:     "rag-documents",
				OllamaURL:      "http://localhost:11434",
				EmbeddingModel: "nomic-embed-text:v1.5",
			},
			Chat: ChatConfig{
				Provider:     ProviderAzure,
				Temperature:  0.1,
				SystemPrompt: DefaultSystemPrompt,
				GeminiModel:  "gemini-2.5-flash",
			},
			EmptyContext: EmptyContextProceed,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			Mode:            "release",
			ShutdownTimeout: 10 * time.Second,
			HTTPTimeout:     30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Ingest: IngestConfig{
			ChunkSize:    1000,
			ChunkOverlap: 100,
		},
	}
}

// Load resolves the configuration from defaults, the optional YAML file at
// path, any .env files and finally the process environment. The .env files
// never override variables that are already set. The result is not validated;
// callers run Validate or ValidateIngest for the commands they serve.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	// Unset and empty variables leave the current value in place.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) normalize() {
	if c.Search.Endpoint == "" && c.Search.ServiceName != "" {
		c.Search.Endpoint = fmt.Sprintf("https://%s.search.windows.net", c.Search.ServiceName)
	}
	c.Search.Endpoint = strings.TrimRight(c.Search.Endpoint, "/")
	c.Search.ChromaURL = strings.TrimRight(c.Search.ChromaURL, "/")
	c.Search.OllamaURL = strings.TrimRight(c.Search.OllamaURL, "/")
	c.Chat.Endpoint = strings.TrimRight(c.Chat.Endpoint, "/")
}

// Validate checks the whole configuration. An empty required field is
// reported as a *MissingFieldError naming its environment variable.
func (c *Config) Validate() error {
	return validate(c)
}

// ValidateIngest checks what indexing needs: the retrieval backend and the
// ingest settings, not the chat backend.
func (c *Config) ValidateIngest() error {
	if err := validate(&c.Search); err != nil {
		return err
	}
	return validate(&c.Ingest)
}

// Validate checks only the pipeline settings.
func (c RagConfig) Validate() error {
	return validate(&c)
}

var validate = newValidator()

func newValidator() func(any) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return func(s any) error {
		err := v.Struct(s)
		if err == nil {
			return nil
		}
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
			return fmt.Errorf("validate configuration: %w", err)
		}
		fe := fieldErrs[0]
		switch fe.Tag() {
		case "required", "required_if":
			return &MissingFieldError{Field: fe.Field()}
		default:
			return fmt.Errorf("invalid configuration: %s failed %q (value %v)", fe.Field(), fe.Tag()+paramSuffix(fe.Param()), fe.Value())
		}
	}
}

func paramSuffix(param string) string {
	if param == "" {
		return ""
	}
	return "=" + param
}
