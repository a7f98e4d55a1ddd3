package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	App     AppConfig     `json:"app" yaml:"app"`
	API     APIConfig     `json:"api" yaml:"api"`
	LLM     LLMConfig     `json:"llm" yaml:"llm"`
	Session SessionConfig `json:"session" yaml:"session"`
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`
	Mail    MailConfig    `json:"mail" yaml:"mail"`
	Memory  MemoryConfig  `json:"memory" yaml:"memory"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Debug       bool   `json:"debug"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	LogFile     string `json:"log_file"`
	Environment string `json:"environment"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"`
	Timeout     int      `json:"timeout"`
}

// LLMConfig represents the completion provider and its pricing
type LLMConfig struct {
	Provider    string  `json:"provider"`
	APIKey      string  `json:"-"`
	Model       string  `json:"model"`
	BaseURL     string  `json:"base_url"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Timeout     int     `json:"timeout"`
	InputRate   float64 `json:"input_rate"`
	OutputRate  float64 `json:"output_rate"`
}

// SessionConfig controls history bounding, reset detection and storage
type SessionConfig struct {
	MaxMessages           int      `json:"max_messages"`
	ResetKeywords         []string `json:"reset_keywords"`
	MaxRecordsPerCategory int      `json:"max_records_per_category"`
	StoreType             string   `json:"store_type"`
	TTL                   int      `json:"ttl"`
	// SQLitePath is used when StoreType is "sqlite"
	SQLitePath            string   `json:"sqlite_path"`
}

// CatalogConfig locates the product spreadsheet
type CatalogConfig struct {
	Path  string `json:"path"`
	Sheet string `json:"sheet"`
}

// MailConfig represents SMTP configuration
type MailConfig struct {
	SMTPHost   string `json:"smtp_host"`
	SMTPPort   int    `json:"smtp_port"`
	Sender     string `json:"sender"`
	Password   string `json:"-"`
	Subject    string `json:"subject"`
	Disclaimer string `json:"disclaimer"`
}

// MemoryConfig represents redis configuration
type MemoryConfig struct {
	RedisHost     string `json:"redis_host"`
	RedisPort     int    `json:"redis_port"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redis_db"`
}

// DefaultResetKeywords are greetings and "start over" phrases that open a new consultation.
var DefaultResetKeywords = []string{"你好", "您好", "哈囉", "hi", "hello", "重新開始", "重新推薦", "再推薦", "再次推薦", "start over"}

const (
	DefaultModel      = "gpt-4o-mini-2024-07-18"
	DefaultSubject    = "智慧照顧產品推薦結果"
	DefaultDisclaimer = "\n\n免責聲明: 本系統僅為參考，所有產品資訊請以實際產品網頁為主，詳細信息請查閱相關網站。"
)

// Load loads .env, then YAML configuration, then environment variables
func Load() *Config {
	// .env 不存在时直接使用环境变量
	_ = godotenv.Load()

	configDir := getEnv("CONFIG_DIR", "config")
	return LoadFrom(loadYAMLConfig(configDir))
}

// LoadFrom builds the configuration from an already parsed YAML tree; environment wins over YAML.
func LoadFrom(yamlConfig map[string]interface{}) *Config {
	config := &Config{}

	config.App = AppConfig{
		Name:        getEnvWithYAML("APP_NAME", yamlConfig, "app.name", "智慧照顧產品推薦系統"),
		Version:     getEnvWithYAML("APP_VERSION", yamlConfig, "app.version", "1.0.0"),
		Debug:       getEnvBoolWithYAML("DEBUG", yamlConfig, "app.debug", false),
		LogLevel:    getEnvWithYAML("LOG_LEVEL", yamlConfig, "app.log_level", "INFO"),
		LogFormat:   getEnvWithYAML("LOG_FORMAT", yamlConfig, "app.log_format", "text"),
		LogFile:     getEnvWithYAML("LOG_FILE", yamlConfig, "app.log_file", "logs/app.log"),
		Environment: getEnvWithYAML("ENVIRONMENT", yamlConfig, "app.environment", "development"),
	}

	config.API = APIConfig{
		Host:        getEnvWithYAML("API_HOST", yamlConfig, "api.host", "0.0.0.0"),
		Port:        getEnvIntWithYAML("PORT", yamlConfig, "api.port", 7860),
		CORSOrigins: getEnvSliceWithYAML("API_CORS_ORIGINS", yamlConfig, "api.cors_origins", []string{"*"}),
		Timeout:     getEnvIntWithYAML("API_TIMEOUT", yamlConfig, "api.timeout", 120),
	}

	config.LLM = LLMConfig{
		Provider:    getEnvWithYAML("LLM_PROVIDER", yamlConfig, "llm.provider", "openai"),
		APIKey:      getEnvWithYAML("OPENAI_API_KEY", yamlConfig, "llm.api_key", ""),
		Model:       getEnvWithYAML("OPENAI_MODEL", yamlConfig, "llm.model", DefaultModel),
		BaseURL:     getEnvWithYAML("OPENAI_BASE_URL", yamlConfig, "llm.base_url", ""),
		Temperature: getEnvFloat64WithYAML("OPENAI_TEMPERATURE", yamlConfig, "llm.temperature", 0.7),
		MaxTokens:   getEnvIntWithYAML("OPENAI_MAX_TOKENS", yamlConfig, "llm.max_tokens", 0),
		Timeout:     getEnvIntWithYAML("LLM_TIMEOUT", yamlConfig, "llm.timeout", 60),
		// gpt-4o-mini list price, USD per 1K tokens
		InputRate:  getEnvFloat64WithYAML("LLM_INPUT_RATE", yamlConfig, "llm.input_rate", 0.00015),
		OutputRate: getEnvFloat64WithYAML("LLM_OUTPUT_RATE", yamlConfig, "llm.output_rate", 0.0006),
	}

	config.Session = SessionConfig{
		MaxMessages:           getEnvIntWithYAML("SESSION_MAX_MESSAGES", yamlConfig, "session.max_messages", 20),
		ResetKeywords:         getEnvSliceWithYAML("SESSION_RESET_KEYWORDS", yamlConfig, "session.reset_keywords", DefaultResetKeywords),
		MaxRecordsPerCategory: getEnvIntWithYAML("SESSION_MAX_RECORDS_PER_CATEGORY", yamlConfig, "session.max_records_per_category", 0),
		StoreType:             getEnvWithYAML("SESSION_STORE_TYPE", yamlConfig, "session.store_type", "memory"),
		TTL:                   getEnvIntWithYAML("SESSION_TTL", yamlConfig, "session.ttl", 86400),
		SQLitePath:            getEnvWithYAML("SESSION_SQLITE_PATH", yamlConfig, "session.sqlite_path", "data/sessions.db"),
	}

	config.Catalog = CatalogConfig{
		Path:  getEnvWithYAML("CATALOG_PATH", yamlConfig, "catalog.path", "GPTdata0325.xlsx"),
		Sheet: getEnvWithYAML("CATALOG_SHEET", yamlConfig, "catalog.sheet", ""),
	}

	config.Mail = MailConfig{
		SMTPHost:   getEnvWithYAML("SMTP_HOST", yamlConfig, "mail.smtp_host", "smtp.gmail.com"),
		SMTPPort:   getEnvIntWithYAML("SMTP_PORT", yamlConfig, "mail.smtp_port", 587),
		Sender:     getEnvWithYAML("EMAIL_SENDER", yamlConfig, "mail.sender", ""),
		Password:   getEnvWithYAML("EMAIL_PASSWORD", yamlConfig, "mail.password", ""),
		Subject:    getEnvWithYAML("EMAIL_SUBJECT", yamlConfig, "mail.subject", DefaultSubject),
		Disclaimer: getEnvWithYAML("EMAIL_DISCLAIMER", yamlConfig, "mail.disclaimer", DefaultDisclaimer),
	}

	config.Memory = MemoryConfig{
		RedisHost:     getEnvWithYAML("REDIS_HOST", yamlConfig, "memory.redis_host", "localhost"),
		RedisPort:     getEnvIntWithYAML("REDIS_PORT", yamlConfig, "memory.redis_port", 6379),
		RedisPassword: getEnvWithYAML("REDIS_PASSWORD", yamlConfig, "memory.redis_password", ""),
		RedisDB:       getEnvIntWithYAML("REDIS_DB", yamlConfig, "memory.redis_db", 0),
	}

	return config
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.Session.MaxMessages < 3 {
		return fmt.Errorf("session.max_messages must be at least 3, got %d", c.Session.MaxMessages)
	}
	if c.LLM.InputRate < 0 || c.LLM.OutputRate < 0 {
		return fmt.Errorf("llm rates must not be negative")
	}
	switch c.Session.StoreType {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("unknown session.store_type %q", c.Session.StoreType)
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
	}
	return nil
}

// ProviderTimeout returns the bound around one completion call
func (c LLMConfig) ProviderTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

// SessionTTL returns how long an idle session is kept
func (c SessionConfig) SessionTTL() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loadYAMLConfig loads configuration from app_config.yaml
func loadYAMLConfig(configDir string) map[string]interface{} {
	yamlConfig := make(map[string]interface{})

	appConfigPath := filepath.Join(configDir, "app_config.yaml")
	if data, err := os.ReadFile(appConfigPath); err == nil {
		var config map[string]interface{}
		if err := yaml.Unmarshal(data, &config); err == nil && config != nil {
			yamlConfig = config
		}
	}

	return yamlConfig
}

// ParseYAML parses a YAML document into the tree consumed by LoadFrom
func ParseYAML(data []byte) (map[string]interface{}, error) {
	tree := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("解析YAML配置失败: %w", err)
	}
	return tree, nil
}

// getEnvWithYAML gets environment variable with YAML fallback
func getEnvWithYAML(envKey string, yamlConfig map[string]interface{}, yamlPath, defaultValue string) string {
	if value := os.Getenv(envKey); value != "" {
		return value
	}

	if yamlValue := getYAMLValue(yamlConfig, yamlPath); yamlValue != "" {
		return yamlValue
	}

	return defaultValue
}

// getEnvIntWithYAML gets integer environment variable with YAML fallback
func getEnvIntWithYAML(envKey string, yamlConfig map[string]interface{}, yamlPath string, defaultValue int) int {
	if value := os.Getenv(envKey); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}

	if yamlValue := getYAMLValue(yamlConfig, yamlPath); yamlValue != "" {
		if intValue, err := strconv.Atoi(yamlValue); err == nil {
			return intValue
		}
	}

	return defaultValue
}

// getEnvFloat64WithYAML gets float64 environment variable with YAML fallback
func getEnvFloat64WithYAML(envKey string, yamlConfig map[string]interface{}, yamlPath string, defaultValue float64) float64 {
	if value := os.Getenv(envKey); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}

	if yamlValue := getYAMLValue(yamlConfig, yamlPath); yamlValue != "" {
		if floatValue, err := strconv.ParseFloat(yamlValue, 64); err == nil {
			return floatValue
		}
	}

	return defaultValue
}

// getEnvBoolWithYAML gets boolean environment variable with YAML fallback
func getEnvBoolWithYAML(envKey string, yamlConfig map[string]interface{}, yamlPath string, defaultValue bool) bool {
	if value := os.Getenv(envKey); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}

	if yamlValue := getYAMLValue(yamlConfig, yamlPath); yamlValue != "" {
		if boolValue, err := strconv.ParseBool(yamlValue); err == nil {
			return boolValue
		}
	}

	return defaultValue
}

// getEnvSliceWithYAML gets string slice environment variable with YAML fallback
func getEnvSliceWithYAML(envKey string, yamlConfig map[string]interface{}, yamlPath string, defaultValue []string) []string {
	if value := os.Getenv(envKey); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if p := strings.TrimSpace(part); p != "" {
				result = append(result, p)
			}
		}
		return result
	}

	if yamlValue := getYAMLSlice(yamlConfig, yamlPath); yamlValue != nil {
		return yamlValue
	}

	return append([]string(nil), defaultValue...)
}

// lookupYAML walks a dot notation path
func lookupYAML(config map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	current := config

	for i, part := range parts {
		value, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return value, true
		}
		next, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

// getYAMLValue renders a scalar YAML value as string; yaml.v3 decodes numbers and booleans natively
func getYAMLValue(config map[string]interface{}, path string) string {
	value, ok := lookupYAML(config, path)
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case int, int64, float64, bool:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

// getYAMLSlice gets string slice from YAML config using dot notation path
func getYAMLSlice(config map[string]interface{}, path string) []string {
	value, ok := lookupYAML(config, path)
	if !ok {
		return nil
	}
	slice, ok := value.([]interface{})
	if !ok {
		return nil
	}
	result := make([]string, 0, len(slice))
	for _, item := range slice {
		if str, ok := item.(string); ok {
			result = append(result, str)
		}
	}
	return result
}
