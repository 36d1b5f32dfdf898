package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort int
	Database   DatabaseConfig
	Auth       AuthConfig
	Google     GoogleConfig
	Redis      RedisConfig
	OpenAI     OpenAIConfig
	Redaction  RedactionConfig
	Catalogue  CatalogueConfig
	Storage    StorageConfig
	MQ         MQConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
}

// AuthConfig holds the static lists the access resolver decides from.
type AuthConfig struct {
	JWTSecret                string
	TokenTTL                 time.Duration
	AllowedDomains           []string
	TeacherEmails            []string
	TAEmails                 []string
	ExternalInstructorEmails []string
	StudentDomain            string
	StaffDomain              string
}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// RedisConfig configures the OAuth state store. An empty Addr selects the
// in-process store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	StateTTL time.Duration
}

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
}

type RedactionConfig struct {
	InstitutionalDomains []string
}

// CatalogueConfig selects where the resource catalogue is read from:
// "embedded", "file" (Path) or "storage" (ObjectKey in the configured bucket).
type CatalogueConfig struct {
	Source    string
	Path      string
	ObjectKey string
}

type StorageConfig struct {
	Backend string
	GCS     GCSConfig
	Minio   MinioConfig
}

type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MQConfig struct {
	Backend  string
	Channel  string
	RabbitMQ RabbitMQConfig
	PubSub   PubSubConfig
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
	PrefetchCount   int
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "hearing"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "hearing_db"),
		UseSSL:   getEnvBool("DB_USE_SSL", false),
	}

	studentDomain := getEnv("STUDENT_DOMAIN", "seig-boys.jp")
	staffDomain := getEnv("STAFF_DOMAIN", "itoksk.com")

	authConfig := AuthConfig{
		JWTSecret:                strings.TrimSpace(getEnv("JWT_SECRET", "")),
		TokenTTL:                 getEnvDuration("TOKEN_TTL", 30*24*time.Hour),
		AllowedDomains:           getEnvList("ALLOWED_DOMAINS", []string{studentDomain, staffDomain}),
		TeacherEmails:            getEnvList("TEACHER_EMAILS", nil),
		TAEmails:                 getEnvList("TA_EMAILS", nil),
		ExternalInstructorEmails: getEnvList("EXTERNAL_INSTRUCTOR_EMAILS", nil),
		StudentDomain:            studentDomain,
		StaffDomain:              staffDomain,
	}

	return Config{
		ServerPort: getEnvInt("SERVER_PORT", 8080),
		Database:   dbConfig,
		Auth:       authConfig,
		Google: GoogleConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RedirectURL:  getEnv("GOOGLE_REDIRECT_URL", "http://localhost:8080/auth/google/callback"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			StateTTL: getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute),
		},
		OpenAI: OpenAIConfig{
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			BaseURL:     getEnv("OPENAI_BASE_URL", ""),
			Model:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			Temperature: getEnvFloat("OPENAI_TEMPERATURE", 0.7),
			MaxTokens:   getEnvInt("OPENAI_MAX_TOKENS", 500),
			Timeout:     getEnvDuration("OPENAI_TIMEOUT", 30*time.Second),
			MaxRetries:  getEnvInt("OPENAI_MAX_RETRIES", 3),
		},
		Redaction: RedactionConfig{
			InstitutionalDomains: getEnvList("INSTITUTIONAL_DOMAINS", []string{studentDomain, staffDomain}),
		},
		Catalogue: CatalogueConfig{
			Source:    getEnv("CATALOGUE_SOURCE", "embedded"),
			Path:      getEnv("CATALOGUE_PATH", ""),
			ObjectKey: getEnv("CATALOGUE_OBJECT_KEY", "catalogue/resources.yaml"),
		},
		Storage: StorageConfig{
			Backend: getEnv("STORAGE_BACKEND", "minio"),
			GCS: GCSConfig{
				Bucket:          getEnv("GCS_BUCKET", ""),
				ProjectID:       getEnv("GCS_PROJECT_ID", ""),
				CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
			},
			Minio: MinioConfig{
				Endpoint:  getEnv("MINIO_ENDPOINT", ""),
				AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
				SecretKey: getEnv("MINIO_SECRET_KEY", ""),
				Bucket:    getEnv("MINIO_BUCKET", "hearing"),
				UseSSL:    getEnvBool("MINIO_USE_SSL", false),
			},
		},
		MQ: MQConfig{
			Backend: getEnv("MQ_BACKEND", "none"),
			Channel: getEnv("MQ_CHANNEL", "consultation-events"),
			RabbitMQ: RabbitMQConfig{
				URL:             getEnv("RABBITMQ_URL", ""),
				QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
				QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
				PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH", 10),
			},
			PubSub: PubSubConfig{
				ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
				CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
				SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
			},
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		fmt.Sscanf(valueStr, "%d", &value)
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
		if err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float32) float32 {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 32)
		if err != nil {
			return defaultValue
		}
		return float32(value)
	}
	return defaultValue
}

// getEnvDuration accepts Go duration syntax in KEY, or whole seconds in KEY_SECONDS.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr := os.Getenv(key); valueStr != "" {
		if parsed, err := time.ParseDuration(valueStr); err == nil {
			return parsed
		}
	}
	if valueStr := os.Getenv(key + "_SECONDS"); valueStr != "" {
		if seconds, err := strconv.Atoi(valueStr); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks. An unset key
// yields defaultValue; a set but blank key yields an empty list.
func getEnvList(key string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value != "" {
			values = append(values, value)
		}
	}
	return values
}
