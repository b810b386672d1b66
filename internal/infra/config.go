package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации сервиса авторизации.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	ACL        ACLConfig        `mapstructure:"acl"`
	Permission PermissionConfig `mapstructure:"permission"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера и порта метрик.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Лимитер на эндпоинт выдачи capability (запросов в секунду / burst)
	CapabilityRPS   float64 `mapstructure:"capability_rps"`
	CapabilityBurst int     `mapstructure:"capability_burst"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (сигналы инвалидации кэшей).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT операторской авторизации.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// RoleTemplate — шаблон правил для роли, объявленный в конфигурации.
// Не персистится: правила из шаблонов живут только в памяти менеджера.
type RoleTemplate struct {
	Inherits string         `mapstructure:"inherits" json:"inherits"`
	Rules    []TemplateRule `mapstructure:"rules" json:"rules"`
}

// TemplateRule — правило внутри шаблона роли.
type TemplateRule struct {
	Path        string   `mapstructure:"path" json:"path"`
	Operations  []string `mapstructure:"operations" json:"operations"`
	Effect      string   `mapstructure:"effect" json:"effect"`
	Priority    int      `mapstructure:"priority" json:"priority"`
	Description string   `mapstructure:"description" json:"description"`
}

// ACLConfig — статические дефолты политики доступа.
type ACLConfig struct {
	EnableACL bool `mapstructure:"enable_acl"`
	// Список операций через запятую ("read,write") или сентинел "all"
	DefaultPermission string `mapstructure:"default_permission"`
	// role -> пулы по умолчанию при регистрации без явных пулов
	DefaultAgentPools map[string][]string `mapstructure:"default_agent_pools"`
	// role -> шаблон правил (с наследованием между ролями)
	DefaultRoleTemplates map[string]RoleTemplate `mapstructure:"default_role_templates"`
	// TTL кэша решений; <=0 полностью отключает кэш
	PermissionCacheTTL time.Duration `mapstructure:"permission_cache_ttl"`
	AuditAccess        bool          `mapstructure:"audit_access"`
	WorkspaceRoot      string        `mapstructure:"workspace_root"`
}

// DefaultOperations разбирает default_permission в набор операций.
func (c ACLConfig) DefaultOperations() map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Split(c.DefaultPermission, ",") {
		if tok = strings.ToLower(strings.TrimSpace(tok)); tok != "" {
			out[tok] = struct{}{}
		}
	}
	return out
}

// PermissionConfig — настройки динамического менеджера выдачи capability.
type PermissionConfig struct {
	GrantTTL time.Duration `mapstructure:"grant_ttl"`
	// Срез истории аудита для расчета trust score
	TrustWindow time.Duration `mapstructure:"trust_window"`
}

// AuditConfig настраивает асинхронный аудит-трейл.
type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// Настройки Circuit Breaker вокруг записи в хранилище аудита
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// ENV перекрывает файл: ACL_ENABLE_ACL=true перекроет acl.enable_acl
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// PEM-ключ может прилететь напрямую в ENV (Docker/K8s), иначе читаем файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.capability_rps", 50)
	v.SetDefault("server.capability_burst", 10)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("acl.enable_acl", true)
	v.SetDefault("acl.default_permission", "read")
	v.SetDefault("acl.permission_cache_ttl", 60*time.Second)
	v.SetDefault("acl.audit_access", true)
	v.SetDefault("permission.grant_ttl", time.Hour)
	v.SetDefault("permission.trust_window", 30*24*time.Hour)
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("audit.cb_max_requests", 3)
	v.SetDefault("audit.cb_interval", 5*time.Second)
	v.SetDefault("audit.cb_timeout", 30*time.Second)
	v.SetDefault("audit.retry_attempts", 3)
}

func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
