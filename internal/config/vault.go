package config

import "time"

// VaultConfig holds runtime configuration for the vault service.
type VaultConfig struct {
	Environment     string
	LogLevel        string
	Addr            string
	DatabaseURL     string
	MigrationsDir   string
	VaultRoot       string
	DeployRoot      string
	DeployTimeout   time.Duration
	OperatorToken   string
	AutoBackupEvery int
	BackupInterval  time.Duration
	CacheRedisAddr  string
	CacheRedisPass  string
	CacheRedisDB    int
	CacheTTL        time.Duration
	RateRedisAddr   string
	RateRedisPass   string
	RateRedisDB     int
}

// LoadVaultConfig constructs a VaultConfig from environment variables.
func LoadVaultConfig() VaultConfig {
	return VaultConfig{
		Environment:     GetString("APP_ENV", "development"),
		LogLevel:        GetString("VAULT_LOG_LEVEL", "info"),
		Addr:            GetString("VAULT_ADDR", ":7770"),
		DatabaseURL:     GetString("DATABASE_URL", "postgres://vault:vault@db:5432/vault?sslmode=disable"),
		MigrationsDir:   GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		VaultRoot:       GetString("VAULT_ROOT", "/var/lib/domainvault"),
		DeployRoot:      GetString("DEPLOY_ROOT", "/var/lib/domainvault/deployments"),
		DeployTimeout:   GetSeconds("DEPLOY_TIMEOUT_SECONDS", 2*time.Minute),
		OperatorToken:   GetString("VAULT_OPERATOR_TOKEN", ""),
		AutoBackupEvery: GetInt("AUTO_BACKUP_EVERY_VERSIONS", 10),
		BackupInterval:  GetSeconds("BACKUP_INTERVAL_SECONDS", 0),
		CacheRedisAddr:  GetString("CACHE_REDIS_ADDR", ""),
		CacheRedisPass:  GetString("CACHE_REDIS_PASSWORD", ""),
		CacheRedisDB:    GetInt("CACHE_REDIS_DB", 0),
		CacheTTL:        GetSeconds("CACHE_TTL_SECONDS", 5*time.Minute),
		RateRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
