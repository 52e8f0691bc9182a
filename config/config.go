package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

var (
	DbHost     string
	DbPort     string
	DbUser     string
	DbPassword string
	DbName     string
	ServerPort string

	// Resource store
	WorkspaceDir string
	StoreBackend string // local | s3
	LocksDir     string
	LockTimeout  time.Duration

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioBucket    string

	// Static provider declarations for deployments without registered
	// providers
	ProvidersFile string
)

func LoadConfig() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, using environment variables")
	}

	DbHost = getEnv("DB_HOST", "localhost")
	DbPort = getEnv("DB_PORT", "5432")
	DbUser = getEnv("DB_USER", "postgres")
	DbPassword = getEnv("DB_PASSWORD", "password")
	DbName = getEnv("DB_NAME", "forge")
	ServerPort = getEnv("SERVER_PORT", "8338")

	WorkspaceDir = getEnv("WORKSPACE_DIR", "./workspace")
	StoreBackend = getEnv("STORE_BACKEND", "local")
	LocksDir = getEnv("LOCKS_DIR", "./workspace/.locks")

	lockMs, _ := strconv.Atoi(getEnv("LOCK_TIMEOUT_MS", "5000"))
	LockTimeout = time.Duration(lockMs) * time.Millisecond

	MinioEndpoint = getEnv("MINIO_ENDPOINT", "localhost:9000")
	MinioAccessKey = getEnv("MINIO_ACCESS_KEY", "minioadmin")
	MinioSecretKey = getEnv("MINIO_SECRET_KEY", "minioadmin")
	MinioBucket = getEnv("MINIO_BUCKET", "forge-store")
	MinioUseSSL, _ = strconv.ParseBool(getEnv("MINIO_USE_SSL", "false"))

	ProvidersFile = getEnv("PROVIDERS_FILE", "./providers.yaml")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
