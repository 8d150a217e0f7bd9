package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	CORSOrigins     string
	MaxImageSize    int64
	ImageStorageDir string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushSubscriber  string
}

// Load reads configuration from the environment. An optional env file is
// loaded first: the path in CHATAPP_ENV_FILE, falling back to ./.env.
// Variables already present in the environment win over the file.
func Load() *Config {
	if path, ok := os.LookupEnv("CHATAPP_ENV_FILE"); ok && path != "" {
		godotenv.Load(path)
	} else {
		godotenv.Load()
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/chatapp.db"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		MaxImageSize:    parseInt64(getEnv("MAX_IMAGE_SIZE", "5242880")), // 5MB default
		ImageStorageDir: getEnv("IMAGE_STORAGE_DIR", "./data/uploads"),
		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
		PushSubscriber:  getEnv("PUSH_SUBSCRIBER", "mailto:push@chatapp.local"),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt64(s string) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 5242880
	}
	return val
}
