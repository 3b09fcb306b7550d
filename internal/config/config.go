package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	MerchantID             string
	MerchantName           string
	StoreName              string
	StoreAddress           string
	PaymentTokenTTLMinutes int
	GatewayMode            string
	AuthSecret             string
	AccessTokenTTLMinutes  int
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first without overriding real env vars.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	payTTL, err := strconv.Atoi(getEnv("PAYMENT_TOKEN_TTL_MINUTES", "15"))
	if err != nil || payTTL < 1 {
		payTTL = 15
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		MerchantID:             getEnv("MERCHANT_ID", "SMARTSISAPA001"),
		MerchantName:           getEnv("MERCHANT_NAME", "SmartSISAPA Store"),
		StoreName:              getEnv("STORE_NAME", "SmartSISAPA"),
		StoreAddress:           getEnv("STORE_ADDRESS", "Jl. Contoh No. 123, Jakarta"),
		PaymentTokenTTLMinutes: payTTL,
		GatewayMode:            getEnv("QR_GATEWAY_MODE", "webhook"),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  tokenTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
