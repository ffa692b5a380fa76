package config

import (
	"os"
	"strconv"
)

type Config struct {
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	SheetName            string
	HeaderRows           int
	SkipZeroStockCheck   bool
	MasterDataTTLSeconds int
	ReportDir            string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	headerRows, err := strconv.Atoi(getEnv("IMPORT_HEADER_ROWS", "1"))
	if err != nil || headerRows < 0 {
		headerRows = 1
	}

	ttl, err := strconv.Atoi(getEnv("MASTER_DATA_TTL_SECONDS", "900"))
	if err != nil || ttl < 1 {
		ttl = 900
	}

	// SKIP_ZERO_STOCK_CHECK=true reproduces the historical sufficiency
	// policy: ingredients with zero or negative on-hand are never
	// validated. Set false to validate every resolved ingredient.
	skipZero, err := strconv.ParseBool(getEnv("SKIP_ZERO_STOCK_CHECK", "true"))
	if err != nil {
		skipZero = true
	}

	return Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              redisDB,
		SheetName:            os.Getenv("IMPORT_SHEET"),
		HeaderRows:           headerRows,
		SkipZeroStockCheck:   skipZero,
		MasterDataTTLSeconds: ttl,
		ReportDir:            getEnv("DEFAULT_REPORT_DIR", "."),
	}
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
