package config

import (
	"log"
	"os"
	"strconv"
)

// GetInt reads an integer environment variable, falling back to def when the
// variable is unset or not a number.
func GetInt(key string, def int) int {
	str := os.Getenv(key)
	if str == "" {
		return def
	}
	v, err := strconv.Atoi(str)
	if err != nil {
		log.Printf("Invalid integer in %s=%q, using default %d", key, str, def)
		return def
	}
	return v
}

func GetString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
