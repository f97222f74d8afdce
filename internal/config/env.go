package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file into the environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}
