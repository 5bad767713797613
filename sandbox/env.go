package sandbox

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnvFile parses KEY=VALUE pairs from an env file, to be injected into
// every sandbox container. A missing file yields an empty map: the env file
// is optional deployment configuration, not a hard requirement.
func LoadEnvFile(path string) map[string]string {
	if path == "" {
		return map[string]string{}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return map[string]string{}
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return map[string]string{}
	}
	return env
}
