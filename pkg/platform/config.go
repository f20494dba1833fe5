package platform

import (
	"os"
)

// GetEnv returns the variable's value, or defaultVal when unset.
// Collector configuration is assembled from this plus CLI flags;
// credentials always arrive pre-resolved through the environment.
func GetEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}
