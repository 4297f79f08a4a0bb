package temporalx

import (
	"os"
	"strings"
)

// Config resolves the Temporal connection settings used by the coordinator
// backend when COORDINATOR_BACKEND=temporal. A blank Address means Temporal
// is not configured; callers treat that as "stay on the poll backend"
// rather than an error.
type Config struct {
	Address   string
	Namespace string
	TaskQueue string

	ClientCertPath string
	ClientKeyPath  string
	ClientCAPath   string
}

func LoadConfig() Config {
	return Config{
		Address:   strings.TrimSpace(os.Getenv("TEMPORAL_ADDRESS")),
		Namespace: orDefault(strings.TrimSpace(os.Getenv("TEMPORAL_NAMESPACE")), "clerk"),
		TaskQueue: orDefault(strings.TrimSpace(os.Getenv("TEMPORAL_TASK_QUEUE")), "clerk-coordinator"),

		ClientCertPath: strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_CERT_PATH")),
		ClientKeyPath:  strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_KEY_PATH")),
		ClientCAPath:   strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_CA_PATH")),
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
