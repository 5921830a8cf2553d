package backend

import (
	"fmt"
	"net/http"
	"time"

	"findash/internal/config"
)

// Config holds the client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// Outbound request rate; zero disables limiting.
	RPS   float64
	Burst int

	// Transport overrides the pooled default. Used by tests.
	Transport http.RoundTripper
}

// FromAppConfig converts the application config to client config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}
	if appConfig.BackendURL == "" {
		return Config{}, fmt.Errorf("backend URL is empty")
	}

	return Config{
		BaseURL: appConfig.BackendURL,
		Timeout: appConfig.BackendTimeout,
		RPS:     appConfig.BackendRPS,
		Burst:   appConfig.BackendBurst,
	}, nil
}
