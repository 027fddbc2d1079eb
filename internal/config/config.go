// Package config resolves the daemon's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/unusualbob/Unifi-Video-Detection/pkg/config"
)

// Config is the full daemon configuration. A host may run either role or
// both; single-host deployments enable both and skip the cross-host transfer.
type Config struct {
	Port       int
	PublicHost string

	IsFileHost  bool
	IsProcessor bool

	MongoURI      string
	MongoDatabase string

	NVRHost     string
	NVREmail    string
	NVRPassword string

	FileHostURL string

	ProcessedOutputPath string
	SigningKeyPath      string

	DetectorBrowser string
	LocalBaseURL    string

	NotifyGatewayURL string
	NotifyServerKey  string

	IngestInterval      time.Duration
	DispatchIdleDelay   time.Duration
	StuckThreshold      time.Duration
	SweepInterval       time.Duration
	DispatchWaitTimeout time.Duration
}

// Load reads configuration from the environment, validating role-dependent
// requirements.
func Load() (*Config, error) {
	cfg := &Config{
		Port:       config.GetEnvInt("PORT", 3000),
		PublicHost: config.GetEnv("PUBLIC_HOST", "http://localhost:3000"),

		IsFileHost:  config.GetEnvBool("ROLE_FILE_HOST", true),
		IsProcessor: config.GetEnvBool("ROLE_PROCESSOR", true),

		MongoURI:      config.GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: config.GetEnv("MONGO_DATABASE", "lookout"),

		NVRHost:     config.GetEnv("NVR_HOST", ""),
		NVREmail:    config.GetEnv("NVR_EMAIL", ""),
		NVRPassword: config.GetEnv("NVR_PASSWORD", ""),

		FileHostURL: config.GetEnv("FILE_HOST_URL", ""),

		ProcessedOutputPath: config.GetEnv("PROCESSED_OUTPUT_PATH", "processed"),
		SigningKeyPath:      config.GetEnv("SIGNING_KEY_PATH", "state/private.key"),

		DetectorBrowser: config.GetEnv("DETECTOR_BROWSER", "google-chrome"),

		NotifyGatewayURL: config.GetEnv("NOTIFY_GATEWAY_URL", ""),
		NotifyServerKey:  config.GetEnv("NOTIFY_SERVER_KEY", ""),

		IngestInterval:      config.GetEnvDuration("INGEST_INTERVAL", 10*time.Second),
		DispatchIdleDelay:   config.GetEnvDuration("DISPATCH_IDLE_DELAY", 5*time.Second),
		StuckThreshold:      config.GetEnvDuration("STUCK_THRESHOLD", 10*time.Minute),
		SweepInterval:       config.GetEnvDuration("SWEEP_INTERVAL", 10*time.Minute),
		DispatchWaitTimeout: config.GetEnvDuration("DISPATCH_WAIT_TIMEOUT", 15*time.Minute),
	}
	cfg.LocalBaseURL = config.GetEnv("LOCAL_BASE_URL", fmt.Sprintf("http://localhost:%d", cfg.Port))

	if !cfg.IsFileHost && !cfg.IsProcessor {
		return nil, fmt.Errorf("at least one of ROLE_FILE_HOST and ROLE_PROCESSOR must be enabled")
	}
	if cfg.IsProcessor {
		if cfg.NVRHost == "" || cfg.NVREmail == "" || cfg.NVRPassword == "" {
			return nil, fmt.Errorf("processor role requires NVR_HOST, NVR_EMAIL and NVR_PASSWORD")
		}
		if !cfg.IsFileHost && cfg.FileHostURL == "" {
			return nil, fmt.Errorf("processor-only role requires FILE_HOST_URL")
		}
	}
	return cfg, nil
}
