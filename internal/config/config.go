// Package config resolves settings for curriculumctl and catalogd from an
// optional .env file, an optional config file and CURRICULUM_* variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CURRICULUM"

type Client struct {
	BaseURL          string
	Token            string
	DraftDSN         string
	LogMode          string
	Timeout          time.Duration
	FetchConcurrency int
	MediaBaseURL     string
	MediaEventsURL   string
	OwnerID          string
	Origin           string
	Trace            bool
}

type Server struct {
	Addr              string
	JWTSecret         string
	CatalogDSN        string
	MediaDir          string
	MediaPublicURL    string
	UploadSecret      string
	GCSBucket         string
	GCSAccessID       string
	GCSPrivateKeyFile string
	MaxBodyBytes      int64
	RateLimitMax      int
	RateLimitWindow   time.Duration
	LogMode           string
	Trace             bool
}

// New loads dotenvPath (missing files are ignored) into the process
// environment and returns a viper instance bound to CURRICULUM_* variables.
// CURRICULUM_CONFIG may name a yaml/json/toml file read underneath the
// environment.
func New(dotenvPath string) (*viper.Viper, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}
	v := viper.New()
	v.SetTypeByDefaultValue(true)
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv(envPrefix + "_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "http://127.0.0.1:8080")
	v.SetDefault("token", "")
	v.SetDefault("draft_dsn", "curriculum-draft.json")
	v.SetDefault("log_mode", "dev")
	v.SetDefault("timeout", 15*time.Second)
	v.SetDefault("fetch_concurrency", 4)
	v.SetDefault("media_base_url", "")
	v.SetDefault("media_events_url", "")
	v.SetDefault("owner_id", "")
	v.SetDefault("origin", "curriculumctl")
	v.SetDefault("trace", false)

	v.SetDefault("addr", ":8080")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("catalog_dsn", "memory://")
	v.SetDefault("media_dir", "media")
	v.SetDefault("media_public_url", "http://127.0.0.1:8080")
	v.SetDefault("upload_secret", "")
	v.SetDefault("gcs_bucket", "")
	v.SetDefault("gcs_access_id", "")
	v.SetDefault("gcs_private_key_file", "")
	v.SetDefault("max_body_bytes", int64(1<<20))
	v.SetDefault("rate_limit_max", 0)
	v.SetDefault("rate_limit_window", time.Minute)
}

func LoadClient(v *viper.Viper) Client {
	c := Client{
		BaseURL:          strings.TrimRight(strings.TrimSpace(v.GetString("base_url")), "/"),
		Token:            strings.TrimSpace(v.GetString("token")),
		DraftDSN:         strings.TrimSpace(v.GetString("draft_dsn")),
		LogMode:          v.GetString("log_mode"),
		Timeout:          v.GetDuration("timeout"),
		FetchConcurrency: v.GetInt("fetch_concurrency"),
		MediaBaseURL:     strings.TrimRight(strings.TrimSpace(v.GetString("media_base_url")), "/"),
		MediaEventsURL:   strings.TrimSpace(v.GetString("media_events_url")),
		OwnerID:          strings.TrimSpace(v.GetString("owner_id")),
		Origin:           strings.TrimSpace(v.GetString("origin")),
		Trace:            v.GetBool("trace"),
	}
	if c.MediaBaseURL == "" {
		c.MediaBaseURL = c.BaseURL
	}
	if c.MediaEventsURL == "" {
		c.MediaEventsURL = eventsURL(c.MediaBaseURL)
	}
	return c
}

func LoadServer(v *viper.Viper) Server {
	return Server{
		Addr:              strings.TrimSpace(v.GetString("addr")),
		JWTSecret:         v.GetString("jwt_secret"),
		CatalogDSN:        strings.TrimSpace(v.GetString("catalog_dsn")),
		MediaDir:          strings.TrimSpace(v.GetString("media_dir")),
		MediaPublicURL:    strings.TrimRight(strings.TrimSpace(v.GetString("media_public_url")), "/"),
		UploadSecret:      v.GetString("upload_secret"),
		GCSBucket:         strings.TrimSpace(v.GetString("gcs_bucket")),
		GCSAccessID:       strings.TrimSpace(v.GetString("gcs_access_id")),
		GCSPrivateKeyFile: strings.TrimSpace(v.GetString("gcs_private_key_file")),
		MaxBodyBytes:      v.GetInt64("max_body_bytes"),
		RateLimitMax:      v.GetInt("rate_limit_max"),
		RateLimitWindow:   v.GetDuration("rate_limit_window"),
		LogMode:           v.GetString("log_mode"),
		Trace:             v.GetBool("trace"),
	}
}

// eventsURL derives the media events websocket from the API base URL.
func eventsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/v1/media/events"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/v1/media/events"
	default:
		return ""
	}
}
