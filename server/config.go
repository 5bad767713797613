package server

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config is the full backend configuration, loaded from a TOML file with
// environment variable overrides.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Isolation IsolationConfig `mapstructure:"isolation"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     string `mapstructure:"port"`
	UsersDir string `mapstructure:"users_dir"`
}

// AuthConfig holds OAuth/OIDC provider settings. Auth is enabled iff ClientID
// is non-empty; when disabled the access gate is bypassed entirely and all
// sessions are globally visible.
type AuthConfig struct {
	ClientID          string `mapstructure:"client_id"`
	ClientSecret      string `mapstructure:"client_secret"`
	AuthorizeURL      string `mapstructure:"authorize_url"`
	TokenURL          string `mapstructure:"token_url"`
	UserinfoURL       string `mapstructure:"userinfo_url"`
	ServerMetadataURL string `mapstructure:"server_metadata_url"`
	Scope             string `mapstructure:"scope"`
	IDClaim           string `mapstructure:"id_claim"`
	SessionSecret     string `mapstructure:"session_secret"`
}

// Enabled reports whether authentication is configured.
func (a AuthConfig) Enabled() bool { return a.ClientID != "" }

// Validate checks that an enabled auth config is complete. An enabled but
// incomplete config is a startup error, never a silent fallback.
func (a AuthConfig) Validate() error {
	if !a.Enabled() {
		return nil
	}
	if a.SessionSecret == "" {
		return errors.New("auth is configured but session_secret is missing; set [auth] session_secret")
	}
	if a.ClientSecret == "" {
		return errors.New("auth is configured but client_secret is missing; set [auth] client_secret")
	}
	hasIndividualURLs := a.AuthorizeURL != "" && a.TokenURL != "" && a.UserinfoURL != ""
	if !hasIndividualURLs && a.ServerMetadataURL == "" {
		return errors.New("auth requires either (authorize_url + token_url + userinfo_url) or server_metadata_url; set these in [auth]")
	}
	return nil
}

// IsolationConfig holds per-user sandbox container settings.
type IsolationConfig struct {
	DockerImage   string `mapstructure:"docker_image"`
	DockerRuntime string `mapstructure:"docker_runtime"`
	DockerBinary  string `mapstructure:"docker_binary"`
	Memory        string `mapstructure:"memory"`
	CPUs          string `mapstructure:"cpus"`
	EnvFile       string `mapstructure:"env_file"`
}

// LoadConfig reads agentdeck.toml (path overridable via AGENTDECK_CONFIG) and
// applies environment overrides. A missing config file is not an error; the
// defaults describe a single-user, auth-disabled deployment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	if path := os.Getenv("AGENTDECK_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentdeck")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentdeck")
	}

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.users_dir", "")
	v.SetDefault("auth.scope", "openid profile email")
	v.SetDefault("auth.id_claim", "sub")
	v.SetDefault("isolation.docker_image", "claude-sandbox")
	v.SetDefault("isolation.docker_runtime", "runsc")
	v.SetDefault("isolation.docker_binary", "docker")
	v.SetDefault("isolation.memory", "2g")
	v.SetDefault("isolation.cpus", "1")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// SetConfigFile bypasses the not-found type; tolerate a missing
			// explicit path the same way.
			if _, statErr := os.Stat(v.ConfigFileUsed()); !os.IsNotExist(statErr) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	// Environment overrides for deployment without a config file.
	bindEnv(v, "server.port", "PORT")
	bindEnv(v, "server.users_dir", "USERS_DIR")
	bindEnv(v, "auth.client_id", "AUTH_CLIENT_ID")
	bindEnv(v, "auth.client_secret", "AUTH_CLIENT_SECRET")
	bindEnv(v, "auth.session_secret", "AUTH_SESSION_SECRET")
	bindEnv(v, "auth.server_metadata_url", "AUTH_SERVER_METADATA_URL")
	bindEnv(v, "isolation.docker_binary", "DOCKER_BINARY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Auth.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindEnv(v *viper.Viper, key, env string) {
	if val := os.Getenv(env); val != "" {
		v.Set(key, val)
	}
}
