package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load resolves the process configuration from an optional YAML file and the
// environment. The bare environment variables (PORT, HOST, JWT_SECRET, ...)
// take precedence over the file.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8085)
	v.SetDefault("log_level", "info")
	v.SetDefault("encryption_key_file", defaultStatePath("relaygate.key"))
	v.SetDefault("db_path", defaultStatePath("relaygate.db"))
	v.SetDefault("ui_redirect_path", "/ui/")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	// RELAYGATE_-prefixed variables map onto any key.
	v.SetEnvPrefix("RELAYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The bare variables named by the configuration contract.
	bindBareEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindBareEnv applies the unprefixed environment variables recognized by the
// configuration contract. They override both file values and RELAYGATE_ vars.
func bindBareEnv(v *viper.Viper) {
	setString := func(key, env string) {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}
	setInt := func(key, env string) {
		if val := os.Getenv(env); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				v.Set(key, n)
			}
		}
	}

	setString("host", "HOST")
	setInt("port", "PORT")
	setString("log_level", "LOG_LEVEL")
	setString("jwt_secret", "JWT_SECRET")
	setString("encryption_key_file", "ENCRYPTION_KEY_FILE")
	setString("db_path", "DB_PATH")
	setString("ui_dir", "UI_DIR")
	setString("public_url", "PUBLIC_URL")
	setString("admin_password_hash", "ADMIN_PASSWORD_HASH")
	setInt("token_ttl_minutes", "TOKEN_TTL_MINUTES")
	setInt("rate_limit_rpm", "RATE_LIMIT_RPM")
	setInt("audit_retention_days", "AUDIT_RETENTION_DAYS")

	if val := os.Getenv("ALLOWED_ORIGINS"); val != "" {
		var origins []string
		for _, o := range strings.Split(val, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		v.Set("allowed_origins", origins)
	}
}

// findConfigFile searches standard locations for relaygate.yaml/.yml.
// The explicit extension avoids matching the binary itself.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{".", filepath.Join(home, ".relaygate"), "/etc/relaygate"}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "relaygate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// defaultStatePath places state files under ~/.relaygate.
func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".relaygate", name)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
