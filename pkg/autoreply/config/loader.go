package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Capture groups:
//   - 1: variable name (${} syntax)
//   - 2: modifier ("-" for default, "?" for error)
//   - 3: default value or error message
//   - 4: variable name (bare $VAR syntax)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// APIKeyEnvVars lists the environment variables checked for the
// completion API key, in priority order.
var APIKeyEnvVars = []string{"AUTOREPLY_API_KEY", "OPENAI_API_KEY", "OPEN_AI_KEY"}

// Load reads the config file at path, or returns defaults plus environment
// when path is empty. .env files are loaded first.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		cfg := Default()
		resolveSecrets(cfg)
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile reads and parses a YAML configuration file, expanding
// environment references. Relative paths are resolved against the file's
// directory.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions. A key that came from
// the environment is written back as a reference, never as plaintext.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Completion.APIKey = sanitizeSecret(cfg.Completion.APIKey)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"autoreply.yaml",
		"autoreply.yml",
		"configs/config.yaml",
		"configs/autoreply.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns when the API key is hardcoded in the config file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if looksLikeRealKey(cfg.Completion.APIKey) && os.Getenv(apiKeyEnvSource()) != cfg.Completion.APIKey {
		logger.Warn("API key appears to be hardcoded in config",
			"hint", "set 'api_key: ${AUTOREPLY_API_KEY}' or run 'autoreply config set-key'")
	}
}

// IsEnvReference reports whether s is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// ---------- Internal ----------

// loadEnvFiles loads .env files. Existing variables are never overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references. Unset ${VAR} and $VAR are
// kept as-is; unset ${VAR:?msg} is an error.
func expandEnvVars(input string) (string, error) {
	var missing []string

	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+": "+value)
		}
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// resolveSecrets fills the API key from the OS keyring or environment when
// the config leaves it empty or unresolved.
func resolveSecrets(cfg *Config) {
	if cfg.Completion.APIKey != "" && !IsEnvReference(cfg.Completion.APIKey) {
		return
	}
	if key := GetKeyring(keyringAPIKey); key != "" {
		cfg.Completion.APIKey = key
		return
	}
	for _, name := range APIKeyEnvVars {
		if key := os.Getenv(name); key != "" {
			cfg.Completion.APIKey = key
			return
		}
	}
	// An unresolved reference is not a key.
	if IsEnvReference(cfg.Completion.APIKey) {
		cfg.Completion.APIKey = ""
	}
}

// apiKeyEnvSource returns the first API key variable that is set.
func apiKeyEnvSource() string {
	for _, name := range APIKeyEnvVars {
		if os.Getenv(name) != "" {
			return name
		}
	}
	return APIKeyEnvVars[0]
}

// resolveRelativePaths makes data paths relative to the config file.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.History.File = resolvePath(cfg.History.File, dir)
	cfg.WhatsApp.DatabasePath = resolvePath(cfg.WhatsApp.DatabasePath, dir)
}

// resolvePath expands ~ and anchors relative paths at dir.
func resolvePath(path, dir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// sanitizeSecret replaces a key that came from the environment with a
// reference to its variable.
func sanitizeSecret(value string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, name := range APIKeyEnvVars {
		if os.Getenv(name) == value {
			return "${" + name + "}"
		}
	}
	if GetKeyring(keyringAPIKey) == value {
		return ""
	}
	return value
}

// looksLikeRealKey heuristically checks whether s is a literal API key.
func looksLikeRealKey(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}

// checkFilePermissions warns if the config file is group or world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
