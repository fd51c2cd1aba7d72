// Package config loads StreamKit's server configuration from a TOML file
// with environment-variable overrides, via spf13/viper — the same
// TOML+env-override shape the wider pack's tvarr/xarvis repos use
// (SK_ prefix, "__" as the nested-key separator).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/streamkit-io/streamkit/internal/engine"
	"github.com/streamkit-io/streamkit/internal/permissions"
)

// Server is the `[server]` section: bind address, CORS, and storage roots.
type Server struct {
	Addr          string   `mapstructure:"addr"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
	SamplesDir    string   `mapstructure:"samples_dir"`
	AssetsDir     string   `mapstructure:"assets_dir"`
	DatabasePath  string   `mapstructure:"database_path"`
}

// Plugins is the `[plugins]` section: where plugin binaries live and
// whether the HTTP upload/unload endpoints are exposed at all.
type Plugins struct {
	WasmDir               string `mapstructure:"wasm_dir"`
	NativeDir             string `mapstructure:"native_dir"`
	AllowHTTPManagement   bool   `mapstructure:"allow_http_management"`
	ResourceCacheMaxMemoryMB int `mapstructure:"resource_cache_max_memory_mb"`
}

// Engine is the `[engine]` section.
type Engine struct {
	Profile string `mapstructure:"profile"` // low_latency | balanced | high_throughput
}

// Config is the root configuration object decoded from TOML + environment.
type Config struct {
	Server      Server              `mapstructure:"server"`
	Engine      Engine              `mapstructure:"engine"`
	Plugins     Plugins             `mapstructure:"plugins"`
	Permissions permissions.Config  `mapstructure:"permissions"`
}

// EngineProfile maps the configured profile name to engine.Profile,
// defaulting to Balanced for an unrecognized or empty value.
func (c Config) EngineProfile() engine.Profile {
	switch strings.ToLower(c.Engine.Profile) {
	case "low_latency":
		return engine.ProfileLowLatency
	case "high_throughput":
		return engine.ProfileHighThroughput
	default:
		return engine.ProfileBalanced
	}
}

// Default returns the built-in configuration used when no file is found —
// loopback bind address, storage roots under ./data, the admin default
// role, and plugin directories under ./data/plugins.
func Default() Config {
	return Config{
		Server: Server{
			Addr:         "127.0.0.1:8080",
			SamplesDir:   "./data/samples",
			AssetsDir:    "./data/assets",
			DatabasePath: "./data/streamkit.db",
		},
		Engine: Engine{Profile: "balanced"},
		Plugins: Plugins{
			WasmDir:   "./data/plugins/wasm",
			NativeDir: "./data/plugins/native",
		},
		Permissions: permissions.DefaultConfig(),
	}
}

// Load reads path (if non-empty and present) as TOML, then applies SK_-
// prefixed environment overrides on top, e.g. SK_SERVER__ADDR overrides
// server.addr.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("SK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.samples_dir", def.Server.SamplesDir)
	v.SetDefault("server.assets_dir", def.Server.AssetsDir)
	v.SetDefault("server.database_path", def.Server.DatabasePath)
	v.SetDefault("engine.profile", def.Engine.Profile)
	v.SetDefault("plugins.wasm_dir", def.Plugins.WasmDir)
	v.SetDefault("plugins.native_dir", def.Plugins.NativeDir)
	v.SetDefault("permissions.default_role", def.Permissions.DefaultRole)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Permissions.Roles == nil {
		cfg.Permissions = permissions.DefaultConfig()
	}
	if cfg.Permissions.DefaultRole == "" {
		cfg.Permissions.DefaultRole = "admin"
	}
	return cfg, nil
}

// Validate enforces the "no insecure no-auth on a non-loopback bind" rule:
// StreamKit implements no authentication, so binding beyond loopback
// without a trusted role header is a foot-gun the server refuses outright
// unless the operator explicitly opts in.
func (c Config) Validate() error {
	if c.Permissions.RoleHeader != "" || c.Permissions.AllowInsecureNoAuth {
		return nil
	}
	if isLoopback(c.Server.Addr) {
		return nil
	}
	return fmt.Errorf(
		"refusing to bind %q without permissions.role_header set: "+
			"StreamKit has no authentication of its own; set permissions.allow_insecure_no_auth "+
			"to override (unsafe) or put a trusted auth layer in front and set role_header",
		c.Server.Addr,
	)
}

func isLoopback(addr string) bool {
	host := addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		host = addr[:idx]
	}
	host = strings.Trim(host, "[]")
	return host == "" || host == "localhost" || host == "127.0.0.1" || host == "::1"
}
