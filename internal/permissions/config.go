package permissions

import "log/slog"

// Config is the `[permissions]` section of the server's TOML config,
// ported from permissions.rs's PermissionsConfig.
type Config struct {
	// DefaultRole is used for any request role assignment doesn't resolve
	// otherwise. StreamKit implements no authentication of its own; this is
	// the effective role for every request unless RoleHeader is set and
	// present.
	DefaultRole string `toml:"default_role" mapstructure:"default_role"`

	// RoleHeader, if set, names a trusted HTTP header (e.g. "x-streamkit-role")
	// used to select a role. Only safe behind a reverse proxy that
	// authenticates the caller and strips any client-supplied header of the
	// same name before forwarding.
	RoleHeader string `toml:"role_header" mapstructure:"role_header"`

	// AllowInsecureNoAuth permits binding to a non-loopback address without
	// RoleHeader set. Refused by default: without a trusted header, every
	// request gets DefaultRole, which is unsafe to expose beyond localhost.
	AllowInsecureNoAuth bool `toml:"allow_insecure_no_auth" mapstructure:"allow_insecure_no_auth"`

	Roles map[string]Permissions `toml:"roles" mapstructure:"roles"`

	// MaxConcurrentSessions/MaxConcurrentOneshots are global caps; 0 means
	// unlimited (not Rust's Option<usize>, since Go's TOML decoding has no
	// natural "unset" distinct from the zero value short of a pointer, and
	// every other global cap in this codebase already uses 0-means-unlimited).
	MaxConcurrentSessions int `toml:"max_concurrent_sessions" mapstructure:"max_concurrent_sessions"`
	MaxConcurrentOneshots int `toml:"max_concurrent_oneshots" mapstructure:"max_concurrent_oneshots"`
}

// DefaultConfig mirrors PermissionsConfig::default(): admin as the default
// role, with both builtin roles registered.
func DefaultConfig() Config {
	return Config{
		DefaultRole: "admin",
		Roles: map[string]Permissions{
			"admin": Admin(),
			"user":  User(),
		},
	}
}

// GetRole resolves a role name to its Permissions, falling back to
// DefaultRole (logging a warning) when roleName is unknown, and to a
// zero-value (deny-everything) Permissions if even DefaultRole is missing.
func (c Config) GetRole(roleName string, log *slog.Logger) Permissions {
	if log == nil {
		log = slog.Default()
	}
	if perms, ok := c.Roles[roleName]; ok {
		return perms
	}
	log.Warn("role not found, falling back to default", "role", roleName, "default_role", c.DefaultRole)
	return c.Roles[c.DefaultRole]
}

// GetDefault resolves DefaultRole.
func (c Config) GetDefault(log *slog.Logger) Permissions {
	return c.GetRole(c.DefaultRole, log)
}

// CanAcceptSession reports whether currentCount is under
// MaxConcurrentSessions (0 = unlimited).
func (c Config) CanAcceptSession(currentCount int) bool {
	return c.MaxConcurrentSessions <= 0 || currentCount < c.MaxConcurrentSessions
}

// CanAcceptOneshot reports whether currentCount is under
// MaxConcurrentOneshots (0 = unlimited).
func (c Config) CanAcceptOneshot(currentCount int) bool {
	return c.MaxConcurrentOneshots <= 0 || currentCount < c.MaxConcurrentOneshots
}

// ResolveRoleName extracts the caller's role name from a request header
// value (already looked up by the caller via RoleHeader), falling back to
// DefaultRole when RoleHeader is unset or the header was absent/blank.
func (c Config) ResolveRoleName(headerValue string, headerPresent bool) string {
	if c.RoleHeader == "" || !headerPresent || headerValue == "" {
		return c.DefaultRole
	}
	return headerValue
}
