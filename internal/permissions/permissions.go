// Package permissions implements StreamKit's role-based access control:
// per-role capability flags, glob allowlists for samples/nodes/plugins/
// assets, and the role-resolution policy driven by a trusted header.
//
// StreamKit never authenticates a request itself — role assignment is the
// job of whatever reverse proxy or auth layer sits in front of it. This
// package only maps an already-trusted role name to a Permissions value.
package permissions

// Permissions is one role's full capability set, ported field-for-field
// from permissions.rs's Permissions struct.
type Permissions struct {
	CreateSessions  bool `json:"create_sessions" mapstructure:"create_sessions"`
	DestroySessions bool `json:"destroy_sessions" mapstructure:"destroy_sessions"`
	ListSessions    bool `json:"list_sessions" mapstructure:"list_sessions"`
	ModifySessions  bool `json:"modify_sessions" mapstructure:"modify_sessions"`
	TuneNodes       bool `json:"tune_nodes" mapstructure:"tune_nodes"`

	LoadPlugins   bool `json:"load_plugins" mapstructure:"load_plugins"`
	DeletePlugins bool `json:"delete_plugins" mapstructure:"delete_plugins"`
	ListNodes     bool `json:"list_nodes" mapstructure:"list_nodes"`

	ListSamples   bool `json:"list_samples" mapstructure:"list_samples"`
	ReadSamples   bool `json:"read_samples" mapstructure:"read_samples"`
	WriteSamples  bool `json:"write_samples" mapstructure:"write_samples"`
	DeleteSamples bool `json:"delete_samples" mapstructure:"delete_samples"`

	// AllowedSamples/Nodes/Plugins/Assets are glob allowlists. An empty list
	// denies everything — "*" must be listed explicitly to allow all.
	AllowedSamples []string `json:"allowed_samples" mapstructure:"allowed_samples"`
	AllowedNodes   []string `json:"allowed_nodes" mapstructure:"allowed_nodes"`
	AllowedPlugins []string `json:"allowed_plugins" mapstructure:"allowed_plugins"`
	AllowedAssets  []string `json:"allowed_assets" mapstructure:"allowed_assets"`

	AccessAllSessions bool `json:"access_all_sessions" mapstructure:"access_all_sessions"`

	UploadAssets bool `json:"upload_assets" mapstructure:"upload_assets"`
	DeleteAssets bool `json:"delete_assets" mapstructure:"delete_assets"`
}

// Info is the subset of Permissions returned to API callers — allowlists
// are withheld since they can leak node/plugin inventory.
type Info struct {
	CreateSessions      bool `json:"create_sessions"`
	DestroySessions     bool `json:"destroy_sessions"`
	ListSessions        bool `json:"list_sessions"`
	ModifySessions      bool `json:"modify_sessions"`
	TuneNodes           bool `json:"tune_nodes"`
	LoadPlugins         bool `json:"load_plugins"`
	DeletePlugins       bool `json:"delete_plugins"`
	ListNodes           bool `json:"list_nodes"`
	ListSamples         bool `json:"list_samples"`
	ReadSamples         bool `json:"read_samples"`
	WriteSamples        bool `json:"write_samples"`
	DeleteSamples       bool `json:"delete_samples"`
	AccessAllSessions   bool `json:"access_all_sessions"`
	UploadAssets        bool `json:"upload_assets"`
	DeleteAssets        bool `json:"delete_assets"`
}

// ToInfo strips the allowlists for API responses.
func (p Permissions) ToInfo() Info {
	return Info{
		CreateSessions:    p.CreateSessions,
		DestroySessions:   p.DestroySessions,
		ListSessions:      p.ListSessions,
		ModifySessions:    p.ModifySessions,
		TuneNodes:         p.TuneNodes,
		LoadPlugins:       p.LoadPlugins,
		DeletePlugins:     p.DeletePlugins,
		ListNodes:         p.ListNodes,
		ListSamples:       p.ListSamples,
		ReadSamples:       p.ReadSamples,
		WriteSamples:      p.WriteSamples,
		DeleteSamples:     p.DeleteSamples,
		AccessAllSessions: p.AccessAllSessions,
		UploadAssets:      p.UploadAssets,
		DeleteAssets:      p.DeleteAssets,
	}
}

// Admin grants every capability and wildcard-allows every allowlist.
func Admin() Permissions {
	return Permissions{
		CreateSessions:    true,
		DestroySessions:   true,
		ListSessions:      true,
		ModifySessions:    true,
		TuneNodes:         true,
		LoadPlugins:       true,
		DeletePlugins:     true,
		ListNodes:         true,
		ListSamples:       true,
		ReadSamples:       true,
		WriteSamples:      true,
		DeleteSamples:     true,
		AllowedSamples:    []string{"*"},
		AllowedNodes:      []string{"*"},
		AllowedPlugins:    []string{"*"},
		AccessAllSessions: true,
		UploadAssets:      true,
		DeleteAssets:      true,
		AllowedAssets:     []string{"*"},
	}
}

// User grants moderate access: plugins can be used but never loaded or
// deleted, transport::http is withheld by default (SSRF risk), and sessions
// are scoped to their own creator.
func User() Permissions {
	return Permissions{
		CreateSessions:  true,
		DestroySessions: true,
		ListSessions:    true,
		ModifySessions:  true,
		TuneNodes:       true,
		LoadPlugins:     false,
		DeletePlugins:   false,
		ListNodes:       true,
		ListSamples:     true,
		ReadSamples:     true,
		WriteSamples:    true,
		DeleteSamples:   true,
		AllowedSamples: []string{
			"oneshot/*.yml", "oneshot/*.yaml",
			"dynamic/*.yml", "dynamic/*.yaml",
			"user/*.yml", "user/*.yaml",
		},
		AllowedNodes: []string{
			"audio::*",
			"containers::*",
			"transport::moq::*",
			"core::passthrough",
			"core::file_reader",
			"core::pacer",
			"core::json_serialize",
			"core::text_chunker",
			"core::script",
			"core::telemetry_tap",
			"core::telemetry_out",
			"core::sink",
			"plugin::*",
		},
		AllowedPlugins:    []string{"plugin::*"},
		AccessAllSessions: false,
		UploadAssets:      true,
		DeleteAssets:      true,
		AllowedAssets: []string{
			"samples/audio/system/*",
			"samples/audio/user/*",
		},
	}
}

// IsSampleAllowed reports whether path matches one of the role's sample
// allowlist globs. An empty allowlist denies everything.
func (p Permissions) IsSampleAllowed(path string) bool {
	return matchAny(p.AllowedSamples, path)
}

// IsNodeAllowed reports whether nodeType (e.g. "audio::gain",
// "plugin::wasm::echo") matches one of the role's node allowlist globs.
func (p Permissions) IsNodeAllowed(nodeType string) bool {
	return matchAny(p.AllowedNodes, nodeType)
}

// IsPluginAllowed reports whether pluginKind matches one of the role's
// plugin allowlist globs. This must stay aligned with IsNodeAllowed's
// "plugin::*" entries for RBAC to behave as a user expects: a node-kind
// allowlist entry only grants the ability to reference the kind in a
// pipeline, while this grants the ability to actually instantiate it.
func (p Permissions) IsPluginAllowed(pluginKind string) bool {
	return matchAny(p.AllowedPlugins, pluginKind)
}

// IsAssetAllowed reports whether path matches one of the role's asset
// allowlist globs.
func (p Permissions) IsAssetAllowed(path string) bool {
	return matchAny(p.AllowedAssets, path)
}

func matchAny(patterns []string, s string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, pattern := range patterns {
		if Match(pattern, s) {
			return true
		}
	}
	return false
}
