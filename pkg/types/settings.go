package types

// Permission modes understood by the engines.
const (
	PermissionModeDefault     = "default"
	PermissionModeAcceptEdits = "acceptEdits"
	PermissionModeBypass      = "bypassPermissions"
	PermissionModePlan        = "plan"
)

// ChatSettings are the per-turn engine options a client may send with a
// message. Zero values fall back to the configured defaults.
type ChatSettings struct {
	Model           string   `json:"model,omitempty"`
	AllowedTools    []string `json:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`
	PermissionMode  string   `json:"permissionMode,omitempty"`
	SystemPrompt    string   `json:"systemPrompt,omitempty"`
	MaxTurns        int      `json:"maxTurns,omitempty"`
	WorkDir         string   `json:"workDir,omitempty"`
}

// Merge returns s with empty fields filled from defaults.
func (s ChatSettings) Merge(defaults ChatSettings) ChatSettings {
	out := s
	if out.Model == "" {
		out.Model = defaults.Model
	}
	if len(out.AllowedTools) == 0 {
		out.AllowedTools = defaults.AllowedTools
	}
	if len(out.DisallowedTools) == 0 {
		out.DisallowedTools = defaults.DisallowedTools
	}
	if out.PermissionMode == "" {
		out.PermissionMode = defaults.PermissionMode
	}
	if out.SystemPrompt == "" {
		out.SystemPrompt = defaults.SystemPrompt
	}
	if out.MaxTurns == 0 {
		out.MaxTurns = defaults.MaxTurns
	}
	if out.WorkDir == "" {
		out.WorkDir = defaults.WorkDir
	}
	if out.PermissionMode == "" {
		out.PermissionMode = PermissionModeDefault
	}
	return out
}
