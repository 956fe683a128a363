package admission

import (
	"fmt"
	"strings"

	"github.com/harborscale/go-harborscale-state/environment"
)

// Preset names a route class and its fixed-window budget.
type Preset struct {
	Name          string
	Limit         int
	WindowSeconds int
	// AuthenticatedLimit, when positive, replaces Limit for authenticated
	// callers. Zero means authentication makes no difference.
	AuthenticatedLimit int
}

func (p Preset) limitFor(authenticated bool) int {
	if authenticated && p.AuthenticatedLimit > 0 {
		return p.AuthenticatedLimit
	}
	return p.Limit
}

// DefaultPresets are the stock route classes. Windows are seconds.
func DefaultPresets() map[string]Preset {
	return map[string]Preset{
		"public":     {Name: "public", Limit: 60, WindowSeconds: 60},
		"auth":       {Name: "auth", Limit: 10, WindowSeconds: 60, AuthenticatedLimit: 20},
		"read":       {Name: "read", Limit: 120, WindowSeconds: 60, AuthenticatedLimit: 240},
		"write":      {Name: "write", Limit: 30, WindowSeconds: 60, AuthenticatedLimit: 60},
		"webhook":    {Name: "webhook", Limit: 300, WindowSeconds: 60},
		"deployment": {Name: "deployment", Limit: 10, WindowSeconds: 300},
	}
}

// PresetsFromEnv returns the defaults with per-preset overrides applied from
// ADMISSION_<NAME>_LIMIT, ADMISSION_<NAME>_WINDOW_SECONDS and
// ADMISSION_<NAME>_AUTH_LIMIT.
func PresetsFromEnv() map[string]Preset {
	presets := DefaultPresets()
	for name, preset := range presets {
		prefix := "ADMISSION_" + strings.ToUpper(name)
		preset.Limit = environment.GetIntWithDefault(prefix+"_LIMIT", preset.Limit)
		preset.WindowSeconds = environment.GetIntWithDefault(prefix+"_WINDOW_SECONDS", preset.WindowSeconds)
		preset.AuthenticatedLimit = environment.GetIntWithDefault(prefix+"_AUTH_LIMIT", preset.AuthenticatedLimit)
		presets[name] = preset
	}
	return presets
}

// UnknownPresetError reports a route class the limiter was never configured
// with. Misconfigured callers must fail loudly rather than ride a default.
func UnknownPresetError(name string) error {
	return fmt.Errorf("%w: %s", ErrUnknownPreset, name)
}
