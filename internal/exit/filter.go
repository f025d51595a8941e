package exit

import (
	"strings"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// InScope reports whether pos is managed under r. Positions on other
// instruments, or non-manual positions when the manual filter is on, are
// ignored entirely.
func InScope(pos domain.Position, r Rules) bool {
	if !strings.EqualFold(strings.TrimSpace(pos.Instrument), r.Instrument) {
		return false
	}
	if r.OnlyManual && !IsManualLabel(pos.Label, r.LabelWhitelist) {
		return false
	}
	return true
}

// IsManualLabel treats an empty or whitespace label as manual. A non-empty
// whitelist additionally admits labels containing it, case-insensitively.
func IsManualLabel(label, whitelist string) bool {
	if strings.TrimSpace(label) == "" {
		return true
	}
	if strings.TrimSpace(whitelist) == "" {
		return false
	}
	return strings.Contains(strings.ToLower(label), strings.ToLower(whitelist))
}
