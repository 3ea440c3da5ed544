package engine

// Palette is the fixed, ordered set of workstream display colors.
var Palette = []string{"blue", "green", "purple", "orange", "pink", "teal", "red", "yellow"}

// AssignColor returns the first palette entry not in used. When every palette
// color is taken it wraps around to the first entry, so assignment always
// succeeds and stays deterministic.
func AssignColor(used []string, palette []string) string {
	if len(palette) == 0 {
		return ""
	}
	taken := make(map[string]bool, len(used))
	for _, c := range used {
		taken[c] = true
	}
	for _, c := range palette {
		if !taken[c] {
			return c
		}
	}
	return palette[0]
}
