package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxOutputBytes is the ceiling for rendered command output.
const MaxOutputBytes = 1 << 20

// OutputKind tags which variant an Output holds.
type OutputKind string

const (
	OutputScalar     OutputKind = "scalar"
	OutputStructured OutputKind = "structured"
	OutputPerTarget  OutputKind = "per_target"
)

// Output is the normalized command output.
type Output struct {
	Kind    OutputKind     `json:"kind"`
	Value   any            `json:"value,omitempty"`   // scalar or structured
	Targets map[string]any `json:"targets,omitempty"` // per target
	Text    string         `json:"text"`
}

// NewOutput wraps a single target's response.
func NewOutput(function string, v any) Output {
	kind := OutputScalar
	switch v.(type) {
	case map[string]any, []any:
		kind = OutputStructured
	}
	return Output{Kind: kind, Value: v, Text: FormatValue(function, v)}
}

type formatter struct {
	name   string
	format func(function string, v any) (string, bool)
}

// formatters are tried in order; the generic renderer is the fallback.
var formatters = []formatter{
	{"upgrade_diff", formatUpgradeDiff},
	{"disk_usage", formatDiskUsage},
	{"memory", formatMemory},
	{"package_list", formatPackageList},
}

// FormatValue renders one target's response for humans.
func FormatValue(function string, v any) string {
	for _, f := range formatters {
		if s, ok := f.format(function, v); ok {
			return s
		}
	}
	return formatGeneric(v)
}

// Truncate cuts s to max bytes on a rune boundary and appends a notice.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n... [output truncated: %d of %d bytes shown]", cut, len(s)), true
}

// --- memory ---

// MemoryStats is parsed from a meminfo style mapping.
type MemoryStats struct {
	TotalKB     uint64  `json:"total_kb"`
	AvailableKB uint64  `json:"available_kb"`
	UsedKB      uint64  `json:"used_kb"`
	UsedPercent float64 `json:"used_percent"`
}

// ParseMemory reads MemTotal and MemAvailable (or MemFree+Buffers+Cached).
// Values may be numbers, "123 kB" strings or {"value": ..., "unit": ...} maps.
func ParseMemory(v any) (MemoryStats, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return MemoryStats{}, false
	}
	total, ok := kbValue(m["MemTotal"])
	if !ok || total == 0 {
		return MemoryStats{}, false
	}
	avail, ok := kbValue(m["MemAvailable"])
	if !ok {
		free, okFree := kbValue(m["MemFree"])
		if !okFree {
			return MemoryStats{}, false
		}
		buffers, _ := kbValue(m["Buffers"])
		cached, _ := kbValue(m["Cached"])
		avail = free + buffers + cached
	}
	if avail > total {
		avail = total
	}
	used := total - avail
	return MemoryStats{
		TotalKB:     total,
		AvailableKB: avail,
		UsedKB:      used,
		UsedPercent: float64(used) / float64(total) * 100,
	}, true
}

func kbValue(v any) (uint64, bool) {
	switch t := v.(type) {
	case float64:
		return uint64(t), t >= 0
	case int:
		return uint64(t), t >= 0
	case string:
		fields := strings.Fields(t)
		if len(fields) == 0 {
			return 0, false
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		return n, err == nil
	case map[string]any:
		return kbValue(t["value"])
	}
	return 0, false
}

func formatMemory(_ string, v any) (string, bool) {
	st, ok := ParseMemory(v)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("Memory: %s used of %s (%.1f%%), %s available",
		humanKB(st.UsedKB), humanKB(st.TotalKB), st.UsedPercent, humanKB(st.AvailableKB)), true
}

func humanKB(kb uint64) string {
	const unit = 1024
	f := float64(kb)
	for _, suffix := range []string{"KiB", "MiB", "GiB"} {
		if f < unit {
			return fmt.Sprintf("%.1f %s", f, suffix)
		}
		f /= unit
	}
	return fmt.Sprintf("%.1f TiB", f)
}

// --- disk ---

// DiskUsage is one mount point of a disk usage report.
type DiskUsage struct {
	Mount       string  `json:"mount"`
	Filesystem  string  `json:"filesystem"`
	TotalKB     uint64  `json:"total_kb"`
	UsedKB      uint64  `json:"used_kb"`
	AvailableKB uint64  `json:"available_kb"`
	Percent     float64 `json:"percent"`
}

// ParseDiskUsage reads a mount -> {filesystem, 1K-blocks, used, available,
// capacity} mapping. Every entry must look like a mount for the parse to succeed.
func ParseDiskUsage(v any) ([]DiskUsage, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	out := make([]DiskUsage, 0, len(m))
	for mount, raw := range m {
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, false
		}
		capacity, hasCap := entry["capacity"]
		if !hasCap {
			return nil, false
		}
		pct, ok := percentValue(capacity)
		if !ok {
			return nil, false
		}
		d := DiskUsage{Mount: mount, Percent: pct}
		d.Filesystem, _ = entry["filesystem"].(string)
		d.TotalKB, _ = kbValue(entry["1K-blocks"])
		d.UsedKB, _ = kbValue(entry["used"])
		d.AvailableKB, _ = kbValue(entry["available"])
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mount < out[j].Mount })
	return out, true
}

func percentValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(t), "%"), 64)
		return f, err == nil
	}
	return 0, false
}

func formatDiskUsage(_ string, v any) (string, bool) {
	disks, ok := ParseDiskUsage(v)
	if !ok {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-20s %10s %10s %6s\n", "MOUNT", "FILESYSTEM", "USED", "SIZE", "USE%")
	for _, d := range disks {
		fmt.Fprintf(&b, "%-24s %-20s %10s %10s %5.0f%%\n", d.Mount, d.Filesystem, humanKB(d.UsedKB), humanKB(d.TotalKB), d.Percent)
	}
	return strings.TrimRight(b.String(), "\n"), true
}

// --- packages ---

func formatUpgradeDiff(_ string, v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return "", false
	}
	lines := make([]string, 0, len(m))
	for name, raw := range m {
		change, ok := raw.(map[string]any)
		if !ok {
			return "", false
		}
		oldV, hasOld := change["old"]
		newV, hasNew := change["new"]
		if !hasOld || !hasNew || len(change) != 2 {
			return "", false
		}
		lines = append(lines, fmt.Sprintf("  %s: %s -> %s", name, versionText(oldV), versionText(newV)))
	}
	sort.Strings(lines)
	return fmt.Sprintf("%d package(s) changed:\n%s", len(lines), strings.Join(lines, "\n")), true
}

func versionText(v any) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "(none)"
}

func formatPackageList(function string, v any) (string, bool) {
	if !strings.HasSuffix(function, "list_pkgs") {
		return "", false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	lines := make([]string, 0, len(m))
	for name, raw := range m {
		switch ver := raw.(type) {
		case string:
			lines = append(lines, fmt.Sprintf("  %-40s %s", name, ver))
		case []any:
			vs := make([]string, 0, len(ver))
			for _, x := range ver {
				vs = append(vs, fmt.Sprint(x))
			}
			lines = append(lines, fmt.Sprintf("  %-40s %s", name, strings.Join(vs, ", ")))
		default:
			return "", false
		}
	}
	sort.Strings(lines)
	return fmt.Sprintf("%d package(s) installed:\n%s", len(lines), strings.Join(lines, "\n")), true
}

// --- generic ---

func formatGeneric(v any) string {
	switch t := v.(type) {
	case nil:
		return "(no data)"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		if flat, ok := flatKeyValue(t); ok {
			return flat
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// flatKeyValue renders a mapping of scalars as sorted "key: value" lines.
func flatKeyValue(m map[string]any) (string, bool) {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		switch v.(type) {
		case map[string]any, []any:
			return "", false
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = fmt.Sprintf("%s: %s", k, formatGeneric(m[k]))
	}
	return strings.Join(lines, "\n"), true
}
