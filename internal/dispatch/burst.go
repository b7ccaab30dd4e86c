package dispatch

import (
	"encoding/json"
	"sort"
	"strings"

	"reportflow/internal/domain"
	"reportflow/internal/report"
)

// BurstConfig controls how a bursting distribution splits one report
// into per-group variants. Targets binds a group value to its recipient
// list (email); FilenamePattern names per-group files and must contain
// the {group} placeholder.
type BurstConfig struct {
	Targets         map[string][]string `json:"targets"`
	FilenamePattern string              `json:"filename_pattern"`
}

// Group is one bursting partition: the distinct burst-field value and
// the rows carrying it.
type Group struct {
	Key  string
	Rows *report.ResultSet
}

// ParseBurstConfig validates the raw burst config for the distribution.
func ParseBurstConfig(d domain.Distribution) (BurstConfig, error) {
	var bc BurstConfig
	if len(d.BurstConfig) == 0 {
		return bc, domain.Configf("bursting distribution %s has empty burst config", d.ID)
	}
	if err := json.Unmarshal(d.BurstConfig, &bc); err != nil {
		return bc, domain.Configf("malformed burst config: %v", err)
	}
	if d.Type == domain.DistEmail && len(bc.Targets) == 0 {
		return bc, domain.Configf("bursting email distribution %s has no targets", d.ID)
	}
	if bc.FilenamePattern != "" && !strings.Contains(bc.FilenamePattern, "{group}") {
		return bc, domain.Configf("filename pattern %q missing {group} placeholder", bc.FilenamePattern)
	}
	return bc, nil
}

// Partition splits rows by the distinct values of field, groups ordered
// ascending by raw value so delivery order is reproducible.
func Partition(rs *report.ResultSet, field string) ([]Group, error) {
	idx := rs.ColumnIndex(field)
	if idx < 0 {
		return nil, domain.Configf("burst field %q not present in result set", field)
	}

	byKey := make(map[string][][]string)
	for _, row := range rs.Rows {
		key := ""
		if idx < len(row) {
			key = row[idx]
		}
		byKey[key] = append(byKey[key], row)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	groups := make([]Group, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, Group{
			Key: k,
			Rows: &report.ResultSet{
				Columns: rs.Columns,
				Rows:    byKey[k],
				Meta:    report.QueryMeta{RowCount: len(byKey[k])},
			},
		})
	}
	return groups, nil
}

// GroupFilename expands the pattern for one group, falling back to
// <base>_<group> when no pattern is configured.
func (bc BurstConfig) GroupFilename(base, group string) string {
	if bc.FilenamePattern == "" {
		ext := ""
		if i := strings.LastIndex(base, "."); i >= 0 {
			base, ext = base[:i], base[i:]
		}
		return base + "_" + sanitizeToken(group) + ext
	}
	return strings.ReplaceAll(bc.FilenamePattern, "{group}", sanitizeToken(group))
}

// Recipients resolves the per-group recipient binding; ok is false when
// the group has no binding, which is a per-group failure.
func (bc BurstConfig) Recipients(group string) ([]string, bool) {
	r, ok := bc.Targets[group]
	return r, ok
}

func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
