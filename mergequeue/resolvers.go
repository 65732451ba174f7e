package mergequeue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// resolver merges three versions of a whitelisted file's content into a
// resolved version accepted for staging, or fails (aborting the merge).
type resolver func(base, ours, theirs string) (string, error)

// resolvers is the small, declared whitelist from §4.6.1; keys match the
// file's base name as it appears at the repository root.
var resolvers = map[string]resolver{
	"package.json": resolveManifest,
	".gitignore":   resolveIgnoreFile,
	"README.md":    resolveReadme,
}

// manifest mirrors the slice of package.json this resolver cares about:
// a dependency map and a scripts map. Unknown top-level keys are carried
// from theirs, consistent with "prefer theirs" as the manifest's overall
// conflict stance outside the two recognized sections.
func resolveManifest(base, ours, theirs string) (string, error) {
	var baseM, oursM, theirsM map[string]any
	for _, pair := range []struct {
		src string
		dst *map[string]any
	}{{base, &baseM}, {ours, &oursM}, {theirs, &theirsM}} {
		m := map[string]any{}
		if strings.TrimSpace(pair.src) != "" {
			if err := json.Unmarshal([]byte(pair.src), &m); err != nil {
				return "", fmt.Errorf("manifest resolver: invalid json: %w", err)
			}
		}
		*pair.dst = m
	}

	merged := map[string]any{}
	for k, v := range theirsM {
		merged[k] = v
	}
	for k, v := range oursM {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}

	merged["dependencies"] = mergeStringMapPreferTheirs(
		toStringMap(baseM["dependencies"]), toStringMap(oursM["dependencies"]), toStringMap(theirsM["dependencies"]))
	merged["scripts"] = mergeStringMapPreferTheirs(
		toStringMap(baseM["scripts"]), toStringMap(oursM["scripts"]), toStringMap(theirsM["scripts"]))

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return "", fmt.Errorf("manifest resolver: %w", err)
	}
	return string(out) + "\n", nil
}

func toStringMap(v any) map[string]string {
	m, _ := v.(map[string]any)
	out := make(map[string]string, len(m))
	for k, vv := range m {
		if s, ok := vv.(string); ok {
			out[k] = s
		}
	}
	return out
}

// mergeStringMapPreferTheirs takes the union of ours/theirs keys; on a
// version conflict for the same key, theirs wins.
func mergeStringMapPreferTheirs(base, ours, theirs map[string]string) map[string]string {
	merged := map[string]string{}
	for k, v := range ours {
		merged[k] = v
	}
	for k, v := range theirs {
		merged[k] = v
	}
	return merged
}

// resolveIgnoreFile unions non-empty lines from both sides, grouped by the
// closest preceding "# comment" header and sorted within each group.
func resolveIgnoreFile(base, ours, theirs string) (string, error) {
	type group struct {
		header string
		lines  map[string]struct{}
	}
	var groups []*group
	byHeader := map[string]*group{}

	ensure := func(header string) *group {
		if g, ok := byHeader[header]; ok {
			return g
		}
		g := &group{header: header, lines: map[string]struct{}{}}
		byHeader[header] = g
		groups = append(groups, g)
		return g
	}

	ingest := func(content string) {
		header := ""
		sc := bufio.NewScanner(strings.NewReader(content))
		for sc.Scan() {
			line := strings.TrimRight(sc.Text(), " \t")
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if strings.HasPrefix(trimmed, "#") {
				header = trimmed
				ensure(header)
				continue
			}
			ensure(header).lines[trimmed] = struct{}{}
		}
	}

	ingest(ours)
	ingest(theirs)

	var b strings.Builder
	for _, g := range groups {
		if g.header != "" {
			fmt.Fprintln(&b, g.header)
		}
		lines := make([]string, 0, len(g.lines))
		for l := range g.lines {
			lines = append(lines, l)
		}
		sort.Strings(lines)
		for _, l := range lines {
			fmt.Fprintln(&b, l)
		}
	}
	return b.String(), nil
}

// resolveReadme takes theirs verbatim.
func resolveReadme(base, ours, theirs string) (string, error) {
	return theirs, nil
}
