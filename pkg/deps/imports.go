// Package deps analyzes import-like references between planned output files,
// builds a dependency graph, breaks cycles, and topologically sorts the files
// into parallel-safe generation batches.
package deps

import (
	"regexp"
	"strings"
)

// Import extraction patterns per language. Applied line by line; comment
// lines are skipped.
var (
	pythonImport = regexp.MustCompile(`^\s*import\s+([\w.]+)`)
	pythonFrom   = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)

	jsImportFrom = regexp.MustCompile(`import\s+[\w{}*,\s]+\s+from\s+['"]([^'"]+)['"]`)
	jsBareImport = regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`)
	jsRequire    = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	jsDynImport  = regexp.MustCompile(`import\(\s*['"]([^'"]+)['"]\s*\)`)
)

var sourceExtensions = []string{".py", ".ts", ".tsx", ".js", ".jsx", ".mjs"}

// ExtractImports returns the modules referenced by the given file content.
// Supported languages: python, javascript, typescript. Unknown languages
// yield no imports. Results are normalized: relative-path prefixes and known
// source extensions are stripped, and duplicates removed.
func ExtractImports(content, language string) []string {
	var patterns []*regexp.Regexp
	switch strings.ToLower(language) {
	case "python", "py":
		patterns = []*regexp.Regexp{pythonImport, pythonFrom}
	case "javascript", "js", "typescript", "ts":
		patterns = []*regexp.Regexp{jsImportFrom, jsBareImport, jsRequire, jsDynImport}
	default:
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(trimmed, language) {
			continue
		}
		for _, p := range patterns {
			for _, m := range p.FindAllStringSubmatch(line, -1) {
				name := normalizeImport(m[1])
				if name != "" && !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
			}
		}
	}
	return out
}

func isComment(line, language string) bool {
	switch strings.ToLower(language) {
	case "python", "py":
		return strings.HasPrefix(line, "#")
	default:
		return strings.HasPrefix(line, "//") || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "/*")
	}
}

// normalizeImport strips relative-path prefixes and known source-file
// extensions so "./utils/helpers.ts" and "utils/helpers" resolve alike.
func normalizeImport(name string) string {
	for strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") {
		name = strings.TrimPrefix(name, "./")
		name = strings.TrimPrefix(name, "../")
	}
	for _, ext := range sourceExtensions {
		if strings.HasSuffix(name, ext) {
			name = strings.TrimSuffix(name, ext)
			break
		}
	}
	return strings.TrimSpace(name)
}

// slugify converts a task title into a fallback file path.
func slugify(title string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
