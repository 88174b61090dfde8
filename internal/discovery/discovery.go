// Package discovery proposes well-known per-user directories for backup.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"rsched/internal/sched"
)

// defaultList is the candidate list. Lines starting with "-" are exclusion
// rules for the path above them; "~" expands to the home directory.
const defaultList = `
~/.gnupg
~/.ssh
~/.config
 -/*/Cache/
 -/*/cache/
 -/*/GPUCache/
~/.thunderbird
~/.local/share/Steam/userdata
~/AndroidStudioProjects
 -/*/build/
 -/*/app/build/
~/Desktop
~/Documents
~/Music
~/Pictures
~/Projects
 -/*/node_modules/
 -/*/target/
`

// Scanner reports the candidates from its list that exist as directories.
type Scanner struct {
	lines []string
	isDir func(string) bool
}

var _ sched.Discoverer = (*Scanner)(nil)

// NewScanner creates a Scanner over the built-in list for home.
func NewScanner(home string) *Scanner {
	return NewScannerFromList(expandHome(defaultList, home))
}

// NewScannerFromList creates a Scanner over an explicit candidate list.
func NewScannerFromList(list string) *Scanner {
	return &Scanner{lines: strings.Split(list, "\n"), isDir: isDir}
}

func (s *Scanner) Discover(ctx context.Context) ([]sched.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ParseCandidates(s.lines, s.isDir), nil
}

// ParseCandidates walks the list, keeping each path for which exists reports
// true together with the exclusion lines that follow it.
func ParseCandidates(lines []string, exists func(string) bool) []sched.Candidate {
	var found []sched.Candidate
	for i := 0; i < len(lines); i++ {
		path := strings.TrimSpace(lines[i])
		if path == "" || strings.HasPrefix(path, "-") {
			continue
		}

		var exclusions []string
		for i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if !strings.HasPrefix(next, "-") {
				break
			}
			exclusions = append(exclusions, strings.TrimSpace(next[1:]))
			i++
		}

		if exists(path) {
			found = append(found, sched.Candidate{
				Path:       filepath.Clean(path),
				Exclusions: strings.Join(exclusions, "\n"),
			})
		}
	}
	return found
}

func expandHome(list, home string) string {
	var b strings.Builder
	for _, line := range strings.Split(list, "\n") {
		if strings.HasPrefix(line, "~/") {
			line = filepath.Join(home, line[2:])
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
