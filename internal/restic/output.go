package restic

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rsched/internal/sched"
)

type snapshotJSON struct {
	ID      string    `json:"id"`
	ShortID string    `json:"short_id"`
	Time    time.Time `json:"time"`
	Paths   []string  `json:"paths"`
	Tags    []string  `json:"tags"`
}

// parseSnapshots decodes `restic snapshots --json`. Snapshots must be in
// ascending time order.
func parseSnapshots(out []byte) ([]sched.Snapshot, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	var raw []snapshotJSON
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("decoding snapshots: %w", err)
	}

	snaps := make([]sched.Snapshot, 0, len(raw))
	for i, r := range raw {
		if i > 0 && r.Time.Before(raw[i-1].Time) {
			return nil, fmt.Errorf("snapshot times are not in ascending order at %s", r.ShortID)
		}
		snaps = append(snaps, sched.Snapshot{ID: r.ID, ShortID: r.ShortID, Time: r.Time, Paths: r.Paths, Tags: r.Tags})
	}
	return snaps, nil
}

type messageJSON struct {
	MessageType string `json:"message_type"`
	Modifier    string `json:"modifier"`
	Path        string `json:"path"`
	Error       struct {
		Message string `json:"message"`
	} `json:"error"`
}

// parseBackupOutput returns the summary line of `restic backup --json`. Error
// messages or unexpected output fail the backup even when restic exits 0.
func parseBackupOutput(stdout, stderr []byte) (string, error) {
	var summary string
	var problems []string

	for _, line := range lines(stdout, stderr) {
		if !strings.HasPrefix(line, "{") {
			problems = append(problems, "unexpected output: "+line)
			continue
		}
		var msg messageJSON
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			problems = append(problems, "unreadable output: "+line)
			continue
		}
		switch msg.MessageType {
		case "summary":
			summary = line
		case "error":
			problems = append(problems, msg.Error.Message)
		default:
			problems = append(problems, "unexpected message: "+msg.MessageType)
		}
	}

	if len(problems) > 0 {
		return "", fmt.Errorf("backup reported errors: %s", strings.Join(problems, "; "))
	}
	if summary == "" {
		return "", fmt.Errorf("no summary found in output")
	}
	return summary, nil
}

// validateCheckOutput fails on anything restic check --quiet prints.
func validateCheckOutput(stderr []byte) error {
	problems := lines(stderr)
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("check reported problems: %s", strings.Join(problems, "; "))
}

// parseDiff scans `restic diff --json` for changes whose modifier contains
// '?', which restic reports when content changed but metadata did not.
func parseDiff(out []byte) error {
	var rotten []string
	for i, line := range lines(out) {
		if !strings.HasPrefix(line, "{") {
			// restic prints a plain header line before the JSON stream.
			if i == 0 {
				continue
			}
			return fmt.Errorf("unexpected diff output on line %d: %s", i+1, line)
		}
		var msg messageJSON
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return fmt.Errorf("decoding diff line %d: %w", i+1, err)
		}
		switch msg.MessageType {
		case "statistics":
		case "change":
			if strings.Contains(msg.Modifier, "?") {
				rotten = append(rotten, msg.Path)
			}
		default:
			return fmt.Errorf("unexpected diff message %q on line %d", msg.MessageType, i+1)
		}
	}
	if len(rotten) > 0 {
		return fmt.Errorf("%w in %d files: %s", sched.ErrBitrot, len(rotten), strings.Join(rotten, ", "))
	}
	return nil
}

// lines returns the non-blank lines of each buffer, in order.
func lines(bufs ...[]byte) []string {
	var out []string
	for _, b := range bufs {
		sc := bufio.NewScanner(bytes.NewReader(b))
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				out = append(out, line)
			}
		}
	}
	return out
}

// excludeRules converts the stored exclusion text to restic --iexclude
// patterns. Rules starting with "/" are anchored at the backup root.
func excludeRules(root, exclusions string) []string {
	var rules []string
	base := strings.TrimSuffix(filepath.ToSlash(root), "/")
	for _, line := range strings.Split(exclusions, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "/") {
			line = base + line
		}
		rules = append(rules, line)
	}
	return rules
}

// writeExcludeFile writes the rules to a temporary file. The returned path is
// empty when there are no rules; cleanup is always safe to call.
func writeExcludeFile(root, exclusions string) (string, func(), error) {
	rules := excludeRules(root, exclusions)
	if len(rules) == 0 {
		return "", func() {}, nil
	}
	f, err := os.CreateTemp("", "rsched-exclude-*.txt")
	if err != nil {
		return "", func() {}, fmt.Errorf("creating exclude file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := f.WriteString(strings.Join(rules, "\n") + "\n"); err != nil {
		f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("writing exclude file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("closing exclude file: %w", err)
	}
	return f.Name(), cleanup, nil
}
