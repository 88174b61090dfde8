// Package update looks up the latest published release of rsched.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rsched/internal/sched"
)

const (
	requestTimeout = 10 * time.Second
	maxBody        = 1 << 20
)

// Checker fetches the latest release and compares it with the running version.
type Checker struct {
	url     string
	current string
	client  *http.Client
}

var _ sched.UpdateChecker = (*Checker)(nil)

// NewChecker creates a Checker. A nil client uses a client with a 10s timeout.
func NewChecker(url, current string, client *http.Client) *Checker {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Checker{url: url, current: current, client: client}
}

type releaseJSON struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Fetch returns the latest published release.
func (c *Checker) Fetch(ctx context.Context) (*sched.Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching release info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching release info: unexpected status %s", resp.Status)
	}

	var rel releaseJSON
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decoding release info: %w", err)
	}
	version := strings.TrimPrefix(rel.TagName, "v")
	if rel.TagName == "" || rel.HTMLURL == "" || version == "" {
		return nil, fmt.Errorf("invalid release data")
	}
	return &sched.Release{Tag: rel.TagName, Version: version, URL: rel.HTMLURL}, nil
}

func (c *Checker) Check(ctx context.Context) (*sched.Release, error) {
	rel, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if !IsNewer(rel.Version, c.current) {
		return nil, nil
	}
	return rel, nil
}

// IsNewer compares dotted numeric versions. A version that does not parse,
// such as a "dev" build, is never reported as outdated.
func IsNewer(remote, local string) bool {
	r, errR := parseVersion(remote)
	l, errL := parseVersion(local)
	if errR != nil || errL != nil {
		return false
	}
	for i := 0; i < len(r) && i < len(l); i++ {
		if r[i] != l[i] {
			return r[i] > l[i]
		}
	}
	return len(r) > len(l)
}

func parseVersion(v string) ([]int, error) {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
