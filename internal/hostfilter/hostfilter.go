// Package hostfilter loads and normalizes whitelist/exclude host lists used
// by the federation walker and every other stage that needs to know which
// origins are in scope.
package hostfilter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// LoadHosts reads a whitelist/exclude list from a local file path or an
// http(s) URL and returns the set of normalized hostnames it contains.
// Blank lines and lines starting with # are ignored.
func LoadHosts(ctx context.Context, source string) (map[string]struct{}, error) {
	var r io.ReadCloser
	var err error

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		r, err = fetchURL(ctx, source)
	} else {
		r, err = os.Open(source)
	}
	if err != nil {
		return nil, fmt.Errorf("loading host list %q: %w", source, err)
	}
	defer r.Close()

	hosts := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		host, ok := Normalize(line)
		if !ok {
			continue
		}
		hosts[host] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading host list %q: %w", source, err)
	}
	return hosts, nil
}

func fetchURL(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, rawURL)
	}
	return resp.Body, nil
}

// Normalize reduces a raw whitelist/exclude/discovered entry to a bare
// lowercase hostname: trims whitespace, strips any scheme and path, strips
// leading/trailing dots, and rejects anything that normalizes to empty.
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.IndexAny(s, "/?#"); idx >= 0 {
		s = s[:idx]
	}
	// Drop a port suffix and any basic-auth userinfo prefix.
	if idx := strings.LastIndex(s, "@"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, ":"); idx >= 0 && !strings.Contains(s[idx:], "]") {
		s = s[:idx]
	}

	s = strings.ToLower(s)
	s = strings.Trim(s, ".")
	if s == "" {
		return "", false
	}

	if ascii, err := idna.Lookup.ToASCII(s); err == nil {
		s = ascii
	}
	return s, true
}

// FilterHosts removes any host present in excluded, case-insensitively.
func FilterHosts(hosts map[string]struct{}, excluded map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(hosts))
	for h := range hosts {
		if _, skip := excluded[strings.ToLower(h)]; skip {
			continue
		}
		out[h] = struct{}{}
	}
	return out
}

// OrderedSlice returns hosts as a deterministically sorted slice.
func OrderedSlice(hosts map[string]struct{}) []string {
	out := make([]string, 0, len(hosts))
	for h := range hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
