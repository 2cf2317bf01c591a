package identity

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"covenant.church/internal/obs"
)

// Allowlist is the administrator email set. It is swapped atomically on
// reload so readers never see a partial list.
type Allowlist struct {
	set    atomic.Pointer[map[string]struct{}]
	loader func(ctx context.Context) ([]string, error)
}

// NewAllowlist returns an allowlist seeded with emails.
func NewAllowlist(emails ...string) *Allowlist {
	a := &Allowlist{}
	a.Replace(emails)
	return a
}

// FileLoader reads one email per line. Blank lines and lines starting with
// '#' are ignored.
func FileLoader(path string) func(ctx context.Context) ([]string, error) {
	return func(context.Context) ([]string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read allowlist %s: %w", path, err)
		}
		return ParseAllowlist(data), nil
	}
}

// ParseAllowlist splits allowlist file content into raw entries.
func ParseAllowlist(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// SetLoader installs the source used by Reload and Watch.
func (a *Allowlist) SetLoader(fn func(ctx context.Context) ([]string, error)) {
	a.loader = fn
}

// LoadFile installs a file loader for path and loads it once.
func (a *Allowlist) LoadFile(ctx context.Context, path string) (int, error) {
	a.SetLoader(FileLoader(path))
	return a.Reload(ctx)
}

// Replace swaps in a new set. Invalid entries are skipped and logged.
// It returns the number of entries accepted.
func (a *Allowlist) Replace(emails []string) int {
	next := make(map[string]struct{}, len(emails))
	for _, raw := range emails {
		email, err := NormalizeEmail(raw)
		if err != nil {
			obs.Logger().Warn().Str("entry", raw).Msg("allowlist entry skipped")
			continue
		}
		next[email] = struct{}{}
	}
	a.set.Store(&next)
	return len(next)
}

// Contains reports whether the normalized email is on the list.
func (a *Allowlist) Contains(email string) bool {
	if a == nil {
		return false
	}
	set := a.set.Load()
	if set == nil {
		return false
	}
	_, ok := (*set)[email]
	return ok
}

// Len returns the current number of entries.
func (a *Allowlist) Len() int {
	set := a.set.Load()
	if set == nil {
		return 0
	}
	return len(*set)
}

// Emails returns the current entries in sorted order.
func (a *Allowlist) Emails() []string {
	set := a.set.Load()
	if set == nil {
		return nil
	}
	out := make([]string, 0, len(*set))
	for e := range *set {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Reload refreshes the set from the loader. On failure the previous set is kept.
func (a *Allowlist) Reload(ctx context.Context) (int, error) {
	if a.loader == nil {
		return 0, errors.New("allowlist has no loader")
	}
	emails, err := a.loader(ctx)
	if err != nil {
		return a.Len(), err
	}
	n := a.Replace(emails)
	obs.Logger().Info().Int("entries", n).Msg("allowlist reloaded")
	return n, nil
}

// Watch reloads every interval until ctx is done.
func (a *Allowlist) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 || a.loader == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Reload(ctx); err != nil {
				obs.Logger().Warn().Err(err).Msg("allowlist reload failed; keeping previous set")
			}
		}
	}
}
