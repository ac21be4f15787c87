package cache

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// DefaultMembershipTTL is how long a membership file is trusted before it
// is read again.
const DefaultMembershipTTL = 5 * time.Minute

// Membership is a set of ids loaded from a file, one id per line. Blank
// lines and lines starting with '#' are skipped.
type Membership struct {
	path  string
	cache *TTL[map[string]bool]
}

func NewMembership(path string, ttl time.Duration) *Membership {
	if ttl <= 0 {
		ttl = DefaultMembershipTTL
	}
	m := &Membership{path: path}
	m.cache = NewTTL(ttl, m.load)
	return m
}

// Contains reports whether id is listed. A failed reload falls back to the
// last good list; with no good list at all the error is returned.
func (m *Membership) Contains(ctx context.Context, id string) (bool, error) {
	set, err := m.cache.Get(ctx)
	if set == nil {
		if err == nil {
			err = fmt.Errorf("membership %s not loaded", m.path)
		}
		return false, err
	}
	return set[id], nil
}

// Refresh rereads the file now.
func (m *Membership) Refresh(ctx context.Context) error {
	return m.cache.Refresh(ctx)
}

func (m *Membership) LastRefreshed() time.Time {
	return m.cache.LastRefreshed()
}

func (m *Membership) load(context.Context) (map[string]bool, error) {
	f, err := os.Open(m.path)
	if err != nil {
		return nil, fmt.Errorf("open membership list: %w", err)
	}
	defer f.Close()

	set := make(map[string]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = true
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read membership list: %w", err)
	}
	return set, nil
}
