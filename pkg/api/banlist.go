package api

import (
	"sync"
	"time"

	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
)

// BanList tracks client addresses that keep requesting unmapped GET
// endpoints. An address that accumulates countToBan misses is banned
// until it stays quiet for unbanAfter.
type BanList struct {
	mu         sync.Mutex
	countToBan int
	unbanAfter time.Duration
	entries    map[string]*banEntry
}

type banEntry struct {
	count int
	stamp time.Time
}

// NewBanList returns an empty ban list. countToBan is the number of
// unmapped requests that triggers a ban, unbanAfter the quiet period
// after which a tracked or banned address is forgotten.
func NewBanList(countToBan int, unbanAfter time.Duration) *BanList {
	return &BanList{
		countToBan: countToBan,
		unbanAfter: unbanAfter,
		entries:    make(map[string]*banEntry),
	}
}

// Track records one unmapped request from addr. The entry's timestamp
// is refreshed on every call, so the quiet period restarts.
func (b *BanList) Track(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[addr]
	if !ok {
		b.entries[addr] = &banEntry{count: 1, stamp: time.Now()}
		return
	}
	e.count++
	e.stamp = time.Now()
}

// IsBanned reports whether addr has hit the ban threshold. An entry
// whose quiet period has elapsed is dropped. The first positive check
// bumps the count past the threshold and restamps the entry, so the
// unban clock starts from the moment the ban takes effect.
func (b *BanList) IsBanned(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[addr]
	if !ok {
		return false
	}
	if time.Since(e.stamp) > b.unbanAfter {
		delete(b.entries, addr)
		return false
	}
	if e.count == b.countToBan {
		logger.Warnf("Banning address %s for repeated requests to unmapped endpoints", addr)
		e.count++
		e.stamp = time.Now()
	}
	return e.count >= b.countToBan
}

// Summary adds the current banned and tracked address lists to out.
// The two lists are disjoint and always present.
func (b *BanList) Summary(out object.Object) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cleanup()

	banned := make([]string, 0)
	tracked := make([]string, 0)
	for addr, e := range b.entries {
		if e.count >= b.countToBan {
			banned = append(banned, addr)
		} else {
			tracked = append(tracked, addr)
		}
	}
	out["banned"] = banned
	out["tracked"] = tracked
}

// cleanup drops entries whose quiet period has elapsed. Caller holds mu.
func (b *BanList) cleanup() {
	for addr, e := range b.entries {
		if time.Since(e.stamp) > b.unbanAfter {
			delete(b.entries, addr)
		}
	}
}
