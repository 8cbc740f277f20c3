// Package proxy manages the outbound HTTP proxy pool.
//
// Proxies are loaded once from a plain text file (one URL per line, # for
// comments). A missing file is not an error: the pool is simply empty and
// callers fall back to direct connections. A proxy that fails three times
// is taken out of rotation until ResetAll.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"strings"
	"sync"
)

const maxErrors = 3

// ErrPoolExhausted is returned when every proxy in a non-empty pool has been
// disabled.
var ErrPoolExhausted = errors.New("all proxies disabled")

type entry struct {
	url      string
	errors   int
	disabled bool
}

// Pool is a fixed set of proxies with random pick and round-robin rotation.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []entry
	next    int
	rng     *rand.Rand
}

// Load reads the proxy file. An absent file yields an empty, usable pool.
func Load(path string, logger *slog.Logger) (*Pool, error) {
	p := &Pool{
		logger: logger.With("component", "proxy"),
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		p.logger.Info("no proxy file, using direct connections", "path", path)
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := url.Parse(line); err != nil {
			p.logger.Warn("skipping malformed proxy", "line", line, "error", err)
			continue
		}
		p.entries = append(p.entries, entry{url: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}

	p.logger.Info("proxy pool loaded", "count", len(p.entries))
	return p, nil
}

// Size returns the number of loaded proxies, disabled included.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Pick returns a random enabled proxy, or "" for an empty pool.
func (p *Pool) Pick() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return "", nil
	}

	enabled := make([]int, 0, len(p.entries))
	for i, e := range p.entries {
		if !e.disabled {
			enabled = append(enabled, i)
		}
	}
	if len(enabled) == 0 {
		return "", ErrPoolExhausted
	}
	return p.entries[enabled[p.rng.Intn(len(enabled))]].url, nil
}

// Rotate returns the next enabled proxy in round-robin order, or "" for an
// empty pool.
func (p *Pool) Rotate() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return "", nil
	}

	for i := 0; i < len(p.entries); i++ {
		idx := p.next % len(p.entries)
		p.next++
		if !p.entries[idx].disabled {
			return p.entries[idx].url, nil
		}
	}
	return "", ErrPoolExhausted
}

// MarkError records a failure against a proxy; at three failures the proxy
// is disabled.
func (p *Pool) MarkError(proxyURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.entries {
		if p.entries[i].url != proxyURL {
			continue
		}
		p.entries[i].errors++
		if p.entries[i].errors >= maxErrors && !p.entries[i].disabled {
			p.entries[i].disabled = true
			p.logger.Warn("proxy disabled after repeated failures", "proxy", proxyURL)
		}
		return
	}
}

// ResetAll clears error counts and re-enables every proxy.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.entries {
		p.entries[i].errors = 0
		p.entries[i].disabled = false
	}
}
