// Package tokenpool implements the concurrency-safe load balancer that
// fronts the gateway's collection of upstream bearer tokens: scoring,
// success/error bookkeeping, automatic de-activation, and JSON persistence.
package tokenpool

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/wopan/gateway/internal/metrics"
)

// DeactivateErrorThreshold is the error count a token must exceed, combined
// with a success rate under 50%, before it is automatically deactivated.
// The upstream Python prototype uses 5; this implementation picks a more
// conservative 10 so a brief burst of upstream flakiness does not retire a
// token that is still mostly healthy. See DESIGN.md for the full rationale.
const DeactivateErrorThreshold = 10

// Strategy selects how Acquire picks the next token.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Best       Strategy = "best"
)

// ErrNoActiveTokens is returned by Acquire when the pool has no active
// tokens to hand out.
var ErrNoActiveTokens = errors.New("tokenpool: no active tokens")

// Record is one token's identity and health state.
type Record struct {
	Token     string    `json:"token"`
	Name      string    `json:"name"`
	Active    bool      `json:"is_active"`
	Successes uint64    `json:"-"`
	Errors    uint64    `json:"-"`
	LastUsed  time.Time `json:"-"`
	LastError string    `json:"-"`
}

// SuccessRate is successes/(successes+errors), reported as 100.0 when there
// are no samples yet (an untested token is assumed healthy).
func (r Record) SuccessRate() float64 {
	total := r.Successes + r.Errors
	if total == 0 {
		return 100.0
	}
	return 100.0 * float64(r.Successes) / float64(total)
}

// Stats is a snapshot of one record plus its derived fields, returned by
// Pool.Stats.
type Stats struct {
	Token       string    `json:"token"`
	Name        string    `json:"name"`
	Active      bool      `json:"active"`
	Successes   uint64    `json:"successes"`
	Errors      uint64    `json:"errors"`
	SuccessRate float64   `json:"success_rate"`
	LastUsed    time.Time `json:"last_used,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// persistedFile is the on-disk shape of tokens.json. Counts are
// intentionally absent: they are session-local health signals, reset on
// every restart so a transient burst of upstream errors does not
// permanently poison a token across operator restarts.
type persistedFile struct {
	Tokens []persistedToken `json:"tokens"`
}

type persistedToken struct {
	Token    string `json:"token"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Pool is a totally-ordered, concurrency-safe collection of token records
// keyed by secret. One mutex covers the record list and the round-robin
// cursor; all public methods are serialized and hold no I/O other than the
// (small) persistence write.
type Pool struct {
	mu      sync.Mutex
	path    string
	records []*Record
	cursor  int
}

// Load reads tokens.json at path, creating it with a single placeholder
// entry if it does not yet exist.
func Load(path string) (*Pool, error) {
	p := &Pool{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		p.records = []*Record{{Token: "REPLACE_ME", Name: "placeholder", Active: true}}
		if err := p.persistLocked(); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err != nil {
		return nil, err
	}

	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, err
	}
	for _, t := range pf.Tokens {
		p.records = append(p.records, &Record{Token: t.Token, Name: t.Name, Active: t.IsActive})
	}
	return p, nil
}

// persistLocked writes the current record set to disk. Callers must hold mu.
func (p *Pool) persistLocked() error {
	pf := persistedFile{Tokens: make([]persistedToken, len(p.records))}
	active := 0
	for i, r := range p.records {
		pf.Tokens[i] = persistedToken{Token: r.Token, Name: r.Name, IsActive: r.Active}
		if r.Active {
			active++
		}
	}
	metrics.ActiveTokens.Set(float64(active))

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.path, data, 0o600)
}

// Acquire returns the next token per strategy, or ErrNoActiveTokens if none
// are active.
func (p *Pool) Acquire(strategy Strategy) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch strategy {
	case Best:
		return p.acquireBestLocked()
	default:
		return p.acquireRoundRobinLocked()
	}
}

func (p *Pool) acquireRoundRobinLocked() (string, error) {
	n := len(p.records)
	if n == 0 {
		return "", ErrNoActiveTokens
	}
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		r := p.records[idx]
		if r.Active {
			p.cursor = (idx + 1) % n
			r.LastUsed = time.Now()
			return r.Token, nil
		}
	}
	return "", ErrNoActiveTokens
}

func (p *Pool) acquireBestLocked() (string, error) {
	var best *Record
	var bestScore float64
	now := time.Now()

	for _, r := range p.records {
		if !r.Active {
			continue
		}
		score := scoreOf(r, now)
		if best == nil || score > bestScore {
			best = r
			bestScore = score
		}
	}
	if best == nil {
		return "", ErrNoActiveTokens
	}
	best.LastUsed = now
	return best.Token, nil
}

// scoreOf computes successRate(t) + bonus(t), where bonus is 10 for a
// never-used token, else min(minutesSinceLastUse*0.1, 5).
func scoreOf(r *Record, now time.Time) float64 {
	var bonus float64
	if r.LastUsed.IsZero() {
		bonus = 10
	} else {
		minutesSince := now.Sub(r.LastUsed).Minutes()
		bonus = minutesSince * 0.1
		if bonus > 5 {
			bonus = 5
		}
	}
	return r.SuccessRate() + bonus
}

// ReportSuccess records a successful use of token.
func (p *Pool) ReportSuccess(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.findLocked(token)
	if r == nil {
		return
	}
	r.Successes++
	p.persistLocked()
}

// ReportError records a failed use of token, deactivating it if it has
// crossed DeactivateErrorThreshold with a success rate under 50%.
func (p *Pool) ReportError(token, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.findLocked(token)
	if r == nil {
		return
	}
	r.Errors++
	r.LastError = reason
	if r.Errors > DeactivateErrorThreshold && r.SuccessRate() < 50 {
		r.Active = false
	}
	p.persistLocked()
}

func (p *Pool) findLocked(token string) *Record {
	for _, r := range p.records {
		if r.Token == token {
			return r
		}
	}
	return nil
}

// ErrDuplicateToken is returned by Add when the token is already in the pool.
var ErrDuplicateToken = errors.New("tokenpool: duplicate token")

// Add inserts a new token record, active by default. Rejects a token
// already present with ErrDuplicateToken rather than silently no-opping.
func (p *Pool) Add(token, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.findLocked(token) != nil {
		return ErrDuplicateToken
	}
	p.records = append(p.records, &Record{Token: token, Name: name, Active: true})
	return p.persistLocked()
}

// Remove deletes the record for token, if present.
func (p *Pool) Remove(token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range p.records {
		if r.Token == token {
			p.records = append(p.records[:i], p.records[i+1:]...)
			if p.cursor > i {
				p.cursor--
			}
			return p.persistLocked()
		}
	}
	return p.persistLocked()
}

// Stats returns a snapshot of every record, in insertion order.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Stats, len(p.records))
	for i, r := range p.records {
		out[i] = Stats{
			Token:       r.Token,
			Name:        r.Name,
			Active:      r.Active,
			Successes:   r.Successes,
			Errors:      r.Errors,
			SuccessRate: r.SuccessRate(),
			LastUsed:    r.LastUsed,
			LastError:   r.LastError,
		}
	}
	return out
}
