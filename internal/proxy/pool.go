package proxy

import (
	"bufio"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftbreak/driftbreak/internal/types"
)

// EMA and lifecycle constants.
const (
	// InitialScore is assigned to proxies added without an explicit score.
	InitialScore = 0.5
	// emaAlpha is the weight of the newest observation in the score EMA.
	emaAlpha = 0.1
	// DefaultEvictThreshold removes proxies whose score falls below it.
	DefaultEvictThreshold = 0.2
	// maxFailStreak evicts a proxy after this many consecutive failures
	// even while its EMA score is still above the threshold.
	maxFailStreak = 10
)

// PoolConfig configures pool rotation and eviction.
type PoolConfig struct {
	// RotationInterval gates how often Next() advances; within the
	// interval Next() keeps returning the same proxy.
	RotationInterval time.Duration
	// EvictThreshold auto-removes proxies scoring below it.
	EvictThreshold float64
}

// Pool is a thread-safe set of proxies with EMA health scoring and
// interval-gated round-robin rotation. Selection methods return value
// copies; writers take the write lock.
type Pool struct {
	mu           sync.RWMutex
	proxies      []*Proxy
	index        map[string]*Proxy
	failStreak   map[string]int
	cursor       int
	lastRotation time.Time

	rotationInterval time.Duration
	evictThreshold   float64

	evicted int64
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.EvictThreshold <= 0 || cfg.EvictThreshold >= 1 {
		cfg.EvictThreshold = DefaultEvictThreshold
	}
	return &Pool{
		index:            make(map[string]*Proxy),
		failStreak:       make(map[string]int),
		rotationInterval: cfg.RotationInterval,
		evictThreshold:   cfg.EvictThreshold,
	}
}

// Add inserts or replaces a proxy. A zero score is normalized to the
// initial score; an explicit score is kept.
func (pl *Pool) Add(p Proxy) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.addLocked(p)
}

// addLocked must be called with the write lock held.
func (pl *Pool) addLocked(p Proxy) {
	if p.Score <= 0 {
		p.Score = InitialScore
	}
	if p.Score > 1 {
		p.Score = 1
	}

	if existing, ok := pl.index[p.Key()]; ok {
		// Keep the learned score when re-adding a known proxy.
		p.Score = existing.Score
		*existing = p
		return
	}

	stored := p
	pl.proxies = append(pl.proxies, &stored)
	pl.index[p.Key()] = &stored

	log.Debug().Str("proxy", p.Key()).Str("type", string(p.Type)).Msg("Proxy added to pool")
}

// Remove deletes a proxy by key. Returns ErrProxyNotFound if absent.
func (pl *Pool) Remove(key string) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.removeLocked(key)
}

// removeLocked must be called with the write lock held.
func (pl *Pool) removeLocked(key string) error {
	if _, ok := pl.index[key]; !ok {
		return types.ErrProxyNotFound
	}
	delete(pl.index, key)
	delete(pl.failStreak, key)
	for i, p := range pl.proxies {
		if p.Key() == key {
			pl.proxies = append(pl.proxies[:i], pl.proxies[i+1:]...)
			if pl.cursor > i {
				pl.cursor--
			}
			if len(pl.proxies) > 0 {
				pl.cursor %= len(pl.proxies)
			} else {
				pl.cursor = 0
			}
			break
		}
	}
	return nil
}

// Next returns the rotation-current proxy. The cursor advances only
// when the rotation interval has elapsed since the last advance, so a
// burst of calls inside the interval all see the same proxy. LastUsed
// is stamped on every call.
func (pl *Pool) Next() (Proxy, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if len(pl.proxies) == 0 {
		return Proxy{}, types.ErrProxyPoolEmpty
	}

	now := time.Now()
	if now.Sub(pl.lastRotation) >= pl.rotationInterval {
		pl.cursor = (pl.cursor + 1) % len(pl.proxies)
		pl.lastRotation = now
	}

	p := pl.proxies[pl.cursor]
	p.LastUsed = now
	return *p, nil
}

// Rotate forces the cursor forward regardless of the rotation interval.
// Residential providers use this after a session expires.
func (pl *Pool) Rotate() (Proxy, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if len(pl.proxies) == 0 {
		return Proxy{}, types.ErrProxyPoolEmpty
	}

	now := time.Now()
	pl.cursor = (pl.cursor + 1) % len(pl.proxies)
	pl.lastRotation = now

	p := pl.proxies[pl.cursor]
	p.LastUsed = now
	return *p, nil
}

// Random returns a uniformly random proxy.
func (pl *Pool) Random() (Proxy, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if len(pl.proxies) == 0 {
		return Proxy{}, types.ErrProxyPoolEmpty
	}
	p := pl.proxies[rand.Intn(len(pl.proxies))]
	p.LastUsed = time.Now()
	return *p, nil
}

// Best returns the highest-scoring proxy.
func (pl *Pool) Best() (Proxy, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if len(pl.proxies) == 0 {
		return Proxy{}, types.ErrProxyPoolEmpty
	}

	best := pl.proxies[0]
	for _, p := range pl.proxies[1:] {
		if p.Score > best.Score {
			best = p
		}
	}
	best.LastUsed = time.Now()
	return *best, nil
}

// ByCountry returns a random proxy matching the country code.
func (pl *Pool) ByCountry(cc string) (Proxy, error) {
	cc = strings.ToUpper(cc)
	return pl.pick(func(p *Proxy) bool { return strings.ToUpper(p.Country) == cc })
}

// Residential returns a random residential proxy.
func (pl *Pool) Residential() (Proxy, error) {
	return pl.pick(func(p *Proxy) bool { return p.Residential })
}

func (pl *Pool) pick(match func(*Proxy) bool) (Proxy, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if len(pl.proxies) == 0 {
		return Proxy{}, types.ErrProxyPoolEmpty
	}

	var candidates []*Proxy
	for _, p := range pl.proxies {
		if match(p) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return Proxy{}, types.ErrNoProxyMatch
	}
	p := candidates[rand.Intn(len(candidates))]
	p.LastUsed = time.Now()
	return *p, nil
}

// Get returns a copy of the proxy with the given key.
func (pl *Pool) Get(key string) (Proxy, error) {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	p, ok := pl.index[key]
	if !ok {
		return Proxy{}, types.ErrProxyNotFound
	}
	return *p, nil
}

// Update feeds one success/failure observation into the proxy's EMA
// score: score' = 0.9*score + 0.1*[ok]. A proxy falling below the
// eviction threshold is removed with a warning.
func (pl *Pool) Update(key string, ok bool) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	p, found := pl.index[key]
	if !found {
		return types.ErrProxyNotFound
	}

	observation := 0.0
	if ok {
		observation = 1.0
		pl.failStreak[key] = 0
	} else {
		pl.failStreak[key]++
	}
	p.Score = (1-emaAlpha)*p.Score + emaAlpha*observation
	if p.Score > 1 {
		p.Score = 1
	}
	if p.Score < 0 {
		p.Score = 0
	}

	if p.Score < pl.evictThreshold || pl.failStreak[key] >= maxFailStreak {
		pl.evicted++
		log.Warn().
			Str("proxy", key).
			Float64("score", p.Score).
			Int("fail_streak", pl.failStreak[key]).
			Float64("threshold", pl.evictThreshold).
			Msg("Proxy unhealthy, evicting")
		return pl.removeLocked(key)
	}
	return nil
}

// IncInflight records that a session started using the proxy.
func (pl *Pool) IncInflight(key string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if p, ok := pl.index[key]; ok {
		p.Inflight++
	}
}

// DecInflight records that a session stopped using the proxy.
func (pl *Pool) DecInflight(key string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if p, ok := pl.index[key]; ok && p.Inflight > 0 {
		p.Inflight--
	}
}

// Snapshot returns copies of all proxies, safe to iterate without locks.
func (pl *Pool) Snapshot() []Proxy {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	out := make([]Proxy, len(pl.proxies))
	for i, p := range pl.proxies {
		out[i] = *p
	}
	return out
}

// Stats is a point-in-time summary of the pool.
type Stats struct {
	Total       int     `json:"total"`
	Residential int     `json:"residential"`
	Healthy     int     `json:"healthy"` // score >= 0.5
	AvgScore    float64 `json:"avgScore"`
	Evicted     int64   `json:"evicted"`
}

// Stats returns pool statistics.
func (pl *Pool) Stats() Stats {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	s := Stats{Total: len(pl.proxies), Evicted: pl.evicted}
	var sum float64
	for _, p := range pl.proxies {
		sum += p.Score
		if p.Score >= 0.5 {
			s.Healthy++
		}
		if p.Residential {
			s.Residential++
		}
	}
	if s.Total > 0 {
		s.AvgScore = sum / float64(s.Total)
	}
	return s
}

// LoadFile reads a proxy list file and adds every well-formed line to
// the pool. Blank lines and '#' comments are ignored; malformed lines
// are skipped with a warning. Returns the number of proxies added.
func (pl *Pool) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	added := 0
	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := ParseLine(line)
		if err != nil {
			log.Warn().
				Str("file", path).
				Int("line", lineNo).
				Err(err).
				Msg("Skipping malformed proxy line")
			continue
		}
		pl.Add(p)
		added++
	}
	if err := scanner.Err(); err != nil {
		return added, err
	}

	log.Info().Str("file", path).Int("loaded", added).Msg("Proxy list loaded")
	return added, nil
}

// ReplaceFromFile reloads the pool from a list file: proxies present in
// the file keep their learned scores, proxies no longer listed are
// dropped. Used by the file watcher.
func (pl *Pool) ReplaceFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fresh := make(map[string]Proxy)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := ParseLine(line)
		if err != nil {
			log.Warn().Str("file", path).Int("line", lineNo).Err(err).Msg("Skipping malformed proxy line")
			continue
		}
		fresh[p.Key()] = p
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	removed := 0
	for key := range pl.index {
		if _, keep := fresh[key]; !keep {
			_ = pl.removeLocked(key)
			removed++
		}
	}
	for _, p := range fresh {
		pl.addLocked(p)
	}

	log.Info().
		Str("file", path).
		Int("total", len(fresh)).
		Int("removed", removed).
		Msg("Proxy list reloaded")
	return nil
}
