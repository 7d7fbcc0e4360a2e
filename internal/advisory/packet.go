package advisory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/kaitd/kaitd/internal/domain"
)

// PacketCache holds pre-computed advice bundles keyed by
// hash(tool, normalized_arg_head, session_phase). An exact key hit serves
// the full packet; when the exact key misses, lookup relaxes to the
// tool-only key.
type PacketCache struct {
	mu      sync.RWMutex
	entries map[string]packet
	ttl     time.Duration
	now     func() time.Time
}

type packet struct {
	candidates []Candidate
	cachedAt   time.Time
}

// NewPacketCache creates a cache whose packets expire after ttl
// (default 60s).
func NewPacketCache(ttl time.Duration) *PacketCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &PacketCache{entries: make(map[string]packet), ttl: ttl, now: time.Now}
}

// PacketKey derives the exact cache key for a request.
func PacketKey(tool, argHead string, phase domain.EpisodePhase) string {
	sum := sha256.Sum256([]byte(tool + "\x00" + normalizeArgHead(argHead) + "\x00" + string(phase)))
	return hex.EncodeToString(sum[:8])
}

// normalizeArgHead keeps only the shape of the leading argument: lower-
// cased first path/word segment, digits collapsed.
func normalizeArgHead(head string) string {
	head = strings.ToLower(strings.TrimSpace(head))
	if i := strings.IndexAny(head, " \t"); i > 0 {
		head = head[:i]
	}
	var b strings.Builder
	lastDigit := false
	for _, r := range head {
		if r >= '0' && r <= '9' {
			if !lastDigit {
				b.WriteByte('#')
			}
			lastDigit = true
			continue
		}
		lastDigit = false
		b.WriteRune(r)
	}
	return b.String()
}

// ArgHead extracts the identifying leading argument from tool args,
// preferring the conventional primary keys.
func ArgHead(args map[string]any) string {
	for _, key := range []string{"command", "path", "file_path", "pattern", "url", "query"} {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// Lookup serves a packet for the request: exact key first, then the
// relaxed tool-only key. The returned route records which predicate
// matched; an empty result reports RouteLive so the caller falls through.
func (p *PacketCache) Lookup(req Request) ([]Candidate, domain.AdviceRoute) {
	now := p.now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	exact := PacketKey(req.Tool, ArgHead(req.ToolArgs), req.Phase)
	if e, ok := p.entries[exact]; ok && now.Sub(e.cachedAt) <= p.ttl {
		return copyCandidates(e.candidates), domain.RoutePacketExact
	}

	relaxed := PacketKey(req.Tool, "", "")
	if e, ok := p.entries[relaxed]; ok && now.Sub(e.cachedAt) <= p.ttl {
		return copyCandidates(e.candidates), domain.RoutePacketRelaxed
	}

	return nil, domain.RouteLive
}

// Store records a fused result under both the exact and relaxed keys.
func (p *PacketCache) Store(req Request, candidates []Candidate) {
	if len(candidates) == 0 {
		return
	}
	entry := packet{candidates: copyCandidates(candidates), cachedAt: p.now()}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[PacketKey(req.Tool, ArgHead(req.ToolArgs), req.Phase)] = entry
	p.entries[PacketKey(req.Tool, "", "")] = entry
}

// Name and Retrieve make the cache the fourth retrieval source during the
// live pipeline, so packet hits participate in fusion.
func (p *PacketCache) Name() string { return "packet" }

func (p *PacketCache) Retrieve(_ context.Context, req Request) ([]Candidate, error) {
	cands, route := p.Lookup(req)
	if route == domain.RouteLive {
		return nil, nil
	}
	for i := range cands {
		cands[i].Source = p.Name()
	}
	return cands, nil
}

func copyCandidates(cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	return out
}

// compile-time interface check
var _ Source = (*PacketCache)(nil)
