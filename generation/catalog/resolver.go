package catalog

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/types"
)

// Resolution methods.
const (
	MatchExact = "exact"
	MatchAlias = "alias"
	MatchFuzzy = "fuzzy"
)

// minFuzzyScore is the least number of shared tokens a fuzzy match needs.
const minFuzzyScore = 2

// DefaultAliases maps historically renamed model ids, for every provider.
var DefaultAliases = map[string]string{
	"nano-banana-pro": "google/nano-banana-pro",
	"nano-banana":     "google/nano-banana",
}

// Resolution is the outcome of resolving a requested model id.
type Resolution struct {
	ModelID    string
	Descriptor Descriptor
	Method     string
	Score      int
}

// Resolver maps a caller-supplied model id to a canonical catalog entry.
type Resolver struct {
	mu       sync.RWMutex
	catalogs map[string]*Catalog
	aliases  map[string]map[string]string
	logger   *zap.Logger
}

// NewResolver creates a resolver with the default alias table.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		catalogs: make(map[string]*Catalog),
		aliases:  map[string]map[string]string{"": {}},
		logger:   logger.With(zap.String("component", "resolver")),
	}
	for from, to := range DefaultAliases {
		r.aliases[""][from] = to
	}
	return r
}

// Register attaches a provider catalog.
func (r *Resolver) Register(c *Catalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogs[c.Provider()] = c
}

// AddAliases adds provider-specific aliases. An empty provider applies to all.
func (r *Resolver) AddAliases(provider string, aliases map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aliases[provider] == nil {
		r.aliases[provider] = make(map[string]string, len(aliases))
	}
	for from, to := range aliases {
		r.aliases[provider][from] = to
	}
}

// Catalog returns the catalog registered for provider.
func (r *Resolver) Catalog(provider string) (*Catalog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.catalogs[provider]
	return c, ok
}

// Providers returns the registered provider names.
func (r *Resolver) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.catalogs))
	for p := range r.catalogs {
		out = append(out, p)
	}
	return out
}

// Resolve finds the canonical model for requested: exact match first, then
// the alias table, then token-overlap fuzzy matching.
func (r *Resolver) Resolve(ctx context.Context, provider, requested string) (Resolution, error) {
	cat, ok := r.Catalog(provider)
	if !ok {
		return Resolution{}, types.NewError(types.ErrUnknownProvider, "unknown provider: "+provider)
	}
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return Resolution{}, types.NewError(types.ErrUnsupportedModel, "model is required").WithProvider(provider)
	}

	snap, err := cat.Snapshot(ctx)
	if err != nil {
		return Resolution{}, err
	}

	if d, ok := snap.Get(requested); ok {
		return Resolution{ModelID: d.ModelID, Descriptor: d, Method: MatchExact}, nil
	}

	if target, ok := r.alias(provider, requested); ok {
		if d, ok := snap.Get(target); ok {
			r.logger.Debug("model resolved by alias", zap.String("requested", requested), zap.String("model", target))
			return Resolution{ModelID: d.ModelID, Descriptor: d, Method: MatchAlias}, nil
		}
	}

	if id, score, ok := FuzzyMatch(requested, snap.IDs()); ok {
		d, _ := snap.Get(id)
		r.logger.Info("model resolved by fuzzy match",
			zap.String("requested", requested),
			zap.String("model", id),
			zap.Int("score", score),
		)
		return Resolution{ModelID: id, Descriptor: d, Method: MatchFuzzy, Score: score}, nil
	}

	return Resolution{}, types.NewError(types.ErrUnsupportedModel, "unsupported model: "+requested).WithProvider(provider)
}

func (r *Resolver) alias(provider, requested string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.aliases[provider][requested]; ok {
		return t, true
	}
	t, ok := r.aliases[""][requested]
	return t, ok
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

// Tokenize lowercases s and splits it on non-alphanumeric runs.
func Tokenize(s string) []string {
	parts := tokenSplit.Split(strings.ToLower(s), -1)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FuzzyMatch scores every candidate by the number of its distinct tokens that
// also occur in requested. The best candidate wins only with a score of at
// least two that is strictly above the runner-up.
func FuzzyMatch(requested string, candidates []string) (string, int, bool) {
	query := make(map[string]struct{})
	for _, t := range Tokenize(requested) {
		query[t] = struct{}{}
	}
	if len(query) == 0 {
		return "", 0, false
	}

	best, bestScore, secondScore := "", 0, 0
	for _, id := range candidates {
		score := overlap(query, id)
		switch {
		case score > bestScore:
			secondScore = bestScore
			best, bestScore = id, score
		case score > secondScore:
			secondScore = score
		}
	}
	if bestScore < minFuzzyScore || bestScore <= secondScore {
		return "", bestScore, false
	}
	return best, bestScore, true
}

func overlap(query map[string]struct{}, id string) int {
	seen := make(map[string]struct{})
	score := 0
	for _, t := range Tokenize(id) {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := query[t]; ok {
			score++
		}
	}
	return score
}
