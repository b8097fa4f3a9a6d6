package acton

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ExperienceType classifies what an experience captures.
type ExperienceType string

const (
	// ExperienceCommon is free-form reusable knowledge.
	ExperienceCommon ExperienceType = "COMMON"
	// ExperienceCode carries a generated-function artifact.
	ExperienceCode ExperienceType = "CODE"
	// ExperienceReact carries a pre-planned tool-call artifact.
	ExperienceReact ExperienceType = "REACT"
)

// ExperienceScope controls ownership-based visibility.
type ExperienceScope string

const (
	ScopeUser    ExperienceScope = "USER"
	ScopeTeam    ExperienceScope = "TEAM"
	ScopeProject ExperienceScope = "PROJECT"
	ScopeGlobal  ExperienceScope = "GLOBAL"
)

// CodeArtifact is a generated function attached to a CODE experience.
type CodeArtifact struct {
	Language     string   `json:"language"`
	FunctionName string   `json:"function_name"`
	Parameters   []string `json:"parameters,omitempty"`
	Code         string   `json:"code"`
	Description  string   `json:"description,omitempty"`
}

// ReactArtifact is a pre-planned assistant turn attached to a REACT
// experience: the text plus the tool calls to inject on a fast-intent hit.
type ReactArtifact struct {
	AssistantText string     `json:"assistant_text,omitempty"`
	Plan          []ToolCall `json:"plan"`
}

// FastIntentConfig opts an experience into fast-intent matching.
type FastIntentConfig struct {
	Enabled  bool             `json:"enabled"`
	Priority int              `json:"priority"`
	Match    *MatchExpression `json:"match_expression,omitempty"`
}

// Experience is a reusable unit of agent knowledge.
type Experience struct {
	ID         string            `json:"id"`
	Type       ExperienceType    `json:"type"`
	Scope      ExperienceScope   `json:"scope"`
	OwnerID    string            `json:"owner_id,omitempty"`
	ProjectID  string            `json:"project_id,omitempty"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Language   string            `json:"language,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	Code       *CodeArtifact     `json:"code_artifact,omitempty"`
	React      *ReactArtifact    `json:"react_artifact,omitempty"`
	FastIntent *FastIntentConfig `json:"fast_intent_config,omitempty"`
}

// OrderBy selects the tiebreak ordering for query results.
type OrderBy string

const (
	OrderByCreatedAt OrderBy = "CREATED_AT"
	OrderByUpdatedAt OrderBy = "UPDATED_AT"
	OrderByScore     OrderBy = "SCORE"
)

// ExperienceQuery selects experiences from the store.
type ExperienceQuery struct {
	Type ExperienceType
	// Scopes is the fallback priority order. Empty uses the default
	// six-pass order (user+project, user, team+project, team, project,
	// global).
	Scopes   []ExperienceScope
	Tags     []string
	Text     string
	Language string
	OrderBy  OrderBy
	Limit    int
}

// QueryContext carries the caller's identity for scope filtering.
type QueryContext struct {
	OwnerID   string
	ProjectID string
}

// ExperienceRepository is the persistence SPI for experiences.
type ExperienceRepository interface {
	Save(ctx context.Context, e Experience) error
	FindByTypeAndScope(ctx context.Context, typ ExperienceType, scope ExperienceScope) ([]Experience, error)
	Delete(ctx context.Context, id string) error
}

// --- Store ---

const (
	defaultMaxItemsPerQuery   = 5
	defaultMaxContentLength   = 2000
	defaultMaxQueryTextLength = 256
)

// ExperienceStore wraps a repository with scope-priority querying,
// substring relevance ranking, and content-length bounds.
type ExperienceStore struct {
	repo               ExperienceRepository
	maxItemsPerQuery   int
	maxContentLength   int
	maxQueryTextLength int
	logger             *slog.Logger
}

// ExperienceStoreOption configures an ExperienceStore.
type ExperienceStoreOption func(*ExperienceStore)

// WithMaxItemsPerQuery caps results when the query has no explicit limit.
func WithMaxItemsPerQuery(n int) ExperienceStoreOption {
	return func(s *ExperienceStore) { s.maxItemsPerQuery = n }
}

// WithMaxContentLength truncates experience content on save.
func WithMaxContentLength(n int) ExperienceStoreOption {
	return func(s *ExperienceStore) { s.maxContentLength = n }
}

// WithMaxQueryTextLength bounds the relevance text before substring
// generation (the ranking is quadratic in text length).
func WithMaxQueryTextLength(n int) ExperienceStoreOption {
	return func(s *ExperienceStore) { s.maxQueryTextLength = n }
}

// WithExperienceLogger sets the structured logger.
func WithExperienceLogger(l *slog.Logger) ExperienceStoreOption {
	return func(s *ExperienceStore) { s.logger = l }
}

// NewExperienceStore creates a store over the given repository.
func NewExperienceStore(repo ExperienceRepository, opts ...ExperienceStoreOption) *ExperienceStore {
	s := &ExperienceStore{
		repo:               repo,
		maxItemsPerQuery:   defaultMaxItemsPerQuery,
		maxContentLength:   defaultMaxContentLength,
		maxQueryTextLength: defaultMaxQueryTextLength,
		logger:             nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists an experience, assigning an id and timestamps when
// missing and truncating content to the configured bound.
func (s *ExperienceStore) Save(ctx context.Context, e Experience) (Experience, error) {
	if e.ID == "" {
		e.ID = NewID()
	}
	now := NowUnix()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if s.maxContentLength > 0 && len(e.Content) > s.maxContentLength {
		e.Content = e.Content[:s.maxContentLength]
	}
	if err := s.repo.Save(ctx, e); err != nil {
		return Experience{}, &ErrExternalFailure{SPI: "experience repository", Err: err}
	}
	return e, nil
}

// Delete removes an experience by id.
func (s *ExperienceStore) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return &ErrExternalFailure{SPI: "experience repository", Err: err}
	}
	return nil
}

// scopePass is one fallback pass of the scope-priority query.
type scopePass struct {
	scope          ExperienceScope
	requireOwner   bool
	requireProject bool
}

// defaultScopePasses is the fallback order used when a query does not
// name explicit scopes.
var defaultScopePasses = []scopePass{
	{scope: ScopeUser, requireOwner: true, requireProject: true},
	{scope: ScopeUser, requireOwner: true},
	{scope: ScopeTeam, requireOwner: true, requireProject: true},
	{scope: ScopeTeam, requireOwner: true},
	{scope: ScopeProject, requireProject: true},
	{scope: ScopeGlobal},
}

// passesFor maps an explicit scope list onto passes with the ownership
// requirements each scope implies.
func passesFor(scopes []ExperienceScope) []scopePass {
	if len(scopes) == 0 {
		return defaultScopePasses
	}
	out := make([]scopePass, 0, len(scopes))
	for _, sc := range scopes {
		switch sc {
		case ScopeUser, ScopeTeam:
			out = append(out, scopePass{scope: sc, requireOwner: true})
		case ScopeProject:
			out = append(out, scopePass{scope: sc, requireProject: true})
		default:
			out = append(out, scopePass{scope: sc})
		}
	}
	return out
}

// Query runs the scope-priority passes, filters, ranks, de-duplicates by
// id, and truncates to the limit. A query never returns experiences
// outside its permitted scope set.
func (s *ExperienceStore) Query(ctx context.Context, q ExperienceQuery, qc QueryContext) ([]Experience, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = s.maxItemsPerQuery
	}

	var candidates []Experience
	for _, pass := range passesFor(q.Scopes) {
		items, err := s.repo.FindByTypeAndScope(ctx, q.Type, pass.scope)
		if err != nil {
			return nil, &ErrExternalFailure{SPI: "experience repository", Err: err}
		}
		for _, e := range items {
			if pass.requireOwner && e.OwnerID != qc.OwnerID {
				continue
			}
			if pass.requireProject && e.ProjectID != qc.ProjectID {
				continue
			}
			if !matchesFilters(e, q) {
				continue
			}
			candidates = append(candidates, e)
		}
	}

	// The fallback passes can surface the same experience more than
	// once; de-dup by id keeping the earliest (highest-priority) hit.
	seen := make(map[string]bool, len(candidates))
	deduped := candidates[:0]
	for _, e := range candidates {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		deduped = append(deduped, e)
	}

	s.rank(deduped, q)

	if len(deduped) > limit {
		deduped = deduped[:limit]
	}
	return deduped, nil
}

// matchesFilters applies the non-scope query filters.
func matchesFilters(e Experience, q ExperienceQuery) bool {
	if q.Language != "" && e.Language != q.Language {
		return false
	}
	if len(q.Tags) > 0 {
		have := make(map[string]bool, len(e.Tags))
		for _, t := range e.Tags {
			have[t] = true
		}
		for _, t := range q.Tags {
			if !have[t] {
				return false
			}
		}
	}
	if q.Text != "" && len(q.Text) == 1 {
		// Single-character text degrades to substring-contains.
		return strings.Contains(strings.ToLower(e.Content), strings.ToLower(q.Text))
	}
	return true
}

// rank orders candidates by relevance score (when query text is present)
// with the order-by field as tiebreak.
func (s *ExperienceStore) rank(items []Experience, q ExperienceQuery) {
	text := q.Text
	if s.maxQueryTextLength > 0 && len(text) > s.maxQueryTextLength {
		text = text[:s.maxQueryTextLength]
	}
	useScore := len(text) >= 2

	scores := make(map[string]int, len(items))
	if useScore {
		for _, e := range items {
			scores[e.ID] = relevanceScore(text, e.Content)
		}
	}

	less := func(a, b Experience) bool {
		if useScore && scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		switch q.OrderBy {
		case OrderByCreatedAt:
			return a.CreatedAt > b.CreatedAt
		default:
			return a.UpdatedAt > b.UpdatedAt
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
}

// relevanceScore counts the substrings of text with length >= 2 that
// occur in content, case-insensitive. Quadratic in text length; callers
// cap the text beforehand.
func relevanceScore(text, content string) int {
	t := strings.ToLower(text)
	c := strings.ToLower(content)
	runes := []rune(t)
	score := 0
	for i := 0; i < len(runes); i++ {
		for j := i + 2; j <= len(runes); j++ {
			if strings.Contains(c, string(runes[i:j])) {
				score++
			}
		}
	}
	return score
}

// --- In-memory repository ---

// InMemoryExperienceRepository is the default ExperienceRepository: a
// bounded map with optional TTL expiry. Eviction drops the oldest
// experience by update time when the cap is reached.
type InMemoryExperienceRepository struct {
	maxTotal int
	ttl      time.Duration // <= 0 means never expire
	now      func() time.Time

	mu    sync.RWMutex
	items map[string]Experience
	saved map[string]time.Time
}

// InMemoryOption configures an InMemoryExperienceRepository.
type InMemoryOption func(*InMemoryExperienceRepository)

// WithMaxTotalExperiences caps the number of stored experiences.
func WithMaxTotalExperiences(n int) InMemoryOption {
	return func(r *InMemoryExperienceRepository) { r.maxTotal = n }
}

// WithTTL sets the expiry for stored experiences. Zero or negative
// means never expire.
func WithTTL(d time.Duration) InMemoryOption {
	return func(r *InMemoryExperienceRepository) { r.ttl = d }
}

// withClock overrides the time source (tests).
func withClock(now func() time.Time) InMemoryOption {
	return func(r *InMemoryExperienceRepository) { r.now = now }
}

// NewInMemoryExperienceRepository creates an empty repository.
func NewInMemoryExperienceRepository(opts ...InMemoryOption) *InMemoryExperienceRepository {
	r := &InMemoryExperienceRepository{
		maxTotal: 1000,
		now:      time.Now,
		items:    make(map[string]Experience),
		saved:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Save stores an experience, evicting the stalest entry if at capacity.
func (r *InMemoryExperienceRepository) Save(_ context.Context, e Experience) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	if _, exists := r.items[e.ID]; !exists && r.maxTotal > 0 && len(r.items) >= r.maxTotal {
		r.evictOldestLocked()
	}
	r.items[e.ID] = e
	r.saved[e.ID] = r.now()
	return nil
}

// FindByTypeAndScope returns live experiences matching type and scope.
func (r *InMemoryExperienceRepository) FindByTypeAndScope(_ context.Context, typ ExperienceType, scope ExperienceScope) ([]Experience, error) {
	r.mu.Lock()
	r.expireLocked()
	var out []Experience
	for _, e := range r.items {
		if e.Type == typ && e.Scope == scope {
			out = append(out, e)
		}
	}
	r.mu.Unlock()
	// Stable order for deterministic queries.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes an experience by id.
func (r *InMemoryExperienceRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return &ErrNotFound{Kind: "experience", ID: id}
	}
	delete(r.items, id)
	delete(r.saved, id)
	return nil
}

// Len returns the number of live experiences.
func (r *InMemoryExperienceRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *InMemoryExperienceRepository) expireLocked() {
	if r.ttl <= 0 {
		return
	}
	cutoff := r.now().Add(-r.ttl)
	for id, at := range r.saved {
		if at.Before(cutoff) {
			delete(r.items, id)
			delete(r.saved, id)
		}
	}
}

func (r *InMemoryExperienceRepository) evictOldestLocked() {
	var oldestID string
	var oldest int64
	for id, e := range r.items {
		if oldestID == "" || e.UpdatedAt < oldest {
			oldestID = id
			oldest = e.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(r.items, oldestID)
		delete(r.saved, oldestID)
	}
}
