package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"trustaudit/internal/audit"
)

// SearchEngine is the shared auxiliary web-search client used by graph
// investigations across all concurrent audits. The underlying HTTP session
// is expensive to warm up, so it is created lazily exactly once and handed
// out under a scoped acquisition: callers hold the engine only between
// Acquire and the returned release func.
type SearchEngine struct {
	endpoint string
	apiKey   string

	initOnce sync.Once
	initErr  error
	mu       sync.Mutex
	session  *http.Client
}

func NewSearchEngine(endpoint, apiKey string) *SearchEngine {
	return &SearchEngine{
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Acquire lazily creates the shared session and locks it for the caller.
// The release func must be called; concurrent audits serialize here rather
// than racing to create duplicate sessions.
func (e *SearchEngine) Acquire() (*http.Client, func(), error) {
	e.initOnce.Do(func() {
		if e.endpoint == "" {
			e.initErr = fmt.Errorf("search endpoint not configured")
			return
		}
		e.session = &http.Client{Timeout: 30 * time.Second}
	})
	if e.initErr != nil {
		return nil, func() {}, e.initErr
	}
	e.mu.Lock()
	return e.session, func() { e.mu.Unlock() }, nil
}

func (e *SearchEngine) Search(ctx context.Context, query string) ([]SearchHit, error) {
	session, release, err := e.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := session.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}
	var out struct {
		Hits []SearchHit `json:"hits"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out.Hits, nil
}

// SearchBackedGraph wraps a graph agent with auxiliary web-search
// corroboration: the domain's public footprint becomes one more source
// claim for the reputation-weighted consensus. Search failures never fail
// the investigation.
type SearchBackedGraph struct {
	inner  audit.GraphAgent
	engine *SearchEngine
}

func NewSearchBackedGraph(inner audit.GraphAgent, engine *SearchEngine) *SearchBackedGraph {
	return &SearchBackedGraph{inner: inner, engine: engine}
}

func (g *SearchBackedGraph) Investigate(ctx context.Context, entities []string, domain string) (audit.GraphResult, error) {
	result, err := g.inner.Investigate(ctx, entities, domain)
	if err != nil {
		return result, err
	}
	hits, searchErr := g.engine.Search(ctx, domain)
	if searchErr != nil {
		return result, nil
	}
	claim := audit.SourceClaim{Source: "websearch"}
	if len(hits) == 0 {
		// an entity with no public footprint at all leans suspicious
		claim.Verdict = audit.VerdictSuspicious
		claim.Confidence = 0.4
	} else {
		claim.Verdict = audit.VerdictSafe
		claim.Confidence = 0.3 + 0.1*math.Min(4, float64(len(hits)))
	}
	result.SourceClaims = append(result.SourceClaims, claim)
	return result, nil
}
