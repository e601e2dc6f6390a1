// Package github implements the repository listing and existence oracle
// against the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/poacher"
	"github.com/JakeFAU/poacher/internal/policy/ratelimit"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

const (
	apiVersion          = "2022-11-28"
	maxRateLimitRetries = 2
	maxErrorBody        = 4 << 10
)

// ErrRateLimited is returned when the API keeps refusing requests for quota
// reasons after the client paused and retried.
var ErrRateLimited = errors.New("github rate limit exceeded")

// APIError is a non-success response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api status %d: %s", e.StatusCode, e.Message)
}

// Config controls the client.
type Config struct {
	APIURL string
	// Token is sent as a bearer token when set.
	Token string
	// FetchDetails looks up each listed repository to learn its size and
	// creation time. Lookups cost one request per repository.
	FetchDetails bool
	UserAgent    string
}

// Client lists repositories and answers existence probes.
type Client struct {
	http         *http.Client
	base         *url.URL
	token        string
	userAgent    string
	fetchDetails bool
	limiter      *ratelimit.Limiter
	tracer       trace.Tracer
	logger       *zap.Logger
	now          func() time.Time
}

// New constructs a Client. A nil httpClient uses http.DefaultClient and a nil
// limiter disables client-side rate limiting.
func New(cfg Config, httpClient *http.Client, limiter *ratelimit.Limiter, logger *zap.Logger) (*Client, error) {
	raw := strings.TrimRight(cfg.APIURL, "/")
	if raw == "" {
		raw = DefaultAPIURL
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid github api url %q", cfg.APIURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "poacher"
	}
	return &Client{
		http:         httpClient,
		base:         base,
		token:        cfg.Token,
		userAgent:    ua,
		fetchDetails: cfg.FetchDetails,
		limiter:      limiter,
		tracer:       otel.Tracer("poacher/forge/github"),
		logger:       logger,
		now:          time.Now,
	}, nil
}

type apiRepository struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	FullName  string     `json:"full_name"`
	HTMLURL   string     `json:"html_url"`
	CloneURL  string     `json:"clone_url"`
	Size      *int64     `json:"size"`
	CreatedAt *time.Time `json:"created_at"`
}

func (r apiRepository) toRepository() poacher.Repository {
	repo := poacher.Repository{
		ID:       r.ID,
		Name:     r.Name,
		FullName: r.FullName,
		URL:      r.HTMLURL,
		CloneURL: r.CloneURL,
	}
	if repo.CloneURL == "" && r.HTMLURL != "" {
		repo.CloneURL = r.HTMLURL + ".git"
	}
	if r.Size != nil {
		repo.Size = poacher.KnownSize(*r.Size)
	}
	if r.CreatedAt != nil {
		repo.CreatedAt = r.CreatedAt.UTC()
	}
	return repo
}

// ListSince returns public repositories with an identifier greater than
// cursor, in the order the API returns them.
func (c *Client) ListSince(ctx context.Context, cursor int64) ([]poacher.Repository, error) {
	ctx, span := c.tracer.Start(ctx, "github.list_since",
		trace.WithAttributes(attribute.Int64("cursor", cursor)))
	defer span.End()

	page, err := c.listPage(ctx, cursor)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("repos_count", len(page)))

	out := make([]poacher.Repository, 0, len(page))
	for _, item := range page {
		repo := item.toRepository()
		if c.fetchDetails && (item.Size == nil || item.CreatedAt == nil) {
			repo = c.enrich(ctx, repo)
		}
		out = append(out, repo)
	}
	return out, nil
}

// Exists reports whether any repository with an identifier of at least id
// has been assigned.
func (c *Client) Exists(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return true, nil
	}
	ctx, span := c.tracer.Start(ctx, "github.exists",
		trace.WithAttributes(attribute.Int64("id", id)))
	defer span.End()

	page, err := c.listPage(ctx, id-1)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	found := len(page) > 0
	span.SetAttributes(attribute.Bool("exists", found))
	return found, nil
}

// Repository fetches a single repository by identifier.
func (c *Client) Repository(ctx context.Context, id int64) (poacher.Repository, error) {
	ctx, span := c.tracer.Start(ctx, "github.repository",
		trace.WithAttributes(attribute.Int64("id", id)))
	defer span.End()

	var item apiRepository
	if err := c.get(ctx, "/repositories/"+strconv.FormatInt(id, 10), nil, &item); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return poacher.Repository{}, err
	}
	return item.toRepository(), nil
}

func (c *Client) listPage(ctx context.Context, since int64) ([]apiRepository, error) {
	q := url.Values{"since": {strconv.FormatInt(since, 10)}}
	var page []apiRepository
	if err := c.get(ctx, "/repositories", q, &page); err != nil {
		return nil, fmt.Errorf("list repositories since %d: %w", since, err)
	}
	return page, nil
}

func (c *Client) enrich(ctx context.Context, repo poacher.Repository) poacher.Repository {
	detail, err := c.Repository(ctx, repo.ID)
	if err != nil {
		c.logger.Debug("repository details unavailable, size unknown",
			zap.Int64("repo_id", repo.ID),
			zap.String("repo", repo.FullName),
			zap.Error(err),
		)
		return repo
	}
	repo.Size = detail.Size
	repo.CreatedAt = detail.CreatedAt
	if detail.CloneURL != "" {
		repo.CloneURL = detail.CloneURL
	}
	return repo
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.base.JoinPath(path)
	endpoint.RawQuery = query.Encode()
	target := endpoint.String()

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx, target); err != nil {
			return err
		}
		retry, err := c.do(ctx, target, out)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		if attempt >= maxRateLimitRetries {
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		c.logger.Warn("github rate limited, pausing",
			zap.Time("until", c.limiter.PausedUntil(target)),
			zap.Int("attempt", attempt+1),
		)
	}
}

// do performs one request. retry is true when the response was a quota
// refusal and the limiter has been paused accordingly.
func (c *Client) do(ctx context.Context, target string, out any) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully consumed or discarded

	limited := c.updateRateLimits(target, resp)

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		return limited, apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}

// updateRateLimits pauses the limiter when the response says the quota is
// spent. It reports whether the response itself was a quota refusal.
func (c *Client) updateRateLimits(target string, resp *http.Response) bool {
	refused := resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0")

	if after := resp.Header.Get("Retry-After"); after != "" {
		if secs, err := strconv.Atoi(after); err == nil && secs >= 0 {
			c.limiter.PauseUntil(target, c.now().Add(time.Duration(secs)*time.Second))
			return refused || resp.StatusCode == http.StatusForbidden
		}
	}

	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil && reset > 0 {
			c.limiter.PauseUntil(target, time.Unix(reset, 0))
		}
	}
	return refused
}
