package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/types"
)

// ClientConfig configures a REST Client.
type ClientConfig struct {
	// BaseURL is the REST root, e.g. https://example.supabase.co/rest/v1.
	BaseURL string
	// APIKey is sent as the apikey header on every request.
	APIKey string
	// Tokens supplies the user's bearer token. Optional.
	Tokens TokenSource
	// HTTPClient defaults to a client with a 30 second timeout.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client is a Store backed by a PostgREST-style HTTP API.
type Client struct {
	base   *url.URL
	apiKey string
	tokens TokenSource
	http   *http.Client
	log    zerolog.Logger
}

var _ Store = (*Client)(nil)

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base:   base,
		apiKey: cfg.APIKey,
		tokens: cfg.Tokens,
		http:   hc,
		log:    cfg.Logger,
	}, nil
}

// Select implements Store.
func (c *Client) Select(ctx context.Context, t types.EntityType, f filter.Filter) ([]json.RawMessage, error) {
	schema, q, err := c.query(t, f)
	if err != nil {
		return nil, err
	}
	q.Set("select", "*")

	resp, err := c.do(ctx, http.MethodGet, schema.Table, q, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", schema.Table, err)
	}
	defer resp.Body.Close()

	var rows []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s rows: %w", schema.Table, err)
	}
	return rows, nil
}

// Upsert implements Store. Remote-owned columns are stripped from every row
// and conflicts on the natural key merge into the existing row.
func (c *Client) Upsert(ctx context.Context, t types.EntityType, rows []json.RawMessage) error {
	if len(rows) == 0 {
		return nil
	}
	schema, err := types.Lookup(t)
	if err != nil {
		return err
	}

	out := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		stripped, err := schema.StripReadonly(r)
		if err != nil {
			return err
		}
		out = append(out, stripped)
	}
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode %s rows: %w", schema.Table, err)
	}

	cols, err := conflictColumns(schema)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("on_conflict", strings.Join(cols, ","))

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	resp, err := c.do(ctx, http.MethodPost, schema.Table, q, headers, body)
	if err != nil {
		return fmt.Errorf("failed to upsert %d %s rows: %w", len(rows), schema.Table, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// Delete implements Store.
func (c *Client) Delete(ctx context.Context, t types.EntityType, f filter.Filter) error {
	if err := requireFilter(t, f); err != nil {
		return err
	}
	schema, q, err := c.query(t, f)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodDelete, schema.Table, q, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", schema.Table, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// Count implements Store using Prefer: count=exact and the Content-Range
// response header.
func (c *Client) Count(ctx context.Context, t types.EntityType, f filter.Filter) (int, error) {
	schema, q, err := c.query(t, f)
	if err != nil {
		return 0, err
	}
	q.Set("select", "*")

	headers := http.Header{}
	headers.Set("Prefer", "count=exact")
	resp, err := c.do(ctx, http.MethodHead, schema.Table, q, headers, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", schema.Table, err)
	}
	resp.Body.Close()

	n, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", schema.Table, err)
	}
	return n, nil
}

func (c *Client) query(t types.EntityType, f filter.Filter) (*types.Schema, url.Values, error) {
	schema, err := types.Lookup(t)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := f.Resolve(schema)
	if err != nil {
		return nil, nil, err
	}
	return schema, EncodeQuery(resolved), nil
}

func (c *Client) do(ctx context.Context, method, table string, q url.Values, headers http.Header, body []byte) (*http.Response, error) {
	u := *c.base
	u.Path = u.Path + "/" + table
	u.RawQuery = q.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.tokens != nil {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	c.log.Debug().
		Str("method", method).
		Str("table", table).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("remote request")

	if resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, httpErr)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %v", ErrNotFound, httpErr)
	default:
		return nil, httpErr
	}
}

// EncodeQuery renders a resolved filter as PostgREST query parameters:
// col=eq.v, col=in.(a,b), order=col.desc,other.asc and limit=n.
func EncodeQuery(r filter.Resolved) url.Values {
	q := url.Values{}
	for _, c := range r.Conds {
		q.Add(c.Field, encodeCond(c))
	}
	if len(r.Orders) > 0 {
		parts := make([]string, len(r.Orders))
		for i, o := range r.Orders {
			dir := "asc"
			if o.Desc {
				dir = "desc"
			}
			parts[i] = o.Field + "." + dir
		}
		q.Set("order", strings.Join(parts, ","))
	}
	if r.Limit > 0 {
		q.Set("limit", strconv.Itoa(r.Limit))
	}
	return q
}

func encodeCond(c filter.Cond) string {
	if c.Value == nil {
		if c.Op == filter.OpNeq {
			return "not.is.null"
		}
		return "is.null"
	}
	if c.Op == filter.OpIn {
		list, _ := c.Value.([]any)
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = quoteListItem(filter.FormatValue(v))
		}
		return "in.(" + strings.Join(parts, ",") + ")"
	}
	return string(c.Op) + "." + filter.FormatValue(c.Value)
}

// quoteListItem double-quotes items containing PostgREST list delimiters.
func quoteListItem(s string) string {
	if !strings.ContainsAny(s, ",()\"") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// parseContentRange extracts the total from "0-24/3573" or "*/0".
func parseContentRange(h string) (int, error) {
	_, total, ok := strings.Cut(h, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("missing total in Content-Range %q", h)
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q: %w", h, err)
	}
	return n, nil
}
