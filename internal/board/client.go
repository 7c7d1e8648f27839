// Package board implements NOMAD's board HTTP client and the Status
// property codec: schema introspection, filtered status queries with
// pagination, page retrieval and patching, and hierarchical child-block
// replacement.
package board

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/ddcodepl/nomad/internal/store"
)

// StatusPropertyName is the board property NOMAD treats as the task's
// lifecycle status.
const StatusPropertyName = "Status"

// Client is the board HTTP client. It owns a Transport, a schema-derived
// PropertyCodec, and an optional query cache backed by the history store.
type Client struct {
	transport  Transport
	databaseID string
	maxRetries int
	cacheTTL   time.Duration
	cacheDB    *gorm.DB

	codec *PropertyCodec
}

// Opts configures a new Client.
type Opts struct {
	Transport  Transport
	DatabaseID string
	MaxRetries int // default 3
	CacheTTL   time.Duration
	CacheDB    *gorm.DB // optional; nil disables query caching
}

// New constructs a Client. RetrieveSchema must be called once before
// QueryByStatus or UpdateStatus can resolve the correct property shape.
func New(opts Opts) (*Client, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("board: transport is required")
	}
	if opts.DatabaseID == "" {
		return nil, fmt.Errorf("board: database id is required")
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Client{
		transport:  opts.Transport,
		databaseID: opts.DatabaseID,
		maxRetries: maxRetries,
		cacheTTL:   opts.CacheTTL,
		cacheDB:    opts.CacheDB,
	}, nil
}

// RetrieveSchema fetches the database schema and binds the property codec
// to the Status property's physical type.
func (c *Client) RetrieveSchema(ctx context.Context) (Schema, error) {
	resp, err := doWithRetry(ctx, c.transport, Request{
		Method: "GET",
		Path:   "/databases/" + c.databaseID,
	}, c.maxRetries)
	if err != nil {
		return Schema{}, fmt.Errorf("board: retrieve schema: %w", err)
	}

	var schema Schema
	if err := json.Unmarshal(resp.Body, &schema); err != nil {
		return Schema{}, fmt.Errorf("board: decode schema: %w", err)
	}
	c.codec = NewPropertyCodec(schema, StatusPropertyName)
	return schema, nil
}

// CreateStatusFilter returns the filter object for the given status value,
// shaped according to the schema-derived Status property type.
func (c *Client) CreateStatusFilter(value string) (map[string]interface{}, error) {
	if c.codec == nil {
		return nil, fmt.Errorf("board: schema not loaded; call RetrieveSchema first")
	}
	return c.codec.Filter(value), nil
}

// QueryByStatus returns one page of results for the given status, optionally
// continuing from cursor. Results are cached in-process for cacheTTL,
// keyed by status and cursor.
func (c *Client) QueryByStatus(ctx context.Context, status, cursor string, pageSize int) (QueryResult, error) {
	if c.codec == nil {
		return QueryResult{}, fmt.Errorf("board: schema not loaded; call RetrieveSchema first")
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}

	cacheKey := "query:" + status + ":" + cursor + ":" + strconv.Itoa(pageSize)
	if c.cacheDB != nil {
		if cached, ok, err := store.CacheGet(c.cacheDB, cacheKey); err == nil && ok {
			var result QueryResult
			if err := json.Unmarshal([]byte(cached), &result); err == nil {
				return result, nil
			}
		}
	}

	filter, err := c.CreateStatusFilter(status)
	if err != nil {
		return QueryResult{}, err
	}

	body := map[string]interface{}{
		"filter":    filter,
		"page_size": pageSize,
	}
	if cursor != "" {
		body["start_cursor"] = cursor
	}

	resp, err := doWithRetry(ctx, c.transport, Request{
		Method: "POST",
		Path:   "/databases/" + c.databaseID + "/query",
		Body:   body,
	}, c.maxRetries)
	if err != nil {
		return QueryResult{}, fmt.Errorf("board: query by status %q: %w", status, err)
	}

	var raw struct {
		Results    []Page `json:"results"`
		NextCursor string `json:"next_cursor"`
		HasMore    bool   `json:"has_more"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return QueryResult{}, fmt.Errorf("board: decode query result: %w", err)
	}

	result := QueryResult{Pages: raw.Results, NextCursor: raw.NextCursor, HasMore: raw.HasMore}

	if c.cacheDB != nil && c.cacheTTL > 0 {
		if encoded, err := json.Marshal(result); err == nil {
			_ = store.CachePut(c.cacheDB, cacheKey, string(encoded), c.cacheTTL)
		}
	}

	return result, nil
}

// GetPage retrieves a single page by id.
func (c *Client) GetPage(ctx context.Context, id string) (Page, error) {
	resp, err := doWithRetry(ctx, c.transport, Request{
		Method: "GET",
		Path:   "/pages/" + id,
	}, c.maxRetries)
	if err != nil {
		return Page{}, fmt.Errorf("board: get page %s: %w", id, err)
	}
	var page Page
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return Page{}, fmt.Errorf("board: decode page %s: %w", id, err)
	}
	return page, nil
}

// PatchProperties updates a page's properties. Cached query results are
// not invalidated; they expire after the query cache TTL.
func (c *Client) PatchProperties(ctx context.Context, id string, props map[string]interface{}) error {
	_, err := doWithRetry(ctx, c.transport, Request{
		Method: "PATCH",
		Path:   "/pages/" + id,
		Body:   map[string]interface{}{"properties": props},
	}, c.maxRetries)
	if err != nil {
		return fmt.Errorf("board: patch properties for %s: %w", id, err)
	}
	return nil
}

// GetStatus reads a page's current Status value. It satisfies
// statemachine.BoardClient.
func (c *Client) GetStatus(pageID string) (string, error) {
	page, err := c.GetPage(context.Background(), pageID)
	if err != nil {
		return "", err
	}
	raw, ok := page.Properties[StatusPropertyName]
	if !ok {
		return "", fmt.Errorf("board: page %s has no %s property", pageID, StatusPropertyName)
	}
	return ReadStatus(raw, StatusPropertyName), nil
}

// UpdateStatus patches a page's Status property to value, shaped per the
// schema-derived property type. It satisfies statemachine.BoardClient.
func (c *Client) UpdateStatus(pageID, value string) error {
	if c.codec == nil {
		return fmt.Errorf("board: schema not loaded; call RetrieveSchema first")
	}
	return c.PatchProperties(context.Background(), pageID, c.codec.Update(value))
}
