package board

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// maxDeleteConcurrency bounds concurrent block deletes.
const maxDeleteConcurrency = 5

// maxCreateConcurrency bounds concurrent append-chunk submissions.
const maxCreateConcurrency = 3

// maxAppendChunk is the provider's per-request children-append limit.
const maxAppendChunk = 100

// inlineLeafTypes are block types classified as leaves (no children, common
// inline content) for the purposes of the delete pass in ReplaceBody.
var inlineLeafTypes = map[string]bool{
	"paragraph":         true,
	"heading_1":         true,
	"heading_2":         true,
	"heading_3":         true,
	"bulleted_list_item": true,
	"numbered_list_item": true,
}

// childBlock is one existing block as reported by the provider's children listing.
type childBlock struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	HasChildren bool   `json:"has_children"`
}

// ListChildren lists a page's (or block's) direct children.
func (c *Client) ListChildren(ctx context.Context, blockID string) ([]childBlock, error) {
	resp, err := doWithRetry(ctx, c.transport, Request{
		Method: "GET",
		Path:   "/blocks/" + blockID + "/children",
	}, c.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("board: list children of %s: %w", blockID, err)
	}
	var raw struct {
		Results []childBlock `json:"results"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("board: decode children of %s: %w", blockID, err)
	}
	return raw.Results, nil
}

// deleteBlock deletes a single block, retrying: one
// retry after 1s on 429, one retry after 2s then skip on 409, 404 treated
// as success, other 4xx/5xx logged and swallowed (non-fatal for the block).
func (c *Client) deleteBlock(ctx context.Context, id string) {
	attempt := func() (int, error) {
		resp, err := c.transport.Do(ctx, Request{Method: "DELETE", Path: "/blocks/" + id})
		if err != nil {
			return 0, err
		}
		return resp.StatusCode, nil
	}

	status, err := attempt()
	if err == nil && (status < 400 || status == 404) {
		return
	}
	if status == 429 {
		time.Sleep(time.Second)
		status, err = attempt()
		if err == nil && (status < 400 || status == 404) {
			return
		}
	} else if status == 409 {
		time.Sleep(2 * time.Second)
		status, err = attempt()
		if err == nil && (status < 400 || status == 404) {
			return
		}
		log.Printf("[board] delete block %s: 409 persisted after retry, skipping", id)
		return
	}
	if err != nil {
		log.Printf("[board] delete block %s failed (non-fatal): %v", id, err)
	} else {
		log.Printf("[board] delete block %s returned status %d (non-fatal)", id, status)
	}
}

// deleteBlocksConcurrent deletes ids with a bounded semaphore, matching the
// "semaphore of 5" rule for leaves and parents alike.
func (c *Client) deleteBlocksConcurrent(ctx context.Context, ids []string) {
	sem := make(chan struct{}, maxDeleteConcurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			c.deleteBlock(ctx, id)
		}(id)
	}
	wg.Wait()
}

// ParseMarkdownBlocks converts markdown into the provider's block shape,
// following markdown precedence rules: "# " -> heading_1,
// "## " -> heading_2, "### " -> heading_3, "- " -> bulleted_list_item, else
// paragraph, splitting on blank-line boundaries.
func ParseMarkdownBlocks(markdown string) []Block {
	paragraphs := strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n\n")
	blocks := make([]Block, 0, len(paragraphs))
	for _, p := range paragraphs {
		text := strings.TrimSpace(p)
		if text == "" {
			continue
		}
		switch {
		case strings.HasPrefix(text, "### "):
			blocks = append(blocks, Block{Type: "heading_3", Text: strings.TrimPrefix(text, "### ")})
		case strings.HasPrefix(text, "## "):
			blocks = append(blocks, Block{Type: "heading_2", Text: strings.TrimPrefix(text, "## ")})
		case strings.HasPrefix(text, "# "):
			blocks = append(blocks, Block{Type: "heading_1", Text: strings.TrimPrefix(text, "# ")})
		case strings.HasPrefix(text, "- "):
			blocks = append(blocks, Block{Type: "bulleted_list_item", Text: strings.TrimPrefix(text, "- ")})
		default:
			blocks = append(blocks, Block{Type: "paragraph", Text: text})
		}
	}
	return blocks
}

// blockPayload renders a Block into the provider's create-block JSON shape.
func blockPayload(b Block) map[string]interface{} {
	richText := []map[string]interface{}{
		{"type": "text", "text": map[string]interface{}{"content": b.Text}},
	}
	return map[string]interface{}{
		"object": "block",
		"type":   b.Type,
		b.Type:   map[string]interface{}{"rich_text": richText},
	}
}

// appendChunk appends up to maxAppendChunk blocks to parentID, retrying on
// 429 with the standard exponential-backoff/jitter policy.
func (c *Client) appendChunk(ctx context.Context, parentID string, blocks []Block) error {
	payload := make([]map[string]interface{}, len(blocks))
	for i, b := range blocks {
		payload[i] = blockPayload(b)
	}
	_, err := doWithRetry(ctx, c.transport, Request{
		Method: "PATCH",
		Path:   "/blocks/" + parentID + "/children",
		Body:   map[string]interface{}{"children": payload},
	}, c.maxRetries)
	if err != nil {
		return fmt.Errorf("board: append chunk to %s: %w", parentID, err)
	}
	return nil
}

// ReplaceBody replaces a page's body with the blocks parsed from markdown,
// the hierarchical delete+recreate algorithm:
//  1. list children, classify leaves vs parents
//  2. delete leaves concurrently, settle, delete parents concurrently
//  3. parse new markdown into blocks
//  4. append in chunks of <=100 with bounded concurrency
//
// Delete failures are logged and do not abort the operation; a failure
// appending any chunk is fatal for the whole call.
func (c *Client) ReplaceBody(ctx context.Context, pageID, markdown string) error {
	existing, err := c.ListChildren(ctx, pageID)
	if err != nil {
		return fmt.Errorf("board: replace body of %s: %w", pageID, err)
	}

	var leaves, parents []string
	for _, child := range existing {
		if !child.HasChildren && inlineLeafTypes[child.Type] {
			leaves = append(leaves, child.ID)
		} else {
			parents = append(parents, child.ID)
		}
	}

	c.deleteBlocksConcurrent(ctx, leaves)
	time.Sleep(500 * time.Millisecond) // settle delay before deleting parents
	c.deleteBlocksConcurrent(ctx, parents)

	blocks := ParseMarkdownBlocks(markdown)
	sem := make(chan struct{}, maxCreateConcurrency)
	var wg sync.WaitGroup
	errCh := make(chan error, (len(blocks)/maxAppendChunk)+1)
	for i := 0; i < len(blocks); i += maxAppendChunk {
		end := i + maxAppendChunk
		if end > len(blocks) {
			end = len(blocks)
		}
		chunk := blocks[i:end]
		wg.Add(1)
		sem <- struct{}{}
		go func(chunk []Block) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.appendChunk(ctx, pageID, chunk); err != nil {
				errCh <- err
			}
		}(chunk)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return fmt.Errorf("board: replace body of %s: %w", pageID, err)
		}
	}
	return nil
}
