package board

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
)

// TaskMeta is the set of task-identifying properties read off a page
// beyond its Status: title, derived ticket id, and the two checkboxes that
// drive optional commit and branch creation.
type TaskMeta struct {
	Title      string
	TicketID   string
	Commit     bool
	NewBranch  bool
	BaseBranch string
	BranchName string
}

var ticketIDRe = regexp.MustCompile(`[A-Z]+-\d+`)

// readTitle extracts the plain-text concatenation of a title property's
// runs; board providers shape the "title" run list the same way they shape
// "rich_text", so the runs are read with readRichText.
func readTitle(raw interface{}) string {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return ""
	}
	if runs, ok := obj["title"]; ok {
		return readRichText(map[string]interface{}{"rich_text": runs})
	}
	return readRichText(raw)
}

// readCheckbox reads a checkbox property's boolean value.
func readCheckbox(raw interface{}) bool {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return false
	}
	v, _ := obj["checkbox"].(bool)
	return v
}

// readUniqueID reads a unique_id property's "<prefix>-<number>" rendering.
func readUniqueID(raw interface{}) (string, bool) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return "", false
	}
	inner, ok := obj["unique_id"].(map[string]interface{})
	if !ok {
		return "", false
	}
	num, ok := inner["number"]
	if !ok {
		return "", false
	}
	prefix, _ := inner["prefix"].(string)
	if prefix != "" {
		return fmt.Sprintf("%s-%v", prefix, num), true
	}
	return fmt.Sprintf("%v", num), true
}

// ExtractTaskMeta derives a page's TaskMeta. ticket_id resolution order: a
// unique_id-typed property named "ID", else a regex match on the title
// against [A-Z]+-\d+, else the last 8 hex characters of the page id.
func ExtractTaskMeta(page Page) TaskMeta {
	meta := TaskMeta{}
	if raw, ok := page.Properties["Title"]; ok {
		meta.Title = readTitle(raw)
	} else if raw, ok := page.Properties["Name"]; ok {
		meta.Title = readTitle(raw)
	}

	if raw, ok := page.Properties["ID"]; ok {
		if id, ok := readUniqueID(raw); ok {
			meta.TicketID = id
		}
	}
	if meta.TicketID == "" {
		if m := ticketIDRe.FindString(meta.Title); m != "" {
			meta.TicketID = m
		}
	}
	if meta.TicketID == "" {
		id := page.ID
		if len(id) > 8 {
			id = id[len(id)-8:]
		}
		meta.TicketID = id
	}

	if raw, ok := page.Properties["Commit"]; ok {
		meta.Commit = readCheckbox(raw)
	}
	if raw, ok := page.Properties["New Branch"]; ok {
		meta.NewBranch = readCheckbox(raw)
	}
	if raw, ok := page.Properties["Base Branch"]; ok {
		meta.BaseBranch = readRichText(raw)
	}
	if raw, ok := page.Properties["Branch Name"]; ok {
		meta.BranchName = readRichText(raw)
	}
	return meta
}

// FeedbackPropertyName is the board property NOMAD treats as the
// append-only audit log (the board's Feedback rich-text property).
const FeedbackPropertyName = "Feedback"

// richTextRun renders one string as a single rich_text run.
func richTextRun(text string) map[string]interface{} {
	return map[string]interface{}{"type": "text", "text": map[string]interface{}{"content": text}}
}

// readRichText extracts the plain-text concatenation of a rich_text
// property's runs.
func readRichText(raw interface{}) string {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return ""
	}
	runs, ok := obj["rich_text"].([]interface{})
	if !ok {
		return ""
	}
	out := ""
	for _, r := range runs {
		run, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		if text, ok := run["text"].(map[string]interface{}); ok {
			if content, ok := text["content"].(string); ok {
				out += content
			}
		} else if plain, ok := run["plain_text"].(string); ok {
			out += plain
		}
	}
	return out
}

// GetFeedback reads pageID's current Feedback rich-text value as plain
// text. It satisfies feedback.BoardClient.
func (c *Client) GetFeedback(pageID string) (string, error) {
	page, err := c.GetPage(context.Background(), pageID)
	if err != nil {
		return "", err
	}
	raw, ok := page.Properties[FeedbackPropertyName]
	if !ok {
		return "", nil
	}
	return readRichText(raw), nil
}

// PatchFeedback replaces pageID's Feedback property with the ordered runs,
// one run per chunk. It satisfies feedback.BoardClient.
func (c *Client) PatchFeedback(pageID string, runs []string) error {
	payload := make([]map[string]interface{}, len(runs))
	for i, r := range runs {
		payload[i] = richTextRun(r)
	}
	return c.PatchProperties(context.Background(), pageID, map[string]interface{}{
		FeedbackPropertyName: map[string]interface{}{"rich_text": payload},
	})
}

// TasksPropertyName is the board property NOMAD treats as the
// decomposition artifact reference.
const TasksPropertyName = "Tasks"

// UploadTasksFileRef patches pageID's Tasks files property to reference
// path, the per-ticket decomposition artifact copy on disk. Board providers
// model an external file reference as a name plus an external URL; NOMAD
// has no object-storage layer of its own, so the reference is the local
// path, consistent with the rest of the artifact pipeline living on disk.
func (c *Client) UploadTasksFileRef(ctx context.Context, pageID, path string) error {
	entry := map[string]interface{}{
		"name":     filepath.Base(path),
		"type":     "external",
		"external": map[string]interface{}{"url": "file://" + path},
	}
	return c.PatchProperties(ctx, pageID, map[string]interface{}{
		TasksPropertyName: map[string]interface{}{"files": []interface{}{entry}},
	})
}

// ReadTasksFileRef extracts the first file reference's name from a Tasks
// files property.
func ReadTasksFileRef(raw interface{}) (string, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("board: Tasks property has unexpected shape")
	}
	files, ok := obj["files"].([]interface{})
	if !ok || len(files) == 0 {
		return "", nil
	}
	first, ok := files[0].(map[string]interface{})
	if !ok {
		return "", nil
	}
	name, _ := first["name"].(string)
	return name, nil
}
