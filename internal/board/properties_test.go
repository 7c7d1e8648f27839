package board

import "testing"

func titleProp(text string) map[string]interface{} {
	return map[string]interface{}{
		"title": []interface{}{
			map[string]interface{}{"plain_text": text},
		},
	}
}

func richTextProp(text string) map[string]interface{} {
	return map[string]interface{}{
		"rich_text": []interface{}{
			map[string]interface{}{"plain_text": text},
		},
	}
}

func checkboxProp(v bool) map[string]interface{} {
	return map[string]interface{}{"checkbox": v}
}

func uniqueIDProp(prefix string, num int) map[string]interface{} {
	return map[string]interface{}{
		"unique_id": map[string]interface{}{"prefix": prefix, "number": num},
	}
}

func TestExtractTaskMeta_TicketIDFromUniqueID(t *testing.T) {
	page := Page{
		ID: "0123456789abcdef",
		Properties: map[string]interface{}{
			"Title": titleProp("Do the thing"),
			"ID":    uniqueIDProp("NOM", 42),
		},
	}
	meta := ExtractTaskMeta(page)
	if meta.TicketID != "NOM-42" {
		t.Fatalf("ticket id = %q, want NOM-42", meta.TicketID)
	}
	if meta.Title != "Do the thing" {
		t.Fatalf("title = %q", meta.Title)
	}
}

func TestExtractTaskMeta_TicketIDFromTitleRegex(t *testing.T) {
	page := Page{
		ID: "0123456789abcdef",
		Properties: map[string]interface{}{
			"Title": titleProp("NOM-7: fix the widget"),
		},
	}
	meta := ExtractTaskMeta(page)
	if meta.TicketID != "NOM-7" {
		t.Fatalf("ticket id = %q, want NOM-7", meta.TicketID)
	}
}

func TestExtractTaskMeta_TicketIDFallsBackToPageIDSuffix(t *testing.T) {
	page := Page{
		ID: "0123456789abcdef",
		Properties: map[string]interface{}{
			"Title": titleProp("untitled task"),
		},
	}
	meta := ExtractTaskMeta(page)
	if meta.TicketID != "89abcdef" {
		t.Fatalf("ticket id = %q, want last-8 page id suffix", meta.TicketID)
	}
}

func TestExtractTaskMeta_Checkboxes(t *testing.T) {
	page := Page{
		ID: "shortid",
		Properties: map[string]interface{}{
			"Title":      titleProp("task"),
			"Commit":     checkboxProp(true),
			"New Branch": checkboxProp(false),
		},
	}
	meta := ExtractTaskMeta(page)
	if !meta.Commit {
		t.Fatal("expected Commit=true")
	}
	if meta.NewBranch {
		t.Fatal("expected NewBranch=false")
	}
}

func TestExtractTaskMeta_BranchFields(t *testing.T) {
	page := Page{
		ID: "shortid",
		Properties: map[string]interface{}{
			"Title":        titleProp("task"),
			"Base Branch":  richTextProp("main"),
			"Branch Name":  richTextProp("feature/nom-1"),
		},
	}
	meta := ExtractTaskMeta(page)
	if meta.BaseBranch != "main" {
		t.Fatalf("base branch = %q", meta.BaseBranch)
	}
	if meta.BranchName != "feature/nom-1" {
		t.Fatalf("branch name = %q", meta.BranchName)
	}
}

func TestReadRichText_EmptyOnMissingProperty(t *testing.T) {
	if got := readRichText(nil); got != "" {
		t.Fatalf("readRichText(nil) = %q, want empty", got)
	}
}

func TestReadTasksFileRef(t *testing.T) {
	raw := map[string]interface{}{
		"files": []interface{}{
			map[string]interface{}{"name": "tasks.json"},
		},
	}
	name, err := ReadTasksFileRef(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "tasks.json" {
		t.Fatalf("name = %q, want tasks.json", name)
	}
}

func TestReadTasksFileRef_EmptyFiles(t *testing.T) {
	raw := map[string]interface{}{"files": []interface{}{}}
	name, err := ReadTasksFileRef(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "" {
		t.Fatalf("name = %q, want empty", name)
	}
}
