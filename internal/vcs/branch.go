package vcs

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxBranchNameLength is the truncation length enforced on generated names.
const MaxBranchNameLength = 250

var (
	runWhitespaceOrUnderscore = regexp.MustCompile(`[\s_]+`)
	dropChars                 = regexp.MustCompile(`[~^:?*\[\]\\@{}]`)
	angleOrQuote              = regexp.MustCompile(`[<>|"]`)
	runDots                   = regexp.MustCompile(`\.{2,}`)
	runSlashes                = regexp.MustCompile(`/{2,}`)
	controlBytes              = regexp.MustCompile(`[\x00-\x1f\x7f]`)
	runHyphens                = regexp.MustCompile(`-{2,}`)
	cleanIDChars              = regexp.MustCompile(`[^a-zA-Z0-9-]`)
	safeIDChars               = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// invalidPatterns are the git ref-name rules a generated name must not
// match; a sanitized name failing any of these falls back to a
// timestamped name.
var invalidPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\.+`),
	regexp.MustCompile(`^\.|\.$`),
	regexp.MustCompile(`[\x00-\x1f\x7f]`),
	regexp.MustCompile(`[ \t]+$`),
	regexp.MustCompile(`^[ \t]+`),
	regexp.MustCompile(`[~^:?*\[\]\\]`),
	regexp.MustCompile(`@\{`),
	regexp.MustCompile(`//+`),
	regexp.MustCompile(`^/`),
	regexp.MustCompile(`/$`),
}

// IsValidBranchName reports whether name satisfies git's branch-name rules:
// not empty, within MaxBranchNameLength, matches none of the invalid
// patterns, and does not end in ".lock".
func IsValidBranchName(name string) bool {
	if name == "" || len(name) > MaxBranchNameLength {
		return false
	}
	for _, p := range invalidPatterns {
		if p.MatchString(name) {
			return false
		}
	}
	return !strings.HasSuffix(name, ".lock")
}

// Sanitize applies a deterministic transform to rawName in
// order: trim; collapse whitespace/underscore runs to '-'; drop
// `~^:?*[]\@{}`; replace `<>|"` with '-'; collapse consecutive '.'; collapse
// consecutive '/'; trim leading/trailing '.' and '/'; strip control bytes;
// collapse consecutive '-'; trim leading/trailing '-'. Falls back to
// "task-unnamed" if the result is empty (Sanitize has no task id; the id is
// prepended by BuildBranchName), then truncates to
// MaxBranchNameLength. Sanitize is a fixed point: Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(rawName string) string {
	name := strings.TrimSpace(rawName)
	name = runWhitespaceOrUnderscore.ReplaceAllString(name, "-")
	name = dropChars.ReplaceAllString(name, "")
	name = angleOrQuote.ReplaceAllString(name, "-")
	name = runDots.ReplaceAllString(name, ".")
	name = runSlashes.ReplaceAllString(name, "/")
	name = strings.Trim(name, "./")
	name = controlBytes.ReplaceAllString(name, "")
	name = runHyphens.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")

	if name == "" {
		name = "task-unnamed"
	}
	if len(name) > MaxBranchNameLength {
		name = strings.TrimRight(name[:MaxBranchNameLength], "-")
	}
	return name
}

// BuildBranchName sanitizes taskTitle into a slug, prepends the sanitized
// taskID, and — if the combined result still fails IsValidBranchName —
// falls back to "task-<cleanedID>-<unixSeconds>".
func BuildBranchName(taskID, taskTitle string) string {
	slug := Sanitize(taskTitle)

	cleanID := cleanIDChars.ReplaceAllString(taskID, "")
	name := slug
	if cleanID != "" {
		name = cleanID + "-" + slug
	}

	if len(name) > MaxBranchNameLength {
		name = strings.TrimRight(name[:MaxBranchNameLength], "-")
	}

	if !IsValidBranchName(name) {
		safeID := safeIDChars.ReplaceAllString(taskID, "")
		if safeID == "" {
			safeID = "unnamed"
		}
		name = "task-" + safeID + "-" + strconv.FormatInt(time.Now().Unix(), 10)
	}
	return name
}
