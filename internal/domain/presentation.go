package domain

import "time"

// PresentationCacheEntry memoizes one rendered section of one phase output
// view. SourceHash is a hash of the source content that was transformed, so
// an unchanged section is served from cache instead of re-calling an LLM.
// Unique on (OutputID, SectionKey).
type PresentationCacheEntry struct {
	ID              int64
	OutputID        int64
	SectionKey      string
	SourceHash      string
	ContentOverride bool
	Payload         ViewPayload
	ModelUsed       string
	CreatedAt       time.Time
}

// ViewPayload is the tree handed to the presentation assembler's caller: a
// labeled section with nested children, trimmed to a slim projection when
// the caller only needs headings.
type ViewPayload struct {
	Key      string        `json:"key"`
	Title    string        `json:"title"`
	Body     string        `json:"body,omitempty"`
	Children []ViewPayload `json:"children,omitempty"`
}

// Slim returns a copy of the payload with Body cleared at every level,
// leaving only the heading structure — used when a caller wants the
// table-of-contents shape without paying to transfer full section bodies.
func (v ViewPayload) Slim() ViewPayload {
	out := ViewPayload{Key: v.Key, Title: v.Title}
	if len(v.Children) > 0 {
		out.Children = make([]ViewPayload, len(v.Children))
		for i, c := range v.Children {
			out.Children[i] = c.Slim()
		}
	}
	return out
}

// ViewRefinement records the one-shot, whole-job refinement pass the
// presentation assembler runs across all views together once a job reaches a
// stable state — distinct from PresentationCacheEntry, which caches
// per-section, per-output renders computed independently.
type ViewRefinement struct {
	JobID         string
	Views         map[string]ViewPayload
	ChangeSummary string
	ModelUsed     string
	InputTokens   int
	OutputTokens  int
	CreatedAt     time.Time
}

// PolishCacheEntry caches the output of the supplemental "polish" pass: a
// school-of-thought-specific rewrite of one rendered view, kept separate
// from PresentationCacheEntry because it operates on already-assembled view
// text rather than raw phase output and is requested explicitly rather than
// computed as part of normal assembly.
type PolishCacheEntry struct {
	ID        int64
	JobID     string
	ViewKey   string
	School    string
	Content   string
	ModelUsed string
	CreatedAt time.Time
}
