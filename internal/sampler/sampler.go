// Package sampler produces lightweight, cheap profiles of each work in a
// corpus (genre, style, reasoning modes, per-engine-category affinity
// scores) that feed the adaptive planner's curatorial decisions. Sampling
// runs concurrently across works and never fails the overall request — an
// LLM failure degrades to a minimal default profile instead.
package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"basegraph.app/analysisd/common/llm"
	"basegraph.app/analysisd/internal/chaptersplit"
	"basegraph.app/analysisd/internal/registry"
)

const (
	firstSectionChars = 5000
	midSectionChars   = 5000
	lastSectionChars  = 3000
	maxHeadingsListed  = 30
)

// Caller is the minimal LLM surface the sampler needs.
type Caller interface {
	RunEngineCall(ctx context.Context, systemPrompt, userMessage string, opts llm.EngineCallOptions) (*llm.EngineResult, error)
}

// ChapterSummary is the compact chapter-structure entry made available to
// the planner for chapter-targeting decisions.
type ChapterSummary struct {
	ChapterKey string `json:"chapter_id"`
	CharCount  int    `json:"char_count"`
}

// BookSample is one work's lightweight profile.
type BookSample struct {
	Title                     string             `json:"title"`
	Role                      string             `json:"role"` // "target" or "prior_work"
	Genre                     string             `json:"genre"`
	Domain                    string             `json:"domain"`
	ArgumentativeStyle        string             `json:"argumentative_style"`
	TechnicalLevel            string             `json:"technical_level"`
	ReasoningModes            []string           `json:"reasoning_modes"`
	KeyVocabularySample       []string           `json:"key_vocabulary_sample"`
	StructuralNotes           string             `json:"structural_notes"`
	EstimatedLengthChars      int                `json:"estimated_length_chars"`
	EngineCategoryAffinities  map[string]float64 `json:"engine_category_affinities"`
	Rationale                 string             `json:"rationale"`
	ChapterStructure          []ChapterSummary   `json:"chapter_structure"`
}

// WorkInput is one work to sample.
type WorkInput struct {
	Title string
	Text  string
	Role  string // "target" or "prior_work"
}

// Sampler profiles works via a fast model call, falling back to a minimal
// default on any failure.
type Sampler struct {
	LLM      Caller
	Catalogs *registry.Catalogs
	// MaxConcurrency bounds parallel sampling calls; 0 uses the default.
	MaxConcurrency int
}

const defaultMaxConcurrency = 5

const systemPrompt = `You are a literary and intellectual classifier. Given an excerpt from a book,
produce a structured profile classifying its genre, domain, argumentative style, reasoning modes,
and relevance to different analytical engine categories.

Return ONLY valid JSON matching this schema (no markdown fences):
{
  "genre": "academic_monograph|essay_collection|memoir|polemic|textbook|fiction|dialogue|manifesto|other",
  "domain": "primary intellectual domain",
  "argumentative_style": "analytical|polemical|narrative|dialogical|aphoristic|systematic|comparative",
  "technical_level": "highly_technical|moderate|accessible|mixed",
  "reasoning_modes": ["list of reasoning approaches: deductive, dialectical, game_theoretic, modal, comparative, historical, genealogical, phenomenological, pragmatic, etc."],
  "key_vocabulary_sample": ["10-20 distinctive terms"],
  "structural_notes": "brief notes on structure",
  "engine_category_affinities": {"category": 0.0-1.0},
  "rationale": "1-2 sentences explaining your classifications"
}`

// SampleAll profiles every work concurrently, target first in the returned
// slice's conceptual ordering (callers receive results indexed to inputs).
func (s *Sampler) SampleAll(ctx context.Context, works []WorkInput) []BookSample {
	ceiling := s.MaxConcurrency
	if ceiling <= 0 {
		ceiling = defaultMaxConcurrency
	}

	categories := s.categoryDescriptions()
	sem := make(chan struct{}, ceiling)
	samples := make([]BookSample, len(works))
	var wg sync.WaitGroup

	for i, w := range works {
		i, w := i, w
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			samples[i] = s.sampleOne(ctx, w, categories)
		}()
	}
	wg.Wait()
	return samples
}

func (s *Sampler) sampleOne(ctx context.Context, w WorkInput, categories map[string]string) BookSample {
	sample := s.runSample(ctx, w, categories)

	if offsets := chaptersplit.Split(w.Text); len(offsets) > 0 {
		for _, off := range offsets {
			sample.ChapterStructure = append(sample.ChapterStructure, ChapterSummary{
				ChapterKey: off.ChapterKey,
				CharCount:  off.End - off.Start,
			})
		}
	}
	return sample
}

func (s *Sampler) runSample(ctx context.Context, w WorkInput, categories map[string]string) BookSample {
	fallback := BookSample{
		Title:                w.Title,
		Role:                 w.Role,
		Genre:                "academic_monograph",
		ArgumentativeStyle:   "analytical",
		TechnicalLevel:       "moderate",
		EstimatedLengthChars: len(w.Text),
	}
	if s.LLM == nil {
		return fallback
	}

	excerpt := extractExcerpt(w.Text, firstSectionChars+midSectionChars+lastSectionChars)
	userPrompt := buildSampleUserPrompt(w, excerpt, categories)

	result, err := s.LLM.RunEngineCall(ctx, systemPrompt, userPrompt, llm.EngineCallOptions{
		ModelHint: llm.ModelHaiku,
		Label:     fmt.Sprintf("sample:%s", w.Title),
	})
	if err != nil {
		slog.WarnContext(ctx, "book sampling failed, using default profile", "title", w.Title, "error", err)
		fallback.Rationale = fmt.Sprintf("sampling failed: %v", err)
		return fallback
	}

	var parsed struct {
		Genre                    string             `json:"genre"`
		Domain                   string             `json:"domain"`
		ArgumentativeStyle       string             `json:"argumentative_style"`
		TechnicalLevel           string             `json:"technical_level"`
		ReasoningModes           []string           `json:"reasoning_modes"`
		KeyVocabularySample      []string           `json:"key_vocabulary_sample"`
		StructuralNotes          string             `json:"structural_notes"`
		EngineCategoryAffinities map[string]float64 `json:"engine_category_affinities"`
		Rationale                string             `json:"rationale"`
	}
	content := stripFences(result.Content)
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		slog.WarnContext(ctx, "book sample response was not valid json, using default profile", "title", w.Title, "error", err)
		fallback.Rationale = fmt.Sprintf("invalid sample response: %v", err)
		return fallback
	}

	return BookSample{
		Title:                    w.Title,
		Role:                     w.Role,
		Genre:                    orDefault(parsed.Genre, "academic_monograph"),
		Domain:                   parsed.Domain,
		ArgumentativeStyle:       orDefault(parsed.ArgumentativeStyle, "analytical"),
		TechnicalLevel:           orDefault(parsed.TechnicalLevel, "moderate"),
		ReasoningModes:           parsed.ReasoningModes,
		KeyVocabularySample:      parsed.KeyVocabularySample,
		StructuralNotes:          parsed.StructuralNotes,
		EstimatedLengthChars:     len(w.Text),
		EngineCategoryAffinities: parsed.EngineCategoryAffinities,
		Rationale:                parsed.Rationale,
	}
}

// extractExcerpt builds a representative excerpt: opening + mid-section +
// closing + any detected headings, so the sampler sees the book's shape
// without paying for the full text.
func extractExcerpt(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}

	first := text[:firstSectionChars]
	midStart := len(text)/2 - midSectionChars/2
	if midStart < 0 {
		midStart = 0
	}
	midEnd := midStart + midSectionChars
	if midEnd > len(text) {
		midEnd = len(text)
	}
	mid := text[midStart:midEnd]
	last := text[len(text)-lastSectionChars:]

	var headings []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || len(trimmed) >= 100 {
			continue
		}
		if trimmed == strings.ToUpper(trimmed) || strings.HasPrefix(trimmed, "#") ||
			strings.HasPrefix(trimmed, "Chapter") || strings.HasPrefix(trimmed, "Part") || strings.HasPrefix(trimmed, "Section") {
			headings = append(headings, trimmed)
			if len(headings) >= maxHeadingsListed {
				break
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[OPENING SECTION (~5K chars)]:\n%s\n\n[MID-SECTION (~5K chars)]:\n%s\n\n[CLOSING SECTION (~3K chars)]:\n%s", first, mid, last)
	if len(headings) > 0 {
		b.WriteString("\n\n[DETECTED HEADINGS/STRUCTURE]:\n")
		b.WriteString(strings.Join(headings, "\n"))
	}
	return b.String()
}

func buildSampleUserPrompt(w WorkInput, excerpt string, categories map[string]string) string {
	var catLines []string
	for cat, desc := range categories {
		catLines = append(catLines, fmt.Sprintf("  - %s: %s", cat, desc))
	}
	sort.Strings(catLines)

	return fmt.Sprintf(`# Book to Profile

**Title**: %s
**Role**: %s
**Full text length**: %d characters

## Available Engine Categories (score each 0.0-1.0 for relevance):
%s

## Excerpt:
%s

Produce the JSON profile.`, w.Title, w.Role, len(w.Text), strings.Join(catLines, "\n"), excerpt)
}

// categoryDescriptions groups registered engines by their declared role
// into short descriptions, grounding the affinity-score prompt in what the
// catalog actually contains rather than a hardcoded list.
func (s *Sampler) categoryDescriptions() map[string]string {
	fallback := map[string]string{
		"concepts":      "Concept extraction, semantic fields, vocabulary mapping",
		"argument":      "Argument structure, logical analysis, reasoning patterns",
		"temporal":      "Evolution tracking, chronological analysis",
		"epistemology":  "Knowledge claims, methodology detection",
		"methodology":   "Research methods, analytical approaches",
	}
	if s.Catalogs == nil || s.Catalogs.Engines == nil {
		return fallback
	}

	byCategory := map[string][]string{}
	for _, eng := range s.Catalogs.Engines.ListAll() {
		cat := eng.Role
		if cat == "" {
			continue
		}
		byCategory[cat] = append(byCategory[cat], eng.Name)
	}
	if len(byCategory) == 0 {
		return fallback
	}

	out := map[string]string{}
	for cat, names := range byCategory {
		sort.Strings(names)
		limit := len(names)
		if limit > 5 {
			limit = 5
		}
		out[cat] = fmt.Sprintf("%d engines: %s", len(names), strings.Join(names[:limit], "; "))
	}
	return out
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
