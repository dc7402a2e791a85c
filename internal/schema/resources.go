package schema

import (
	"encoding/json"
	"fmt"
)

// Local tables. Every table is keyed by a single string field.
const (
	TableDecomps    = "decomps"
	TableItems      = "items"
	TableReviews    = "reviews"
	TableSentences  = "sentences"
	TableStrokes    = "strokes"
	TableSRSConfigs = "srsconfigs"
	TableVocabLists = "vocablists"
	TableVocabs     = "vocabs"
	TableMeta       = "meta"
)

// Tables lists every local table in the order a download persists them.
var Tables = []string{
	TableDecomps,
	TableItems,
	TableSRSConfigs,
	TableSentences,
	TableStrokes,
	TableVocabs,
	TableVocabLists,
	TableReviews,
	TableMeta,
}

// KeyField returns the JSON field a table is keyed by.
func KeyField(table string) string {
	switch table {
	case TableDecomps:
		return "writing"
	case TableStrokes:
		return "rune"
	case TableSRSConfigs:
		return "part"
	case TableMeta:
		return "key"
	}
	return "id"
}

// IsTable reports whether name is a known table.
func IsTable(name string) bool {
	for _, t := range Tables {
		if t == name {
			return true
		}
	}
	return false
}

// Sentence is an example sentence attached to a vocab.
type Sentence struct {
	ID          string            `json:"id"`
	Lang        string            `json:"lang,omitempty"`
	Writing     string            `json:"writing"`
	Reading     string            `json:"reading,omitempty"`
	Definitions map[string]string `json:"definitions,omitempty"`
}

// Stroke holds the stroke variations of one character. Tone prompts use
// the pseudo-characters tone1 through tone5.
type Stroke struct {
	Rune    string          `json:"rune"`
	Lang    string          `json:"lang,omitempty"`
	Strokes json.RawMessage `json:"strokes,omitempty"`
}

// Decomp is the component breakdown of a character.
type Decomp struct {
	Writing  string        `json:"writing"`
	Atomic   bool          `json:"atomic,omitempty"`
	Children []DecompChild `json:"Children,omitempty"`
}

// DecompChild is one component of a decomposition.
type DecompChild struct {
	Writing string `json:"writing"`
	Reading string `json:"reading,omitempty"`
	Tone    int    `json:"tone,omitempty"`
}

// SRSConfig holds the interval factors the server applies per part.
type SRSConfig struct {
	Part                 Part      `json:"part"`
	Lang                 string    `json:"lang,omitempty"`
	InitialRightInterval int64     `json:"initialRightInterval"`
	InitialWrongInterval int64     `json:"initialWrongInterval"`
	RightFactors         []float64 `json:"rightFactors,omitempty"`
	WrongFactors         []float64 `json:"wrongFactors,omitempty"`
}

// VocabList is a named list of vocabs the user can study.
type VocabList struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Lang        string             `json:"lang,omitempty"`
	Sort        string             `json:"sort,omitempty"` // custom, official, studying
	Studying    string             `json:"studyingMode,omitempty"`
	Description string             `json:"description,omitempty"`
	Sections    []VocabListSection `json:"sections,omitempty"`
	Changed     int64              `json:"changed,omitempty"`
}

// VocabListSection is a chapter of a list.
type VocabListSection struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Rows    []VocabListRow `json:"rows,omitempty"`
	Deleted bool           `json:"deleted,omitempty"`
}

// VocabListRow points at a vocab and its traditional variant.
type VocabListRow struct {
	VocabID     string `json:"vocabId"`
	TradVocabID string `json:"tradVocabId,omitempty"`
}

// ValidationError reports an update that violates a monotonicity rule.
type ValidationError struct {
	Table  string
	ID     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid update to %s/%s: %s", e.Table, e.ID, e.Reason)
}
