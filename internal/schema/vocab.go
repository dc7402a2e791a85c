package schema

import (
	"regexp"
	"strings"
	"unicode"
)

// Vocab is a dictionary entry an item prompts for.
type Vocab struct {
	ID                string            `json:"id"` // {lang}-{writing}-{n}
	Lang              string            `json:"lang"`
	Writing           string            `json:"writing"`
	Reading           string            `json:"reading,omitempty"`
	Style             string            `json:"style,omitempty"`
	Definitions       map[string]string `json:"definitions,omitempty"`
	CustomDefinition  string            `json:"customDefinition,omitempty"`
	ContainedVocabIDs []string          `json:"containedVocabIds,omitempty"`
	SentenceID        string            `json:"sentenceId,omitempty"`
	Audio             string            `json:"audio,omitempty"`
	Toughness         int               `json:"toughness,omitempty"`
	Starred           bool              `json:"starred,omitempty"`
	Changed           int64             `json:"changed,omitempty"`
}

var imageLink = regexp.MustCompile(`img:\S+`)

// Characters returns the writing split into characters, without kana.
func (v *Vocab) Characters() []string {
	var chars []string
	for _, r := range v.Writing {
		if isKana(r) {
			continue
		}
		chars = append(chars, string(r))
	}
	return chars
}

// Count returns how many characters the vocab is studied as.
func (v *Vocab) Count() int {
	if len(v.ContainedVocabIDs) > 0 {
		return len(v.ContainedVocabIDs)
	}
	return len(v.Characters())
}

// ContainedItemIDs returns the per-character item ids for a part.
func (v *Vocab) ContainedItemIDs(userID string, part Part) []string {
	ids := make([]string, 0, len(v.ContainedVocabIDs))
	for _, vocabID := range v.ContainedVocabIDs {
		ids = append(ids, userID+"-"+vocabID+"-"+string(part))
	}
	return ids
}

// Definition returns the definition in lang, falling back to English.
// A custom definition wins over both.
func (v *Vocab) Definition(lang string) string {
	def := v.CustomDefinition
	if def == "" {
		def = v.Definitions[lang]
	}
	if def == "" {
		def = v.Definitions["en"]
	}
	return strings.TrimSpace(imageLink.ReplaceAllString(def, ""))
}

// ValidateUpdate rejects an update that does not advance the changed time.
func (v *Vocab) ValidateUpdate(stored *Vocab) error {
	if stored == nil {
		return nil
	}
	if v.Changed <= stored.Changed {
		return &ValidationError{
			Table:  TableVocabs,
			ID:     v.ID,
			Reason: "changed must be greater than the stored value",
		}
	}
	return nil
}

func isKana(r rune) bool {
	return unicode.In(r, unicode.Hiragana, unicode.Katakana) || r == 'ー'
}
