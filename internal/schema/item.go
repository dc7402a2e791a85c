// Package schema defines the study records mirrored from the remote account:
// items, reviews, vocabularies and the resources an item needs to be prompted.
package schema

import (
	"fmt"
	"strings"
)

// Part is one of the review modalities.
type Part string

const (
	PartDefn Part = "defn"
	PartRdng Part = "rdng"
	PartRune Part = "rune"
	PartTone Part = "tone"
)

// Language codes.
const (
	LangChinese  = "zh"
	LangJapanese = "ja"
)

// Style values an item or a user filter can carry.
const (
	StyleBoth = "both"
	StyleSimp = "simp"
	StyleTrad = "trad"
)

// IsValid reports whether p is a known part.
func (p Part) IsValid() bool {
	switch p {
	case PartDefn, PartRdng, PartRune, PartTone:
		return true
	}
	return false
}

// AllParts returns the parts studied for a language.
// Japanese has no tone prompts.
func AllParts(lang string) []Part {
	if lang == LangJapanese {
		return []Part{PartDefn, PartRdng, PartRune}
	}
	return []Part{PartDefn, PartRdng, PartRune, PartTone}
}

// ParseParts converts strings into parts, rejecting unknown values.
func ParseParts(values []string) ([]Part, error) {
	parts := make([]Part, 0, len(values))
	for _, v := range values {
		p := Part(strings.TrimSpace(v))
		if !p.IsValid() {
			return nil, fmt.Errorf("invalid part %q", v)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// StylesFor returns the item styles visible to a user studying with the
// given style setting. Items shared by both scripts are always included.
func StylesFor(setting string) []string {
	switch setting {
	case StyleSimp:
		return []string{StyleBoth, StyleSimp}
	case StyleTrad:
		return []string{StyleBoth, StyleTrad}
	default:
		return []string{StyleBoth, StyleSimp, StyleTrad}
	}
}

// Item is a single quizzable unit.
//
// The id has the form {userId}-{lang}-{writing}-{n}-{part}; the middle three
// segments form the vocab id.
type Item struct {
	ID               string   `json:"id"`
	Part             Part     `json:"part"`
	VocabIDs         []string `json:"vocabIds"`
	Style            string   `json:"style,omitempty"`
	Reviews          int      `json:"reviews"`
	Successes        int      `json:"successes,omitempty"`
	Interval         int64    `json:"interval,omitempty"`
	Last             int64    `json:"last,omitempty"`
	Next             int64    `json:"next,omitempty"`
	PreviousInterval int64    `json:"previousInterval,omitempty"`
	PreviousSuccess  bool     `json:"previousSuccess,omitempty"`
	Held             int64    `json:"held,omitempty"`
	Flag             bool     `json:"flag,omitempty"`
	FlagMessage      string   `json:"flagMessage,omitempty"`
	Changed          int64    `json:"changed,omitempty"`
	TimeStudied      int64    `json:"timeStudied,omitempty"`
}

// Validate checks the fields every stored item must carry.
func (i *Item) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(strings.Split(i.ID, "-")) < 5 {
		return fmt.Errorf("malformed item id %q", i.ID)
	}
	if !i.Part.IsValid() {
		return fmt.Errorf("invalid part %q for item %s", i.Part, i.ID)
	}
	return nil
}

// ExpireHold clears a hold that has already elapsed.
func (i *Item) ExpireHold(now int64) {
	if i.Held != 0 && i.Held <= now {
		i.Held = 0
	}
}

// IsNew reports whether the item has never been reviewed.
func (i *Item) IsNew() bool {
	return i.Reviews == 0
}

// IsDue reports whether the item is scheduled at or before now.
func (i *Item) IsDue(now int64) bool {
	return i.Next <= now
}

// UserID returns the owner segment of the id.
func (i *Item) UserID() string {
	return strings.Split(i.ID, "-")[0]
}

// Lang returns the language segment of the id.
func (i *Item) Lang() string {
	segments := strings.Split(i.ID, "-")
	if len(segments) < 2 {
		return ""
	}
	return segments[1]
}

// StyleOrDefault returns the item style; items without one are shared.
func (i *Item) StyleOrDefault() string {
	if i.Style == "" {
		return StyleBoth
	}
	return i.Style
}

// VocabID resolves the vocab this item prompts for a user style.
//
// Items shared by a simplified and a traditional vocab keep both ids; the
// style drops the other variant and the remaining candidates rotate with
// the review count. Items without vocab ids derive it from their own id.
func (i *Item) VocabID(style string) string {
	candidates := append([]string(nil), i.VocabIDs...)
	if len(candidates) == 2 {
		switch style {
		case StyleTrad:
			candidates = candidates[1:]
		case StyleSimp:
			candidates = candidates[:1]
		}
	}
	if len(candidates) == 0 {
		return VocabIDFromItemID(i.ID)
	}
	return candidates[i.Reviews%len(candidates)]
}

// VocabIDFromItemID extracts {lang}-{writing}-{n} from an item id.
func VocabIDFromItemID(itemID string) string {
	segments := strings.Split(itemID, "-")
	if len(segments) < 4 {
		return ""
	}
	return segments[1] + "-" + segments[2] + "-" + segments[3]
}

// PartFromItemID extracts the part segment of an item id.
func PartFromItemID(itemID string) Part {
	segments := strings.Split(itemID, "-")
	if len(segments) < 5 {
		return ""
	}
	return Part(segments[4])
}

// RelatedIDs returns the ids of the sibling items covering the other parts
// of the same vocabularies.
//
// Rune items keep the full vocab id, since simplified and traditional
// writings are separate rune items. Every other part collapses onto the
// variant-neutral "-0-" form.
func (i *Item) RelatedIDs(userID string) []string {
	seen := make(map[string]bool)
	var related []string
	for _, part := range AllParts(i.Lang()) {
		if part == i.Part {
			continue
		}
		for _, vocabID := range i.VocabIDs {
			var id string
			if part == PartRune {
				id = userID + "-" + vocabID + "-" + string(part)
			} else {
				split := strings.Split(vocabID, "-")
				if len(split) < 2 {
					continue
				}
				id = userID + "-" + split[0] + "-" + split[1] + "-0-" + string(part)
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			related = append(related, id)
		}
	}
	return related
}
