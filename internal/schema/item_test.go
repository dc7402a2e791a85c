package schema

import (
	"errors"
	"reflect"
	"testing"
)

func TestItem_Validate(t *testing.T) {
	tests := []struct {
		name    string
		item    Item
		wantErr bool
	}{
		{
			name: "valid item",
			item: Item{ID: "user1-zh-中国-0-rune", Part: PartRune},
		},
		{
			name:    "missing id",
			item:    Item{Part: PartRune},
			wantErr: true,
		},
		{
			name:    "too few segments",
			item:    Item{ID: "user1-zh-中国", Part: PartRune},
			wantErr: true,
		},
		{
			name:    "unknown part",
			item:    Item{ID: "user1-zh-中国-0-draw", Part: "draw"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestItem_VocabIDFromOwnID tests that items without vocab ids derive the
// vocab id by splitting their own id.
func TestItem_VocabIDFromOwnID(t *testing.T) {
	ids := []string{
		"user1-zh-中国-0-rune",
		"user1-zh-好-1-tone",
		"42-ja-日本-0-defn",
		"abc-zh-你好-0-rdng",
	}
	want := []string{"zh-中国-0", "zh-好-1", "ja-日本-0", "zh-你好-0"}

	for i, id := range ids {
		item := Item{ID: id, Reviews: 7}
		for _, style := range []string{"", StyleSimp, StyleTrad} {
			if got := item.VocabID(style); got != want[i] {
				t.Errorf("VocabID(%q) for %s = %q, want %q", style, id, got, want[i])
			}
		}
	}
}

func TestItem_VocabIDStyle(t *testing.T) {
	item := Item{
		ID:       "user1-zh-们-0-rune",
		VocabIDs: []string{"zh-们-0", "zh-們-0"},
	}

	if got := item.VocabID(StyleSimp); got != "zh-们-0" {
		t.Errorf("VocabID(simp) = %q, want %q", got, "zh-们-0")
	}
	if got := item.VocabID(StyleTrad); got != "zh-們-0" {
		t.Errorf("VocabID(trad) = %q, want %q", got, "zh-們-0")
	}

	// Without a style both candidates rotate with the review count.
	item.Reviews = 1
	if got := item.VocabID(StyleBoth); got != "zh-們-0" {
		t.Errorf("VocabID(both) with 1 review = %q, want %q", got, "zh-們-0")
	}
	item.Reviews = 2
	if got := item.VocabID(StyleBoth); got != "zh-们-0" {
		t.Errorf("VocabID(both) with 2 reviews = %q, want %q", got, "zh-们-0")
	}
}

// TestItem_RelatedIDsChineseRune tests the sibling ids of a rune item that
// covers a simplified and a traditional vocab.
func TestItem_RelatedIDsChineseRune(t *testing.T) {
	item := Item{
		ID:       "user1-zh-A-0-rune",
		Part:     PartRune,
		VocabIDs: []string{"zh-A-0", "zh-A-1"},
	}

	got := item.RelatedIDs("user1")
	want := []string{
		"user1-zh-A-0-defn",
		"user1-zh-A-0-rdng",
		"user1-zh-A-0-tone",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RelatedIDs() = %v, want %v", got, want)
	}
}

func TestItem_RelatedIDsKeepsRuneVariants(t *testing.T) {
	item := Item{
		ID:       "user1-zh-A-0-defn",
		Part:     PartDefn,
		VocabIDs: []string{"zh-A-0", "zh-A-1"},
	}

	got := item.RelatedIDs("user1")
	want := []string{
		"user1-zh-A-0-rdng",
		"user1-zh-A-0-rune",
		"user1-zh-A-1-rune",
		"user1-zh-A-0-tone",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RelatedIDs() = %v, want %v", got, want)
	}
}

func TestItem_RelatedIDsJapaneseHasNoTone(t *testing.T) {
	item := Item{
		ID:       "user1-ja-日本-0-rune",
		Part:     PartRune,
		VocabIDs: []string{"ja-日本-0"},
	}

	for _, id := range item.RelatedIDs("user1") {
		if PartFromItemID(id) == PartTone {
			t.Errorf("RelatedIDs() returned tone item %s for Japanese", id)
		}
	}
	if got := len(item.RelatedIDs("user1")); got != 2 {
		t.Errorf("len(RelatedIDs()) = %d, want 2", got)
	}
}

func TestItem_ExpireHold(t *testing.T) {
	item := Item{Held: 100}
	item.ExpireHold(50)
	if item.Held != 100 {
		t.Errorf("Held = %d after ExpireHold before expiry, want 100", item.Held)
	}
	item.ExpireHold(100)
	if item.Held != 0 {
		t.Errorf("Held = %d after ExpireHold at expiry, want 0", item.Held)
	}
}

func TestStylesFor(t *testing.T) {
	if got := StylesFor(StyleSimp); !reflect.DeepEqual(got, []string{StyleBoth, StyleSimp}) {
		t.Errorf("StylesFor(simp) = %v", got)
	}
	if got := StylesFor(""); len(got) != 3 {
		t.Errorf("StylesFor(\"\") = %v, want all styles", got)
	}
}

func TestParseParts(t *testing.T) {
	parts, err := ParseParts([]string{"rune", " tone"})
	if err != nil {
		t.Fatalf("ParseParts() failed: %v", err)
	}
	if !reflect.DeepEqual(parts, []Part{PartRune, PartTone}) {
		t.Errorf("ParseParts() = %v", parts)
	}
	if _, err := ParseParts([]string{"draw"}); err == nil {
		t.Error("ParseParts() accepted an unknown part")
	}
}

func TestVocab_CharactersSkipKana(t *testing.T) {
	v := Vocab{Writing: "食べる"}
	if got := v.Characters(); !reflect.DeepEqual(got, []string{"食"}) {
		t.Errorf("Characters() = %v, want [食]", got)
	}
	if got := v.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}

	v = Vocab{Writing: "中国", ContainedVocabIDs: []string{"zh-中-0", "zh-国-0"}}
	if got := v.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	want := []string{"user1-zh-中-0-rune", "user1-zh-国-0-rune"}
	if got := v.ContainedItemIDs("user1", PartRune); !reflect.DeepEqual(got, want) {
		t.Errorf("ContainedItemIDs() = %v, want %v", got, want)
	}
}

func TestVocab_Definition(t *testing.T) {
	v := Vocab{Definitions: map[string]string{"en": "China img:http://x/y.png"}}
	if got := v.Definition("de"); got != "China" {
		t.Errorf("Definition(de) = %q, want %q", got, "China")
	}
	v.CustomDefinition = "Middle Kingdom"
	if got := v.Definition("en"); got != "Middle Kingdom" {
		t.Errorf("Definition(en) = %q, want custom definition", got)
	}
}

func TestVocab_ValidateUpdate(t *testing.T) {
	stored := &Vocab{ID: "zh-中-0", Changed: 100}

	if err := (&Vocab{ID: "zh-中-0", Changed: 101}).ValidateUpdate(stored); err != nil {
		t.Errorf("ValidateUpdate() with newer changed failed: %v", err)
	}

	err := (&Vocab{ID: "zh-中-0", Changed: 100}).ValidateUpdate(stored)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ValidateUpdate() with equal changed = %v, want *ValidationError", err)
	}
	if verr.ID != "zh-中-0" {
		t.Errorf("ValidationError.ID = %q, want %q", verr.ID, "zh-中-0")
	}

	if err := (&Vocab{ID: "zh-中-0"}).ValidateUpdate(nil); err != nil {
		t.Errorf("ValidateUpdate(nil) failed: %v", err)
	}
}
