// Package analysis extracts the structured meal analysis the coach embeds in
// its spoken answer as a fenced JSON block.
package analysis

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// MealItem is one food the coach recognised in the meal description.
type MealItem struct {
	Name          string  `json:"name"`
	EstimatedQtyG float64 `json:"estimated_qty_g"`
}

// EstimatedMacros holds the coach's macro estimate for a meal.
type EstimatedMacros struct {
	Kcal     float64 `json:"kcal"`
	ProteinG float64 `json:"protein_g"`
	CarbsG   float64 `json:"carbs_g"`
	FatG     float64 `json:"fat_g"`
	FiberG   float64 `json:"fiber_g"`
}

// MealUnderstanding is what the coach understood of the meal.
type MealUnderstanding struct {
	Items           []MealItem      `json:"items"`
	EstimatedMacros EstimatedMacros `json:"estimated_macros"`
}

// MealAnalysis is the structured payload attached to a coach message.
type MealAnalysis struct {
	MealUnderstanding MealUnderstanding `json:"meal_understanding"`
	DiagnosisBullets  []string          `json:"diagnosis_bullets"`
	SuggestedSwaps    []string          `json:"suggested_swaps"`
	AllergyFlags      []string          `json:"allergy_flags"`
	NextStepCTA       string            `json:"next_step_cta"`
}

// ParseError reports a fenced block that is not a valid MealAnalysis.
// It is never shown to the user.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("analysis: malformed json block: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var fencePattern = regexp.MustCompile("```json\\s*([\\s\\S]*?)\\s*```")

// Extract splits text into free commentary and an optional analysis.
//
// The first ```json fenced block is parsed. On success the block is removed
// and the text on either side is trimmed and joined by one space. When the
// block does not parse, text is returned unchanged together with a
// *ParseError. Text without a block is returned unchanged with a nil
// analysis and nil error.
func Extract(text string) (string, *MealAnalysis, error) {
	loc := fencePattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return text, nil, nil
	}

	body := text[loc[2]:loc[3]]
	var a MealAnalysis
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return text, nil, &ParseError{Err: err}
	}

	return joinAround(text[:loc[0]], text[loc[1]:]), &a, nil
}

// joinAround glues the text on either side of a removed block with a
// single space.
func joinAround(before, after string) string {
	before = strings.TrimSpace(before)
	after = strings.TrimSpace(after)
	switch {
	case before == "":
		return after
	case after == "":
		return before
	}
	return before + " " + after
}
