// Package backend is the user-data store the coach's tools talk to: user
// profiles, recent meals, saved meal logs and coaching events.
package backend

import (
	"context"
	"errors"
)

// ErrUserNotFound is returned when no profile exists for a user.
var ErrUserNotFound = errors.New("backend: user not found")

// Budget levels.
const (
	BudgetLow    = "low"
	BudgetMedium = "medium"
	BudgetHigh   = "high"
)

// UserProfile holds a user's plan, food preferences and daily targets.
type UserProfile struct {
	Plan           string   `json:"plan" yaml:"plan"`
	Allergies      []string `json:"allergies" yaml:"allergies"`
	Dislikes       []string `json:"dislikes" yaml:"dislikes"`
	Likes          []string `json:"likes" yaml:"likes"`
	KcalTarget     float64  `json:"kcal_target" yaml:"kcal_target"`
	ProteinTargetG float64  `json:"protein_target_g" yaml:"protein_target_g"`
	CarbTargetG    float64  `json:"carb_target_g" yaml:"carb_target_g"`
	FatTargetG     float64  `json:"fat_target_g" yaml:"fat_target_g"`
	FiberTargetG   float64  `json:"fiber_target_g" yaml:"fiber_target_g"`
	BudgetLevel    string   `json:"budget_level" yaml:"budget_level"`
}

// RecentMeal is a past meal with a human time label.
type RecentMeal struct {
	Name string `json:"name" yaml:"name"`
	Time string `json:"time" yaml:"time"`
}

// MealLog is a meal the coach analysed.
type MealLog struct {
	UserID          string         `json:"user_id"`
	MealText        string         `json:"meal_text"`
	ParsedItems     map[string]any `json:"parsed_items"`
	EstimatedMacros map[string]any `json:"estimated_macros"`
}

// CoachingEvent is a piece of advice or a warning given to the user.
type CoachingEvent struct {
	UserID  string         `json:"user_id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Ack acknowledges a write.
type Ack struct {
	OK bool `json:"ok"`
}

// Backend is the user-data store. Implementations must be safe for
// concurrent use; tool calls run in parallel.
type Backend interface {
	GetUserProfile(ctx context.Context, userID string) (UserProfile, error)
	GetRecentMeals(ctx context.Context, userID string, limit int) ([]RecentMeal, error)
	SaveMealLog(ctx context.Context, log MealLog) (Ack, error)
	LogCoachingEvent(ctx context.Context, ev CoachingEvent) (Ack, error)
}

// DefaultProfile is the demo profile served to any user without one.
func DefaultProfile() UserProfile {
	return UserProfile{
		Plan:           "Fit",
		Allergies:      []string{"arachides"},
		Dislikes:       []string{"betteraves", "endives"},
		Likes:          []string{"poulet", "brocoli", "patates douces"},
		KcalTarget:     2200,
		ProteinTargetG: 150,
		CarbTargetG:    200,
		FatTargetG:     80,
		FiberTargetG:   30,
		BudgetLevel:    BudgetMedium,
	}
}

// DefaultRecentMeals is the demo meal history.
func DefaultRecentMeals() []RecentMeal {
	return []RecentMeal{
		{Name: "Poulet grillé, brocolis et riz complet", Time: "hier soir"},
		{Name: "Omelette aux épinards", Time: "hier midi"},
	}
}
