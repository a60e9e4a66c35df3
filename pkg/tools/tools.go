// Package tools declares the functions the coach model may call and runs
// them against the user-data backend.
package tools

import (
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// Name is a declared tool.
type Name string

const (
	GetUserProfile   Name = "get_user_profile"
	GetRecentMeals   Name = "get_recent_meals"
	SaveMealLog      Name = "save_meal_log"
	LogCoachingEvent Name = "log_coaching_event"
)

// All lists every declared tool in declaration order.
var All = []Name{GetUserProfile, GetRecentMeals, SaveMealLog, LogCoachingEvent}

// ErrUnknownTool is returned for a call to an undeclared function.
var ErrUnknownTool = errors.New("tools: unknown tool")

// ExecutionError reports a handler failure. The call is left unanswered.
type ExecutionError struct {
	Tool   Name
	CallID string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("tools: %s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tools: %s (call %s): %v", e.Tool, e.CallID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Parse maps a function name to a declared tool.
func Parse(s string) (Name, error) {
	switch n := Name(s); n {
	case GetUserProfile, GetRecentMeals, SaveMealLog, LogCoachingEvent:
		return n, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTool, s)
}

func str(desc string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Description: desc}
}

func obj(desc string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeObject, Description: desc}
}

// Declarations returns the function schemas sent at session setup.
func Declarations() []*genai.Tool {
	return []*genai.Tool{{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        string(GetUserProfile),
				Description: "Get user profile: plan, allergies, dislikes, likes, targets, budget.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"user_id": str(`User ID, e.g., "user_1234"`),
					},
					Required: []string{"user_id"},
				},
			},
			{
				Name:        string(GetRecentMeals),
				Description: "Get recent meals to detect repetitions & lacks.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"user_id": str("User ID"),
						"limit":   {Type: genai.TypeNumber, Description: "Number of meals to return"},
					},
					Required: []string{"user_id", "limit"},
				},
			},
			{
				Name:        string(SaveMealLog),
				Description: "Save the meal log to the database.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"user_id":          str("User ID"),
						"meal_text":        str("The original user input about the meal."),
						"parsed_items":     obj("The parsed items from the meal analysis."),
						"estimated_macros": obj("The estimated macros from the meal analysis."),
					},
					Required: []string{"user_id", "meal_text", "parsed_items", "estimated_macros"},
				},
			},
			{
				Name:        string(LogCoachingEvent),
				Description: "Log a coaching event.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"user_id": str("User ID"),
						"type":    str(`Type of event, e.g., "advice" or "warning".`),
						"payload": obj("The event payload."),
					},
					Required: []string{"user_id", "type", "payload"},
				},
			},
		},
	}}
}
