package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/teslashibe/go-nutrizen/internal/httpc"
)

// HTTP is a Backend served by a REST API:
//
//	GET  {base}/users/{id}/profile
//	GET  {base}/users/{id}/meals?limit=n
//	POST {base}/meal-logs
//	POST {base}/coaching-events
type HTTP struct {
	base   string
	client *http.Client
}

// NewHTTP returns a REST backend rooted at baseURL. A nil client uses the
// shared httpc client.
func NewHTTP(baseURL string, client *http.Client) *HTTP {
	return &HTTP{base: strings.TrimRight(baseURL, "/"), client: client}
}

// GetUserProfile fetches the user's profile.
func (h *HTTP) GetUserProfile(ctx context.Context, userID string) (UserProfile, error) {
	var p UserProfile
	err := httpc.GetJSON(ctx, h.client, h.base+"/users/"+url.PathEscape(userID)+"/profile", &p)
	if err != nil {
		var se *httpc.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return UserProfile{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return UserProfile{}, fmt.Errorf("backend: get profile: %w", err)
	}
	return p, nil
}

// GetRecentMeals fetches up to limit recent meals.
func (h *HTTP) GetRecentMeals(ctx context.Context, userID string, limit int) ([]RecentMeal, error) {
	u := h.base + "/users/" + url.PathEscape(userID) + "/meals"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var meals []RecentMeal
	if err := httpc.GetJSON(ctx, h.client, u, &meals); err != nil {
		return nil, fmt.Errorf("backend: get recent meals: %w", err)
	}
	if meals == nil {
		meals = []RecentMeal{}
	}
	return meals, nil
}

// SaveMealLog posts a meal log.
func (h *HTTP) SaveMealLog(ctx context.Context, log MealLog) (Ack, error) {
	var ack Ack
	if err := httpc.PostJSON(ctx, h.client, h.base+"/meal-logs", log, &ack); err != nil {
		return Ack{}, fmt.Errorf("backend: save meal log: %w", err)
	}
	return ack, nil
}

// LogCoachingEvent posts a coaching event.
func (h *HTTP) LogCoachingEvent(ctx context.Context, ev CoachingEvent) (Ack, error) {
	var ack Ack
	if err := httpc.PostJSON(ctx, h.client, h.base+"/coaching-events", ev, &ack); err != nil {
		return Ack{}, fmt.Errorf("backend: log coaching event: %w", err)
	}
	return ack, nil
}

var _ Backend = (*HTTP)(nil)
