package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-nutrizen/internal/config"
)

// Seed is the initial content of a Memory backend.
type Seed struct {
	// Default is served to users without their own profile.
	Default UserProfile `yaml:"default_profile"`

	// Users maps user ids to profiles and meal histories.
	Users map[string]SeedUser `yaml:"users"`

	// RecentMeals is the history of users not listed in Users.
	RecentMeals []RecentMeal `yaml:"recent_meals"`
}

// SeedUser is one user's entry in a Seed.
type SeedUser struct {
	Profile     UserProfile  `yaml:"profile"`
	RecentMeals []RecentMeal `yaml:"recent_meals"`
}

// DefaultSeed returns the built-in demo data.
func DefaultSeed() Seed {
	return Seed{
		Default:     DefaultProfile(),
		RecentMeals: DefaultRecentMeals(),
	}
}

// LoadSeed reads a YAML seed file. Missing sections fall back to the
// built-in demo data.
func LoadSeed(path string) (Seed, error) {
	seed := DefaultSeed()
	if err := config.Load(path, &seed); err != nil {
		return Seed{}, fmt.Errorf("backend: load seed: %w", err)
	}
	if seed.RecentMeals == nil {
		seed.RecentMeals = DefaultRecentMeals()
	}
	return seed, nil
}

// Memory is an in-process Backend. Saved meals are added to the user's
// recent meals, newest first.
type Memory struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	seed     Seed
	profiles map[string]UserProfile
	meals    map[string][]RecentMeal
	logs     []MealLog
	events   []CoachingEvent
}

// NewMemory creates an in-memory backend from seed.
func NewMemory(seed Seed, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		logger:   logger,
		now:      time.Now,
		seed:     seed,
		profiles: make(map[string]UserProfile),
		meals:    make(map[string][]RecentMeal),
	}
	for id, u := range seed.Users {
		m.profiles[id] = u.Profile
		if u.RecentMeals != nil {
			m.meals[id] = append([]RecentMeal(nil), u.RecentMeals...)
		}
	}
	return m
}

// GetUserProfile returns the user's profile or the seed default.
func (m *Memory) GetUserProfile(ctx context.Context, userID string) (UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return UserProfile{}, err
	}
	m.logger.Info("fetching profile", "user_id", userID)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.profiles[userID]; ok {
		return p, nil
	}
	if m.seed.Default.Plan == "" {
		return UserProfile{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return m.seed.Default, nil
}

// GetRecentMeals returns up to limit meals, newest first. A limit of zero
// or less returns them all.
func (m *Memory) GetRecentMeals(ctx context.Context, userID string, limit int) ([]RecentMeal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.logger.Info("fetching recent meals", "user_id", userID, "limit", limit)

	m.mu.RLock()
	meals, ok := m.meals[userID]
	if !ok {
		meals = m.seed.RecentMeals
	}
	if limit > 0 && limit < len(meals) {
		meals = meals[:limit]
	}
	out := append([]RecentMeal(nil), meals...)
	m.mu.RUnlock()

	if out == nil {
		out = []RecentMeal{}
	}
	return out, nil
}

// SaveMealLog records log and prepends it to the user's recent meals.
func (m *Memory) SaveMealLog(ctx context.Context, log MealLog) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	m.logger.Info("saving meal log", "user_id", log.UserID, "meal_text", log.MealText)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)

	meals, ok := m.meals[log.UserID]
	if !ok {
		meals = append([]RecentMeal(nil), m.seed.RecentMeals...)
	}
	entry := RecentMeal{Name: log.MealText, Time: m.now().Format("02/01 15:04")}
	m.meals[log.UserID] = append([]RecentMeal{entry}, meals...)
	return Ack{OK: true}, nil
}

// LogCoachingEvent records ev.
func (m *Memory) LogCoachingEvent(ctx context.Context, ev CoachingEvent) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	m.logger.Info("logging coaching event", "user_id", ev.UserID, "type", ev.Type)

	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return Ack{OK: true}, nil
}

// MealLogs returns a copy of every saved meal log.
func (m *Memory) MealLogs() []MealLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MealLog(nil), m.logs...)
}

// CoachingEvents returns a copy of every logged coaching event.
func (m *Memory) CoachingEvents() []CoachingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CoachingEvent(nil), m.events...)
}

var _ Backend = (*Memory)(nil)
