package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// ProfileStore — in-memory хранилище игровых профилей.
type ProfileStore struct {
	mu       sync.Mutex
	profiles map[string]domain.Profile
	awarded  map[string]map[string]struct{}
}

// NewProfileStore создаёт пустое хранилище профилей.
func NewProfileStore() *ProfileStore {
	return &ProfileStore{
		profiles: make(map[string]domain.Profile),
		awarded:  make(map[string]map[string]struct{}),
	}
}

// GetProfile возвращает профиль или ErrProfileNotFound.
func (s *ProfileStore) GetProfile(_ context.Context, userID string) (domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[userID]
	if !ok {
		return domain.Profile{}, domain.ErrProfileNotFound
	}
	return profile, nil
}

// PutProfile перезаписывает профиль (сидирование и тесты).
func (s *ProfileStore) PutProfile(profile domain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile.Level = domain.LevelForPoints(profile.Points)
	s.profiles[profile.UserID] = profile
}

// ApplyAward создаёт профиль при первом обращении и начисляет очки не больше одного раза на awardKey.
func (s *ProfileStore) ApplyAward(_ context.Context, userID, awardKey string, points int64, now time.Time) (domain.LevelChange, error) {
	if points < 0 {
		return domain.LevelChange{}, domain.ErrInvalidPoints
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[userID]
	if !ok {
		profile = domain.NewProfile(userID, now)
	}

	if _, done := s.awarded[userID][awardKey]; done && awardKey != "" {
		return domain.LevelChange{
			PreviousLevel: profile.Level,
			NewLevel:      profile.Level,
			TotalPoints:   profile.Points,
		}, nil
	}

	change, err := profile.Award(points, now)
	if err != nil {
		return domain.LevelChange{}, err
	}
	s.profiles[userID] = profile
	if awardKey != "" {
		if s.awarded[userID] == nil {
			s.awarded[userID] = make(map[string]struct{})
		}
		s.awarded[userID][awardKey] = struct{}{}
	}
	return change, nil
}

var _ domain.ProfileStore = (*ProfileStore)(nil)
