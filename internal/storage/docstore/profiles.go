package docstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// ProfileStore — игровые профили в hash profile:{userID}.
type ProfileStore struct {
	client redis.UniversalClient
}

// NewProfileStore создаёт хранилище профилей поверх Redis.
func NewProfileStore(client redis.UniversalClient) *ProfileStore {
	return &ProfileStore{client: client}
}

// GetProfile читает профиль; отсутствующий профиль — ErrProfileNotFound.
func (s *ProfileStore) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	values, err := s.client.HGetAll(ctx, profileKey(userID)).Result()
	if err != nil {
		return domain.Profile{}, fmt.Errorf("load profile %s: %w", userID, err)
	}
	if len(values) == 0 {
		return domain.Profile{}, domain.ErrProfileNotFound
	}
	return decodeProfile(userID, values), nil
}

// PutProfile перезаписывает профиль целиком. Используется при заведении игрока и в тестах.
func (s *ProfileStore) PutProfile(ctx context.Context, profile domain.Profile) error {
	profile.Level = domain.LevelForPoints(profile.Points)
	fields := map[string]any{
		"points":         profile.Points,
		"level":          profile.Level,
		"coins":          profile.Wallet.Coins,
		"spins":          profile.Wallet.Spins,
		"streak_current": profile.Streak.Current,
		"streak_longest": profile.Streak.Longest,
		"created_at":     profile.CreatedAt.UnixNano(),
		"updated_at":     profile.UpdatedAt.UnixNano(),
	}
	if !profile.Streak.LastActiveAt.IsZero() {
		fields["streak_last_active"] = profile.Streak.LastActiveAt.UnixNano()
	}
	if err := s.client.HSet(ctx, profileKey(profile.UserID), fields).Err(); err != nil {
		return fmt.Errorf("save profile %s: %w", profile.UserID, err)
	}
	return nil
}

// ApplyAward атомарно начисляет очки скриптом awardScript.
func (s *ProfileStore) ApplyAward(ctx context.Context, userID, awardKey string, points int64, now time.Time) (domain.LevelChange, error) {
	if points < 0 {
		return domain.LevelChange{}, domain.ErrInvalidPoints
	}
	res, err := awardScript.Run(ctx, s.client,
		[]string{profileKey(userID), awardsKey(userID)},
		awardKey, points, now.UnixNano(), domain.PointsPerLevel,
	).Int64Slice()
	if err != nil {
		return domain.LevelChange{}, fmt.Errorf("%w: %v", domain.ErrProgressionPersistence, err)
	}
	if len(res) != 4 {
		return domain.LevelChange{}, fmt.Errorf("%w: unexpected script reply %v", domain.ErrProgressionPersistence, res)
	}
	return domain.LevelChange{
		PreviousLevel: int(res[0]),
		NewLevel:      int(res[1]),
		TotalPoints:   res[2],
		Applied:       res[3] == 1,
	}, nil
}

func decodeProfile(userID string, values map[string]string) domain.Profile {
	num := func(field string) int64 {
		n, _ := strconv.ParseInt(values[field], 10, 64)
		return n
	}
	ts := func(field string) time.Time {
		n := num(field)
		if n == 0 {
			return time.Time{}
		}
		return time.Unix(0, n).UTC()
	}

	points := num("points")
	return domain.Profile{
		UserID: userID,
		Points: points,
		Level:  domain.LevelForPoints(points),
		Wallet: domain.Wallet{
			Coins: num("coins"),
			Spins: num("spins"),
		},
		Streak: domain.Streak{
			Current:      int(num("streak_current")),
			Longest:      int(num("streak_longest")),
			LastActiveAt: ts("streak_last_active"),
		},
		CreatedAt: ts("created_at"),
		UpdatedAt: ts("updated_at"),
	}
}

var _ domain.ProfileStore = (*ProfileStore)(nil)
