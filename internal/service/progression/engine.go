package progression

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// Engine начисляет очки и ведёт уровни игроков.
type Engine struct {
	profiles domain.ProfileStore
	logger   *log.Entry
	now      func() time.Time
}

// NewEngine создаёт движок прогрессии.
func NewEngine(profiles domain.ProfileStore, logger *log.Entry) *Engine {
	if logger == nil {
		logger = log.New().WithField("component", "progression")
	}
	return &Engine{
		profiles: profiles,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AwardPoints начисляет очки за заказ. Ключ начисления — orderID, поэтому
// повторный вызов для того же заказа не добавляет очков.
// Ошибки хранилища оборачиваются в ErrProgressionPersistence.
func (e *Engine) AwardPoints(ctx context.Context, userID, orderID string, points int64) (domain.LevelChange, error) {
	if userID == "" {
		return domain.LevelChange{}, domain.ErrUserRequired
	}
	if points < 0 {
		return domain.LevelChange{}, domain.ErrInvalidPoints
	}

	change, err := e.profiles.ApplyAward(ctx, userID, orderID, points, e.now())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPoints) || errors.Is(err, domain.ErrProgressionPersistence) {
			return domain.LevelChange{}, err
		}
		return domain.LevelChange{}, fmt.Errorf("%w: %v", domain.ErrProgressionPersistence, err)
	}

	entry := e.logger.WithFields(log.Fields{
		"user_id":  userID,
		"order_id": orderID,
		"points":   points,
		"level":    change.NewLevel,
	})
	switch {
	case !change.Applied:
		entry.Debug("award already applied")
	case change.LeveledUp():
		entry.WithField("title", domain.TitleForLevel(change.NewLevel)).Info("player leveled up")
	default:
		entry.Debug("points awarded")
	}
	return change, nil
}

// Profile возвращает профиль игрока или профиль по умолчанию, если его ещё нет.
func (e *Engine) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	if userID == "" {
		return domain.Profile{}, domain.ErrUserRequired
	}
	profile, err := e.profiles.GetProfile(ctx, userID)
	if errors.Is(err, domain.ErrProfileNotFound) {
		return domain.NewProfile(userID, e.now()), nil
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("load profile %s: %w", userID, err)
	}
	return profile, nil
}
