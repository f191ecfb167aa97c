package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// timelineLog — журнал событий заказов; события одного заказа лежат в порядке Append.
type timelineLog struct {
	mu      sync.RWMutex
	byOrder map[string][]domain.TimelineEvent
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineLog{byOrder: make(map[string][]domain.TimelineEvent)}
}

func (l *timelineLog) Append(_ context.Context, event domain.TimelineEvent) error {
	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.byOrder[event.OrderID]
	event.Seq = int64(len(events)) + 1
	l.byOrder[event.OrderID] = append(events, event)
	return nil
}

func (l *timelineLog) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return append([]domain.TimelineEvent(nil), l.byOrder[orderID]...), nil
}

var _ domain.TimelineRepository = (*timelineLog)(nil)
