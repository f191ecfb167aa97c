package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultBreakerThreshold      = 5
	defaultBreakerCooldown       = 30 * time.Second
	defaultBreakerHalfOpenTrials = 1
)

// BreakerState — состояние предохранителя.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerSettings — параметры предохранителя; нулевые поля заменяются значениями по умолчанию.
type BreakerSettings struct {
	// Threshold — сколько неудачных отправок подряд размыкают цепь.
	Threshold uint32
	// Cooldown — сколько цепь остаётся разомкнутой до пробных отправок.
	Cooldown time.Duration
	// HalfOpenTrials — сколько пробных отправок пропускается в полуоткрытом состоянии;
	// столько же успехов подряд замыкают цепь.
	HalfOpenTrials uint32
	OnStateChange  func(from, to BreakerState)
}

// CircuitBreaker размыкается после Threshold неудачных отправок подряд и после Cooldown
// пропускает не больше HalfOpenTrials пробных отправок.
type CircuitBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewCircuitBreaker создаёт предохранитель поверх gobreaker.
func NewCircuitBreaker(settings BreakerSettings) *CircuitBreaker {
	if settings.Threshold == 0 {
		settings.Threshold = defaultBreakerThreshold
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = defaultBreakerCooldown
	}
	if settings.HalfOpenTrials == 0 {
		settings.HalfOpenTrials = defaultBreakerHalfOpenTrials
	}

	threshold := settings.Threshold
	gs := gobreaker.Settings{
		Name:        "order-confirmation",
		MaxRequests: settings.HalfOpenTrials,
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if settings.OnStateChange != nil {
		notify := settings.OnStateChange
		gs.OnStateChange = func(_ string, from, to gobreaker.State) {
			notify(breakerState(from), breakerState(to))
		}
	}
	return &CircuitBreaker{cb: gobreaker.NewTwoStepCircuitBreaker(gs)}
}

// Allow резервирует попытку отправки. Итог попытки обязательно передаётся в done.
// Разомкнутая цепь и исчерпанные пробные отправки возвращают ErrCircuitOpen.
func (b *CircuitBreaker) Allow() (done func(success bool), err error) {
	done, err = b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}
	return done, nil
}

// State возвращает текущее состояние.
func (b *CircuitBreaker) State() BreakerState {
	return breakerState(b.cb.State())
}

func breakerState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
