package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

const defaultSendTimeout = 2 * time.Second

var (
	// ErrCircuitOpen — отправка пропущена: предохранитель разомкнут.
	ErrCircuitOpen = errors.New("notification circuit is open")
	// ErrDispatcherClosed — диспетчер остановлен и новых отправок не принимает.
	ErrDispatcherClosed = errors.New("notification dispatcher is shut down")
)

// Result — итог одной попытки отправки.
type Result string

const (
	ResultSent    Result = "sent"
	ResultFailed  Result = "failed"
	ResultSkipped Result = "skipped"
	ResultTimeout Result = "timeout"
)

// Observer получает итог каждой отправки (метрики, timeline).
type Observer func(orderID string, result Result, err error)

// Options задаёт параметры диспетчера.
type Options struct {
	Timeout  time.Duration
	Async    bool
	Breaker  *CircuitBreaker
	Observer Observer
	Logger   *log.Entry
}

// Dispatcher отправляет подтверждения заказов. Ошибки отправки наружу не выходят.
type Dispatcher struct {
	sender   domain.ConfirmationSender
	timeout  time.Duration
	async    bool
	breaker  *CircuitBreaker
	observer Observer
	logger   *log.Entry

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewDispatcher создаёт диспетчер поверх sender.
func NewDispatcher(sender domain.ConfirmationSender, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSendTimeout
	}
	if opts.Breaker == nil {
		opts.Breaker = NewCircuitBreaker(BreakerSettings{})
	}
	if opts.Logger == nil {
		opts.Logger = log.New().WithField("component", "notification")
	}
	return &Dispatcher{
		sender:   sender,
		timeout:  opts.Timeout,
		async:    opts.Async,
		breaker:  opts.Breaker,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
}

// SendOrderConfirmation отправляет письмо-подтверждение.
// В синхронном режиме возвращает итог отправки, в асинхронном — true, если отправка запущена.
func (d *Dispatcher) SendOrderConfirmation(ctx context.Context, destination string, order domain.Order, items []domain.OrderItem) bool {
	if strings.TrimSpace(destination) == "" {
		d.logger.WithField("order_id", order.ID).Debug("no destination for order confirmation")
		d.observe(order.ID, ResultSkipped, domain.ErrNotificationDestinationRequired)
		return false
	}

	if !d.async {
		return d.send(ctx, destination, order, items)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.WithField("order_id", order.ID).Warn("dispatcher is shut down, confirmation dropped")
		d.observe(order.ID, ResultSkipped, ErrDispatcherClosed)
		return false
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	// контекст запроса закончится раньше отправки
	detached := context.WithoutCancel(ctx)
	go func() {
		defer d.inflight.Done()
		d.send(detached, destination, order, items)
	}()
	return true
}

// Shutdown ждёт завершения фоновых отправок или отмены ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BreakerState отдаёт состояние предохранителя для health/metrics.
func (d *Dispatcher) BreakerState() BreakerState {
	return d.breaker.State()
}

func (d *Dispatcher) send(ctx context.Context, destination string, order domain.Order, items []domain.OrderItem) bool {
	entry := d.logger.WithField("order_id", order.ID)

	done, err := d.breaker.Allow()
	if err != nil {
		entry.WithError(err).Debug("notification circuit open, confirmation skipped")
		d.observe(order.ID, ResultSkipped, err)
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err = d.safeSend(sendCtx, destination, order, items)
	done(err == nil)
	if err == nil {
		entry.Debug("order confirmation sent")
		d.observe(order.ID, ResultSent, nil)
		return true
	}

	result := ResultFailed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		result = ResultTimeout
	}
	entry.WithError(err).WithField("result", result).Warn("order confirmation failed")
	d.observe(order.ID, result, fmt.Errorf("%w: %v", domain.ErrNotificationFailed, err))
	return false
}

// safeSend вызывает sender и превращает panic в ошибку.
func (d *Dispatcher) safeSend(ctx context.Context, destination string, order domain.Order, items []domain.OrderItem) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sender panic: %v", r)
			}
		}()
		done <- d.sender.Send(ctx, destination, order, items)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) observe(orderID string, result Result, err error) {
	if d.observer != nil {
		d.observer(orderID, result, err)
	}
}
