package audit

/*
Файл trail.go реализует неблокирующий сборщик протокольного трейла.

Hot path шлюза (handshake/report/refresh) не должен ждать запись в БД,
поэтому события уходят в буферизованный канал, а выделенный воркер пишет
их пачками (по таймеру или при наборе лимита). При остановке сервиса
выполняется Drain: канал закрывается, воркер вычитает остаток и делает
финальный flush — события не теряются при штатной перезагрузке.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняются события.
type StorageInterface interface {
	// WriteEventBatch сохраняет пачку событий за один запрос
	WriteEventBatch(ctx context.Context, events []ProtocolEvent) error
}

// Recorder — интерфейс для hot path; движок зависит от него, не от Trail.
type Recorder interface {
	Record(event ProtocolEvent)
}

const batchLimit = 100

type Trail struct {
	ch     chan ProtocolEvent
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup

	flushInterval time.Duration

	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Record после Stop
	isClosed int32
}

func NewTrail(repo StorageInterface, logger *zap.Logger, bufferSize int, flushInterval time.Duration) *Trail {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &Trail{
		ch:            make(chan ProtocolEvent, bufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "audit-trail")),
		flushInterval: flushInterval,
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop запирает вход в канал и ждет, пока воркер допишет остаток.
func (t *Trail) Stop() {
	atomic.StoreInt32(&t.isClosed, 1)

	// Крошечная пауза, чтобы уже начатые Record успели проскочить
	time.Sleep(10 * time.Millisecond)

	t.logger.Info("stopping trail: closing channel and flushing buffer...")
	close(t.ch)
	t.wg.Wait()
	t.logger.Info("trail stopped gracefully")
}

// Record ставит событие в очередь. При переполнении буфера событие
// уходит в лог (Load Shedding), но запрос агента не блокируется.
func (t *Trail) Record(event ProtocolEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("protocol event dropped: trail is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case t.ch <- event:
	default:
		t.logger.Error("trail_buffer_overflow",
			zap.Int64("agent_id", event.AgentID),
			zap.String("operation", event.Operation),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]ProtocolEvent, 0, batchLimit)
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст на shutdown уже может быть закрыт
			if err := t.repo.WriteEventBatch(context.Background(), batch); err != nil {
				t.logger.Error("trail flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остаток — финальный flush
				flush()
				t.logger.Info("trail worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchLimit {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
