package status

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/logging"
)

// Update is one published status record.
type Update struct {
	// Exactly one of ExpectationID / ContainerID is set.
	ExpectationID expectation.ID `json:"expectationId,omitempty"`
	ContainerID   container.ID   `json:"containerId,omitempty"`

	State             expectation.State  `json:"state,omitempty"`
	Reason            expectation.Reason `json:"reason"`
	StatusInfo        string             `json:"statusInfo,omitempty"`
	Progress          float64            `json:"progress,omitempty"`
	ActualVersionHash string             `json:"actualVersionHash,omitempty"`
	IsError           bool               `json:"isError,omitempty"`

	At  time.Time `json:"at"`
	Seq uint64    `json:"seq"`
}

func (u Update) key() string {
	if u.ExpectationID != "" {
		return "exp:" + string(u.ExpectationID)
	}
	return "cont:" + string(u.ContainerID)
}

// Sink receives published batches. Implementations must be safe for calls
// from the publisher goroutine only.
type Sink interface {
	PublishStatus(ctx context.Context, updates []Update) error
}

// Publisher coalesces and delivers updates. Enqueue is single-producer (the
// evaluation loop); Run drains on a single consumer goroutine.
type Publisher struct {
	logger *slog.Logger
	window time.Duration
	sinks  []Sink

	mu      sync.Mutex
	pending map[string]Update
	seq     uint64

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewPublisher constructs a publisher flushing at most once per window.
func NewPublisher(logger *slog.Logger, window time.Duration, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	if window <= 0 {
		window = 300 * time.Millisecond
	}
	return &Publisher{
		logger:  logging.NewComponentLogger(logger, "status"),
		window:  window,
		sinks:   sinks,
		pending: make(map[string]Update),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue stages an update. A newer update for the same id supersedes the
// staged one.
func (p *Publisher) Enqueue(update Update) {
	p.mu.Lock()
	p.seq++
	update.Seq = p.seq
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}
	p.pending[update.key()] = update
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start launches the publication loop. Stop by canceling the context; Wait
// joins it.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
}

// Wait blocks until the publication loop exits and performs a final flush.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Final drain so shutdown does not lose the last transitions.
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			p.flush(flushCtx)
			cancel()
			return
		case <-p.wake:
		}

		// Publication window: let same-id updates coalesce before flushing.
		select {
		case <-ctx.Done():
		case <-time.After(p.window):
		}

		p.flush(ctx)
	}
}

func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	batch := make([]Update, 0, len(p.pending))
	for _, update := range p.pending {
		batch = append(batch, update)
	}
	p.pending = make(map[string]Update)
	p.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })

	for _, sink := range p.sinks {
		p.publishWithRetry(ctx, sink, batch)
	}
}

func (p *Publisher) publishWithRetry(ctx context.Context, sink Sink, batch []Update) {
	backoff := 100 * time.Millisecond
	const maxAttempts = 4
	for attempt := 1; ; attempt++ {
		err := sink.PublishStatus(ctx, batch)
		if err == nil {
			return
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			// The states stay observable: newer updates for the same ids
			// supersede these on the next flush.
			p.logger.Warn("status publication failed",
				logging.Error(err),
				logging.Int("updates", len(batch)),
				logging.String(logging.FieldEventType, "status_publish_failed"),
				logging.String(logging.FieldErrorHint, "check the upstream status sink"))
			p.requeueSuperseded(batch)
			return
		}
		select {
		case <-ctx.Done():
			p.requeueSuperseded(batch)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// requeueSuperseded puts failed updates back unless something newer for the
// same id is already staged.
func (p *Publisher) requeueSuperseded(batch []Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, update := range batch {
		if staged, ok := p.pending[update.key()]; ok && staged.Seq > update.Seq {
			continue
		}
		p.pending[update.key()] = update
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// LogSink writes every published transition to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

// PublishStatus implements Sink.
func (s LogSink) PublishStatus(_ context.Context, updates []Update) error {
	logger := s.Logger
	if logger == nil {
		return nil
	}
	for _, update := range updates {
		attrs := []logging.Attr{
			logging.String(logging.FieldState, string(update.State)),
			logging.String("reason", update.Reason.User),
			logging.String(logging.FieldEventType, "status_update"),
		}
		switch {
		case update.ExpectationID != "":
			attrs = append(attrs, logging.String(logging.FieldExpectationID, string(update.ExpectationID)))
		case update.ContainerID != "":
			attrs = append(attrs, logging.String(logging.FieldContainerID, string(update.ContainerID)))
		}
		if update.IsError {
			attrs = append(attrs, logging.Bool("is_error", true))
		}
		logger.Info("status", logging.Args(attrs...)...)
	}
	return nil
}
