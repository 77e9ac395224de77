package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/openfeed-io/go-mediakit/upload/network/chunker"
)

const (
	// DefaultSessionExpiry is assumed when INIT carries no expiry hint.
	DefaultSessionExpiry = 60 * time.Minute

	// DefaultRequestTimeout bounds a single protocol call.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultChunkTimeout bounds one chunk including all its retries.
	DefaultChunkTimeout = 2 * time.Minute

	// DefaultSessionTimeout bounds the whole session.
	DefaultSessionTimeout = 15 * time.Minute

	// DefaultChunkSpacing is the minimum gap between a chunk completing and
	// the next chunk request going out.
	DefaultChunkSpacing = 100 * time.Millisecond

	// MaxConcurrency caps parallel chunk transfers.
	MaxConcurrency = 4
)

// State is the lifecycle state of an upload session.
type State string

const (
	StateIdle        State = "idle"
	StateInitialized State = "initialized"
	StateAppending   State = "appending"
	StateFinalizing  State = "finalizing"
	StateProcessing  State = "processing"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

type chunkStatus string

const (
	chunkPending  chunkStatus = "pending"
	chunkInflight chunkStatus = "inflight"
	chunkAcked    chunkStatus = "acked"
	chunkFailed   chunkStatus = "failed"
)

type chunkState struct {
	chunker.Chunk

	status   chunkStatus
	attempts int
}

type chunkOutcome struct {
	index int
	err   error
}

// SessionParams configures a Session. Client and Payload are required, zero
// values elsewhere select the defaults. A negative ChunkSpacing disables
// pacing.
type SessionParams struct {
	Client        Client
	Payload       []byte
	ContentType   string
	MediaCategory string

	Policy      RetryPolicy
	Reporter    ProgressReporter
	Logger      log.Logger
	Concurrency int

	ChunkSpacing      time.Duration
	RequestTimeout    time.Duration
	ChunkTimeout      time.Duration
	SessionTimeout    time.Duration
	ProcessingCeiling time.Duration
}

// Result is what a finished session hands back. Processing is nil when the
// media needed no server-side processing.
type Result struct {
	MediaID    string
	Size       int64
	Width      int
	Height     int
	Processing *ProcessingInfo
}

// Session drives one media payload through the INIT, APPEND, FINALIZE and
// STATUS commands. A session runs exactly once.
type Session struct {
	client        Client
	payload       []byte
	totalBytes    int64
	contentType   string
	mediaCategory string

	plan        []chunkState
	policy      RetryPolicy
	reporter    ProgressReporter
	logger      log.Logger
	concurrency int

	spacing           time.Duration
	requestTimeout    time.Duration
	chunkTimeout      time.Duration
	sessionTimeout    time.Duration
	processingCeiling time.Duration

	clock func() time.Time
	sleep func(context.Context, time.Duration) error

	mu         sync.Mutex
	state      State
	media      string
	bytesAcked int64
	createdAt  time.Time
	expiresAt  time.Time
	lastDone   time.Time
	lastErr    error
	started    bool
}

// NewSession plans the chunk layout for the payload and prepares a session.
// It does not touch the network.
func NewSession(params SessionParams) (*Session, error) {
	if len(params.Payload) == 0 {
		return nil, NewError(KindValidation, PhaseValidate, "payload is empty")
	}

	totalBytes := int64(len(params.Payload))
	plan := chunker.Plan(totalBytes, chunker.ChunkSize(totalBytes))

	chunks := make([]chunkState, len(plan))
	for i, c := range plan {
		chunks[i] = chunkState{Chunk: c, status: chunkPending}
	}

	policy := params.Policy
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}

	reporter := params.Reporter
	if reporter == nil {
		reporter = NopReporter{}
	}

	logger := params.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	concurrency := params.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}

	spacing := params.ChunkSpacing
	if spacing == 0 {
		spacing = DefaultChunkSpacing
	}
	if spacing < 0 {
		spacing = 0
	}

	return &Session{
		client:            params.Client,
		payload:           params.Payload,
		totalBytes:        totalBytes,
		contentType:       params.ContentType,
		mediaCategory:     params.MediaCategory,
		plan:              chunks,
		policy:            policy,
		reporter:          reporter,
		logger:            logger,
		concurrency:       concurrency,
		spacing:           spacing,
		requestTimeout:    durationOrDefault(params.RequestTimeout, DefaultRequestTimeout),
		chunkTimeout:      durationOrDefault(params.ChunkTimeout, DefaultChunkTimeout),
		sessionTimeout:    durationOrDefault(params.SessionTimeout, DefaultSessionTimeout),
		processingCeiling: durationOrDefault(params.ProcessingCeiling, DefaultProcessingCeiling),
		clock:             time.Now,
		sleep:             sleepContext,
		state:             StateIdle,
	}, nil
}

// Run executes the session to completion. It can only be called once.
func (s *Session) Run(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("upload session already ran")
	}
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.sessionTimeout)
	defer cancel()

	result, err := s.run(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.lastErr = err
		s.mu.Unlock()
		return Result{}, err
	}

	s.setState(StateSucceeded)
	return result, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MediaID returns the server-assigned media id, empty before INIT succeeds.
func (s *Session) MediaID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// BytesAcked returns how many payload bytes the server has acknowledged.
func (s *Session) BytesAcked() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesAcked
}

// LastError returns the error that failed the session, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) run(ctx context.Context) (Result, error) {
	call := s.caller()

	var initResult InitResult
	err := call.do(ctx, PhaseInit, func(callCtx context.Context) error {
		r, err := s.client.Init(callCtx, s.totalBytes, s.contentType, s.mediaCategory)
		if err != nil {
			return err
		}
		initResult = r
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	expiry := DefaultSessionExpiry
	if initResult.ExpiresAfterSecs > 0 {
		expiry = time.Duration(initResult.ExpiresAfterSecs) * time.Second
	}

	now := s.clock()
	s.mu.Lock()
	s.media = initResult.MediaID
	s.createdAt = now
	s.expiresAt = now.Add(expiry)
	s.state = StateInitialized
	s.mu.Unlock()

	s.logger.Debugf("Session %s open, uploading %s in %d chunk(s)",
		initResult.MediaID, units.HumanSizeWithPrecision(float64(s.totalBytes), 3), len(s.plan))
	s.emit(Event{
		Phase:             PhaseInit,
		ChunkIndex:        -1,
		TotalChunks:       len(s.plan),
		TotalBytes:        s.totalBytes,
		ProcessingPercent: -1,
	})

	s.setState(StateAppending)
	if err := s.transferChunks(ctx); err != nil {
		return Result{}, err
	}

	s.setState(StateFinalizing)
	var finalizeResult FinalizeResult
	err = call.do(ctx, PhaseFinalize, func(callCtx context.Context) error {
		r, err := s.client.Finalize(callCtx, s.media)
		if err != nil {
			return err
		}
		finalizeResult = r
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.emit(Event{
		Phase:             PhaseFinalize,
		ChunkIndex:        -1,
		TotalChunks:       len(s.plan),
		BytesTransferred:  s.BytesAcked(),
		TotalBytes:        s.totalBytes,
		ProcessingPercent: -1,
	})

	result := Result{MediaID: s.media, Size: finalizeResult.Size}
	if result.Size == 0 {
		result.Size = s.totalBytes
	}
	if finalizeResult.Image != nil {
		result.Width = finalizeResult.Image.Width
		result.Height = finalizeResult.Image.Height
	}

	if finalizeResult.ProcessingInfo == nil {
		return result, nil
	}

	s.setState(StateProcessing)
	poller := NewPoller(PollerParams{
		Client:         s.client,
		Policy:         s.policy,
		Reporter:       ReporterFunc(s.emit),
		Logger:         s.logger,
		Ceiling:        s.processingCeiling,
		RequestTimeout: s.requestTimeout,
		TotalBytes:     s.totalBytes,
		TotalChunks:    len(s.plan),
	})
	poller.clock = s.clock
	poller.sleep = s.sleep

	finalInfo, err := poller.Poll(ctx, s.media, finalizeResult.ProcessingInfo)
	if err != nil {
		return Result{}, err
	}

	result.Processing = finalInfo
	return result, nil
}

// transferChunks feeds the chunk plan to a small worker pool and collects the
// outcomes. Workers pick chunks up in plan order, the first failure aborts
// the rest.
func (s *Session) transferChunks(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	jobs := make(chan int)
	results := make(chan chunkOutcome, len(s.plan))

	for w := 0; w < s.concurrency; w++ {
		go func() {
			for idx := range jobs {
				results <- s.transferChunk(workerCtx, idx)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range s.plan {
			select {
			case jobs <- i:
			case <-workerCtx.Done():
				return
			}
		}
	}()

	for completed := 0; completed < len(s.plan); completed++ {
		select {
		case <-ctx.Done():
			return ContextError(PhaseAppend, ctx.Err())
		case outcome := <-results:
			if outcome.err != nil {
				return outcome.err
			}
		}
	}

	return nil
}

func (s *Session) transferChunk(ctx context.Context, idx int) chunkOutcome {
	chunkCtx, cancel := context.WithTimeout(ctx, s.chunkTimeout)
	defer cancel()

	c := s.plan[idx].Chunk
	data := s.payload[c.Offset : c.Offset+c.Length]

	if err := s.waitTurn(chunkCtx); err != nil {
		s.setChunkStatus(idx, chunkFailed)
		return chunkOutcome{index: idx, err: s.chunkAbortError(ctx, chunkCtx, c.Index)}
	}

	for attempt := 0; ; attempt++ {
		if chunkCtx.Err() != nil {
			s.setChunkStatus(idx, chunkFailed)
			return chunkOutcome{index: idx, err: s.chunkAbortError(ctx, chunkCtx, c.Index)}
		}

		if err := s.checkExpiry(); err != nil {
			s.setChunkStatus(idx, chunkFailed)
			return chunkOutcome{index: idx, err: err}
		}

		s.startAttempt(idx)

		callCtx, cancelCall := context.WithTimeout(chunkCtx, s.requestTimeout)
		err := s.client.Append(callCtx, s.media, c.Index, data)
		cancelCall()

		if err == nil {
			acked := s.ackChunk(idx)
			s.logger.Debugf("Chunk %d/%d uploaded (%s acknowledged)",
				c.Index+1, len(s.plan), units.HumanSizeWithPrecision(float64(acked), 3))
			s.emit(Event{
				Phase:             PhaseAppend,
				ChunkIndex:        c.Index,
				TotalChunks:       len(s.plan),
				BytesTransferred:  acked,
				TotalBytes:        s.totalBytes,
				ProcessingPercent: -1,
			})
			return chunkOutcome{index: idx}
		}

		if chunkCtx.Err() != nil {
			s.setChunkStatus(idx, chunkFailed)
			return chunkOutcome{index: idx, err: s.chunkAbortError(ctx, chunkCtx, c.Index)}
		}

		decision := s.policy.ShouldRetry(attempt, KindOf(err))
		if !decision.Retry {
			s.setChunkStatus(idx, chunkFailed)
			return chunkOutcome{index: idx, err: fmt.Errorf("chunk %d failed after %d attempt(s): %w", c.Index+1, attempt+1, err)}
		}

		s.setChunkStatus(idx, chunkPending)
		s.logger.Warnf("Chunk %d attempt %d failed: %s", c.Index+1, attempt+1, err)

		if sleepErr := s.sleep(chunkCtx, decision.Delay); sleepErr != nil {
			s.setChunkStatus(idx, chunkFailed)
			return chunkOutcome{index: idx, err: s.chunkAbortError(ctx, chunkCtx, c.Index)}
		}
	}
}

// waitTurn enforces the minimum gap after the previous chunk completion.
func (s *Session) waitTurn(ctx context.Context) error {
	if s.spacing <= 0 {
		return nil
	}

	s.mu.Lock()
	last := s.lastDone
	s.mu.Unlock()

	if last.IsZero() {
		return nil
	}

	wait := s.spacing - s.clock().Sub(last)
	if wait <= 0 {
		return nil
	}

	return s.sleep(ctx, wait)
}

func (s *Session) checkExpiry() error {
	s.mu.Lock()
	expiresAt := s.expiresAt
	s.mu.Unlock()

	if expiresAt.IsZero() {
		return nil
	}
	if now := s.clock(); !now.Before(expiresAt) {
		return NewError(KindSessionExpired, PhaseAppend, fmt.Sprintf("session expired at %s", expiresAt.Format(time.RFC3339)))
	}

	return nil
}

func (s *Session) chunkAbortError(parent, chunkCtx context.Context, chunkIndex int) error {
	if parent.Err() != nil {
		return ContextError(PhaseAppend, parent.Err())
	}
	return WrapError(KindTransientTransport, PhaseAppend,
		fmt.Sprintf("chunk %d timed out, budget includes retries", chunkIndex+1), chunkCtx.Err())
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) setChunkStatus(idx int, status chunkStatus) {
	s.mu.Lock()
	s.plan[idx].status = status
	s.mu.Unlock()
}

func (s *Session) startAttempt(idx int) {
	s.mu.Lock()
	s.plan[idx].status = chunkInflight
	s.plan[idx].attempts++
	s.mu.Unlock()
}

func (s *Session) ackChunk(idx int) int64 {
	now := s.clock()

	s.mu.Lock()
	s.plan[idx].status = chunkAcked
	s.bytesAcked += s.plan[idx].Length
	s.lastDone = now
	acked := s.bytesAcked
	s.mu.Unlock()

	return acked
}

// emit forwards a progress event unless the session already reached a
// terminal state.
func (s *Session) emit(event Event) {
	s.mu.Lock()
	terminal := s.state == StateSucceeded || s.state == StateFailed
	s.mu.Unlock()

	if terminal {
		return
	}
	s.reporter.OnProgress(event)
}

func (s *Session) caller() caller {
	return caller{
		policy:  s.policy,
		timeout: s.requestTimeout,
		sleep:   s.sleep,
		logger:  s.logger,
	}
}

func durationOrDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
