package network

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultProcessingCeiling is the longest a poller waits for server-side
// processing to finish.
const DefaultProcessingCeiling = 10 * time.Minute

// PollerParams configures a Poller. Zero durations select the defaults.
type PollerParams struct {
	Client         Client
	Policy         RetryPolicy
	Reporter       ProgressReporter
	Logger         log.Logger
	Ceiling        time.Duration
	RequestTimeout time.Duration

	// Transfer totals echoed into progress events.
	TotalBytes  int64
	TotalChunks int
}

// Poller follows the server-side processing of finalized media by issuing
// STATUS commands at the cadence the server asks for.
type Poller struct {
	client         Client
	policy         RetryPolicy
	reporter       ProgressReporter
	logger         log.Logger
	ceiling        time.Duration
	requestTimeout time.Duration
	totalBytes     int64
	totalChunks    int

	clock func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewPoller creates a poller for one finalized media item.
func NewPoller(params PollerParams) *Poller {
	reporter := params.Reporter
	if reporter == nil {
		reporter = NopReporter{}
	}

	logger := params.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Poller{
		client:         params.Client,
		policy:         params.Policy,
		reporter:       reporter,
		logger:         logger,
		ceiling:        durationOrDefault(params.Ceiling, DefaultProcessingCeiling),
		requestTimeout: durationOrDefault(params.RequestTimeout, DefaultRequestTimeout),
		totalBytes:     params.TotalBytes,
		totalChunks:    params.TotalChunks,
		clock:          time.Now,
		sleep:          sleepContext,
	}
}

// Poll drives the processing state reported by FINALIZE to a terminal state.
// It returns the final processing info, or the info seen last when polling
// fails or runs out of time.
func (p *Poller) Poll(ctx context.Context, mediaID string, info *ProcessingInfo) (*ProcessingInfo, error) {
	if info == nil {
		return &ProcessingInfo{State: ProcessingNotRequired}, nil
	}

	call := caller{
		policy:  p.policy,
		timeout: p.requestTimeout,
		sleep:   p.sleep,
		logger:  p.logger,
	}

	start := p.clock()
	for {
		switch info.State {
		case ProcessingSucceeded, ProcessingNotRequired:
			p.logger.Debugf("Media %s processing finished", mediaID)
			return info, nil
		case ProcessingFailed:
			return info, NewError(KindProcessingFailed, PhaseStatus, processingFailureDetail(info))
		case ProcessingPending, ProcessingInProgress:
			// keep polling
		default:
			return info, NewError(KindUnknownServer, PhaseStatus, fmt.Sprintf("unrecognized processing state %q", info.State))
		}

		wait := info.CheckAfter()
		if elapsed := p.clock().Sub(start); elapsed+wait > p.ceiling {
			return info, NewError(KindProcessingTimeout, PhaseStatus,
				fmt.Sprintf("media %s still %s after %s", mediaID, info.State, p.ceiling))
		}

		p.logger.Debugf("Media %s is %s, next status check in %s", mediaID, info.State, wait)
		if err := p.sleep(ctx, wait); err != nil {
			return info, ContextError(PhaseStatus, err)
		}

		var status StatusResult
		err := call.do(ctx, PhaseStatus, func(callCtx context.Context) error {
			r, err := p.client.Status(callCtx, mediaID)
			if err != nil {
				return err
			}
			status = r
			return nil
		})
		if err != nil {
			return info, err
		}
		if status.ProcessingInfo == nil {
			return info, NewError(KindUnknownServer, PhaseStatus, "STATUS response carries no processing_info")
		}

		info = status.ProcessingInfo
		p.reporter.OnProgress(Event{
			Phase:             PhaseStatus,
			ChunkIndex:        -1,
			TotalChunks:       p.totalChunks,
			BytesTransferred:  p.totalBytes,
			TotalBytes:        p.totalBytes,
			ProcessingPercent: info.ProgressPercent,
		})
	}
}

func processingFailureDetail(info *ProcessingInfo) string {
	if info.Error == nil {
		return "processing failed"
	}
	if info.Error.Message != "" {
		return fmt.Sprintf("%s (%s, code %d)", info.Error.Message, info.Error.Name, info.Error.Code)
	}
	return fmt.Sprintf("%s (code %d)", info.Error.Name, info.Error.Code)
}
