// Package dispatch delivers recorded alert occurrences through configured
// channels with per-channel retry and attempt bookkeeping.
package dispatch

import (
	"context"
	"errors"
	"net"

	"fleetmon/internal/domain"
)

// SendResult returns channel-specific metadata after one delivery attempt.
// Params: transport response fields.
// Returns: response code when the transport speaks HTTP.
type SendResult struct {
	ResponseCode int
}

// ChannelSender sends one occurrence to one configured channel.
// Errors wrapped by the permanent package must not be retried.
// Params: context, channel definition, and occurrence payload.
// Returns: send metadata and transport error when delivery fails.
type ChannelSender interface {
	Type() domain.ChannelType
	Send(ctx context.Context, channel domain.AlertChannel, occ domain.AlertOccurrence) (SendResult, error)
}

// classifyOutcome maps one attempt error onto the recorded outcome.
// Params: attempt error, possibly nil.
// Returns: success/timeout/failure classification.
func classifyOutcome(err error) domain.AttemptOutcome {
	if err == nil {
		return domain.OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.OutcomeTimeout
	}
	return domain.OutcomeFailure
}
