package step

import (
	"context"
	"errors"
	"time"

	"github.com/flowgate/flowgate/internal/clock"
	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/runtime/process"
	"github.com/flowgate/flowgate/service/dao"
	"go.uber.org/zap"
)

// ExpireOverdue closes every open request whose deadline has passed by
// applying the owning chain's timeout action as a synthetic response:
// "approve" records an approval, "reject" (the default) a rejection and
// "escalate" marks the request escalated so the escalation scheduler takes
// over the step.  It returns the number of requests closed.  Failures on one
// request never abort the pass for the others.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	open, err := s.requests.List(ctx, dao.NewParameter("status", string(process.RequestPending)))
	if err != nil {
		return 0, err
	}

	now := clock.Now()
	closed := 0
	for _, request := range open {
		if request.ExpiresAt == nil || now.Before(*request.ExpiresAt) {
			continue
		}
		if err := s.expire(ctx, request); err != nil {
			s.logger.Warn("request expiry failed",
				zap.String("requestID", request.ID),
				zap.String("stepID", request.StepID),
				zap.Error(err))
			continue
		}
		closed++
	}
	return closed, nil
}

func (s *Service) expire(ctx context.Context, request *process.Request) error {
	st, err := s.steps.Load(ctx, request.StepID)
	if err != nil {
		return err
	}
	if request.Attempt != st.RetryCount {
		return nil
	}

	action := model.TimeoutReject
	if inst, err := s.instances.Load(ctx, st.InstanceID); err == nil {
		if _, cfg, err := s.nodeOf(ctx, inst, st); err == nil && cfg.TimeoutAction != "" {
			action = cfg.TimeoutAction
		}
	}

	switch action {
	case model.TimeoutEscalate:
		expected := request.Version
		request.MarkEscalated()
		if err := s.requests.SaveWithVersion(ctx, request, expected); err != nil {
			if errors.Is(err, dao.ErrVersionConflict) {
				return nil
			}
			return err
		}
		return nil
	case model.TimeoutApprove:
		err = s.decide(ctx, request.StepID, request.Approver, process.RequestApproved, nil, "request expired")
	default:
		err = s.decide(ctx, request.StepID, request.Approver, process.RequestRejected, nil, "request expired")
	}
	// The request closing underneath the pass is the desired end state.
	if errors.Is(err, ErrRequestAlreadyClosed) || errors.Is(err, ErrDuplicateResponse) {
		return nil
	}
	return err
}

// AutoExpire starts a goroutine that periodically runs ExpireOverdue.  It
// returns stop; call it (or cancel ctx) to exit.
func AutoExpire(ctx context.Context, svc *Service, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if _, err := svc.ExpireOverdue(ctx); err != nil {
					svc.logger.Warn("request expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}
