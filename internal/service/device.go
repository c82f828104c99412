package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/sandbox-controller-go/internal/errors"
	"github.com/openclaw/sandbox-controller-go/internal/model"
	"github.com/openclaw/sandbox-controller-go/internal/repository"
	"github.com/openclaw/sandbox-controller-go/internal/util"
)

// DeviceRegistry owns the pending and paired device sets. Mutations of one
// request id are serialized; different ids proceed independently.
type DeviceRegistry struct {
	repo   repository.DeviceRepository
	events EventPublisher
	locks  *keyedMutex
	now    func() time.Time
}

func NewDeviceRegistry(repo repository.DeviceRepository, events EventPublisher) *DeviceRegistry {
	if events == nil {
		events = noopPublisher{}
	}
	return &DeviceRegistry{
		repo:   repo,
		events: events,
		locks:  newKeyedMutex(),
		now:    time.Now,
	}
}

// ListDevices never fails. Rows that cannot be decoded are left out and
// described in ParseError; a list that cannot be read at all is reported in
// Error while the other list is still returned.
func (r *DeviceRegistry) ListDevices(ctx context.Context) model.DeviceList {
	list := model.DeviceList{
		Pending: []model.PendingDeviceRequest{},
		Paired:  []model.PairedDevice{},
	}

	var failures, parseErrors []string

	pending, skipped, err := r.repo.ListPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list pending devices")
		failures = append(failures, "pending: "+err.Error())
	} else {
		list.Pending = pending
	}
	parseErrors = append(parseErrors, describeSkipped("pending", skipped)...)

	paired, skipped, err := r.repo.ListPaired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list paired devices")
		failures = append(failures, "paired: "+err.Error())
	} else {
		list.Paired = paired
	}
	parseErrors = append(parseErrors, describeSkipped("paired", skipped)...)

	list.Error = strings.Join(failures, "; ")
	list.ParseError = strings.Join(parseErrors, "; ")
	return list
}

func describeSkipped(kind string, skipped []repository.SkippedRow) []string {
	out := make([]string, 0, len(skipped))
	for _, s := range skipped {
		if s.Key != "" {
			out = append(out, fmt.Sprintf("%s %s: %v", kind, s.Key, s.Err))
		} else {
			out = append(out, fmt.Sprintf("%s: %v", kind, s.Err))
		}
	}
	return out
}

// Approve pairs the device behind requestID. A request that is not pending
// (already approved, rejected or expired) is a successful no-op.
func (r *DeviceRegistry) Approve(ctx context.Context, requestID string) model.ApproveResult {
	unlock := r.locks.Lock(requestID)
	defer unlock()

	dev, err := r.repo.Approve(ctx, requestID, r.now())
	if err != nil {
		log.Error().Err(err).Str("requestId", requestID).Msg("failed to approve device")
		return model.ApproveResult{Success: false, Error: err.Error()}
	}
	if dev == nil {
		log.Debug().Str("requestId", requestID).Msg("approve of request that is not pending")
		return model.ApproveResult{Success: true}
	}

	log.Info().
		Str("requestId", requestID).
		Str("deviceId", dev.DeviceID).
		Msg("device paired")

	r.events.Publish(ctx, EventDevicePaired, map[string]any{
		"requestId": requestID,
		"device":    dev,
	})
	return model.ApproveResult{Success: true}
}

// ApproveAll approves the requests pending when it is called. Requests that
// fail stay pending and are picked up again by the next call.
func (r *DeviceRegistry) ApproveAll(ctx context.Context) (model.ApproveAllResult, error) {
	result := model.ApproveAllResult{Failed: []string{}}

	pending, skipped, err := r.repo.ListPending(ctx)
	if err != nil {
		return result, apperrors.Database(err)
	}

	ids := make([]string, 0, len(pending)+len(skipped))
	for _, p := range pending {
		ids = append(ids, p.RequestID)
	}
	for _, s := range skipped {
		if s.Key != "" {
			ids = append(ids, s.Key)
		}
	}

	for _, id := range ids {
		if res := r.Approve(ctx, id); res.Success {
			result.ApprovedCount++
		} else {
			result.Failed = append(result.Failed, id)
		}
	}

	log.Info().
		Int("approved", result.ApprovedCount).
		Int("failed", len(result.Failed)).
		Msg("approve all completed")

	return result, nil
}

// RequestPairing records a connection attempt from an unknown device. A
// device that already has a pending request keeps it.
func (r *DeviceRegistry) RequestPairing(ctx context.Context, params model.CreatePendingRequestParams) (*model.PendingDeviceRequest, error) {
	if params.RequestID == "" {
		params.RequestID = uuid.NewString()
	} else if !util.IsValidRequestID(params.RequestID) {
		return nil, apperrors.InvalidInput("requestId", "unsupported characters")
	}
	if params.Ts == 0 {
		params.Ts = r.now().UnixMilli()
	}

	if params.DeviceID != "" {
		unlock := r.locks.Lock("device:" + params.DeviceID)
		defer unlock()

		existing, err := r.repo.FindPendingByDeviceID(ctx, params.DeviceID)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	req, err := r.repo.CreatePending(ctx, params)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("requestId", req.RequestID).
		Str("deviceId", req.DeviceID).
		Str("platform", req.Platform).
		Msg("device pairing requested")

	r.events.Publish(ctx, EventDevicePending, req)
	return req, nil
}

// Reject drops a pending request. Rejecting an unknown request succeeds.
func (r *DeviceRegistry) Reject(ctx context.Context, requestID string) error {
	unlock := r.locks.Lock(requestID)
	defer unlock()

	removed, err := r.repo.DeletePending(ctx, requestID)
	if err != nil {
		return apperrors.Database(err)
	}
	if removed {
		log.Info().Str("requestId", requestID).Msg("device request rejected")
		r.events.Publish(ctx, EventDeviceRejected, map[string]any{"requestId": requestID})
	}
	return nil
}

// PruneExpired drops pending requests older than ttl.
func (r *DeviceRegistry) PruneExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	return r.repo.DeletePendingBefore(ctx, r.now().Add(-ttl))
}
