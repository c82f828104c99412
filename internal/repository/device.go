package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/sandbox-controller-go/internal/database"
	"github.com/openclaw/sandbox-controller-go/internal/model"
)

// SkippedRow is a stored row that could not be decoded.
type SkippedRow struct {
	Key string
	Err error
}

type DeviceRepository interface {
	// ListPending returns decodable pending requests oldest first, plus the
	// keys of rows that were skipped.
	ListPending(ctx context.Context) ([]model.PendingDeviceRequest, []SkippedRow, error)
	ListPaired(ctx context.Context) ([]model.PairedDevice, []SkippedRow, error)
	FindPendingByDeviceID(ctx context.Context, deviceID string) (*model.PendingDeviceRequest, error)
	CreatePending(ctx context.Context, params model.CreatePendingRequestParams) (*model.PendingDeviceRequest, error)
	// Approve moves a pending request to the paired table in one transaction.
	// It returns nil without error when the request is no longer pending.
	Approve(ctx context.Context, requestID string, approvedAt time.Time) (*model.PairedDevice, error)
	DeletePending(ctx context.Context, requestID string) (bool, error)
	DeletePendingBefore(ctx context.Context, before time.Time) (int64, error)
}

type pendingRow struct {
	RequestID     string         `db:"request_id"`
	DeviceID      sql.NullString `db:"device_id"`
	Details       []byte         `db:"details"`
	RequestedAtMs int64          `db:"requested_at_ms"`
}

func (r pendingRow) toModel() (model.PendingDeviceRequest, error) {
	req := model.PendingDeviceRequest{
		RequestID: r.RequestID,
		DeviceID:  r.DeviceID.String,
		Ts:        r.RequestedAtMs,
	}
	if err := decodeDetails(r.Details, &req.DeviceDetails); err != nil {
		return req, err
	}
	return req, nil
}

type pairedRow struct {
	DeviceID     string `db:"device_id"`
	RequestID    string `db:"request_id"`
	Details      []byte `db:"details"`
	ApprovedAtMs int64  `db:"approved_at_ms"`
}

func (r pairedRow) toModel() (model.PairedDevice, error) {
	dev := model.PairedDevice{
		DeviceID:     r.DeviceID,
		ApprovedAtMs: r.ApprovedAtMs,
	}
	if err := decodeDetails(r.Details, &dev.DeviceDetails); err != nil {
		return dev, err
	}
	return dev, nil
}

func decodeDetails(raw []byte, dst *model.DeviceDetails) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode details: %w", err)
	}
	return nil
}

type deviceRepo struct {
	db *database.DB
}

func NewDeviceRepository(db *database.DB) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) ListPending(ctx context.Context) ([]model.PendingDeviceRequest, []SkippedRow, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT request_id, device_id, details, requested_at_ms
		FROM pending_device_requests
		ORDER BY requested_at_ms ASC, request_id ASC
	`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	pending := []model.PendingDeviceRequest{}
	var skipped []SkippedRow
	for rows.Next() {
		var row pendingRow
		if err := rows.StructScan(&row); err != nil {
			skipped = append(skipped, SkippedRow{Err: err})
			continue
		}
		req, err := row.toModel()
		if err != nil {
			skipped = append(skipped, SkippedRow{Key: row.RequestID, Err: err})
			continue
		}
		pending = append(pending, req)
	}
	return pending, skipped, rows.Err()
}

func (r *deviceRepo) ListPaired(ctx context.Context) ([]model.PairedDevice, []SkippedRow, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT device_id, request_id, details, approved_at_ms
		FROM paired_devices
		ORDER BY approved_at_ms DESC, device_id ASC
	`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	paired := []model.PairedDevice{}
	var skipped []SkippedRow
	for rows.Next() {
		var row pairedRow
		if err := rows.StructScan(&row); err != nil {
			skipped = append(skipped, SkippedRow{Err: err})
			continue
		}
		dev, err := row.toModel()
		if err != nil {
			skipped = append(skipped, SkippedRow{Key: row.DeviceID, Err: err})
			continue
		}
		paired = append(paired, dev)
	}
	return paired, skipped, rows.Err()
}

func (r *deviceRepo) FindPendingByDeviceID(ctx context.Context, deviceID string) (*model.PendingDeviceRequest, error) {
	var row pendingRow
	err := r.db.GetContext(ctx, &row, `
		SELECT request_id, device_id, details, requested_at_ms
		FROM pending_device_requests
		WHERE device_id = $1
		ORDER BY requested_at_ms DESC
		LIMIT 1
	`, deviceID)
	found, err := HandleNotFound(&row, err)
	if found == nil || err != nil {
		return nil, err
	}

	req, err := found.toModel()
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *deviceRepo) CreatePending(ctx context.Context, params model.CreatePendingRequestParams) (*model.PendingDeviceRequest, error) {
	details, err := json.Marshal(params.Details)
	if err != nil {
		return nil, err
	}

	var row pendingRow
	err = r.db.GetContext(ctx, &row, `
		INSERT INTO pending_device_requests (request_id, device_id, details, requested_at_ms)
		VALUES ($1, NULLIF($2, ''), $3, $4)
		ON CONFLICT (request_id) DO UPDATE SET details = EXCLUDED.details
		RETURNING request_id, device_id, details, requested_at_ms
	`, params.RequestID, params.DeviceID, details, params.Ts)
	if err != nil {
		return nil, err
	}

	req, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *deviceRepo) Approve(ctx context.Context, requestID string, approvedAt time.Time) (*model.PairedDevice, error) {
	var paired *model.PairedDevice

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var row pendingRow
		err := tx.GetContext(ctx, &row, `
			DELETE FROM pending_device_requests
			WHERE request_id = $1
			RETURNING request_id, device_id, details, requested_at_ms
		`, requestID)
		found, err := HandleNotFound(&row, err)
		if found == nil || err != nil {
			return err
		}

		req, err := found.toModel()
		if err != nil {
			return err
		}

		dev, err := insertPaired(ctx, tx, req, approvedAt)
		if err != nil {
			return err
		}
		paired = dev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paired, nil
}

func insertPaired(ctx context.Context, db database.DBTX, req model.PendingDeviceRequest, approvedAt time.Time) (*model.PairedDevice, error) {
	details, err := json.Marshal(req.DeviceDetails)
	if err != nil {
		return nil, err
	}

	var row pairedRow
	err = db.GetContext(ctx, &row, `
		INSERT INTO paired_devices (device_id, request_id, details, approved_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET
			request_id = EXCLUDED.request_id,
			details = EXCLUDED.details,
			approved_at_ms = EXCLUDED.approved_at_ms
		RETURNING device_id, request_id, details, approved_at_ms
	`, req.PairingIdentity(), req.RequestID, details, approvedAt.UnixMilli())
	if err != nil {
		return nil, err
	}

	dev, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (r *deviceRepo) DeletePending(ctx context.Context, requestID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_device_requests WHERE request_id = $1
	`, requestID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *deviceRepo) DeletePendingBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_device_requests WHERE requested_at_ms < $1
	`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
