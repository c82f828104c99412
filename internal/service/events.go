package service

import "context"

const (
	EventDevicePending  = "device.pending"
	EventDevicePaired   = "device.paired"
	EventDeviceRejected = "device.rejected"
	EventGatewayStarted = "gateway.started"
	EventStorageSynced  = "storage.synced"
	EventStorageMounted = "storage.mounted"
)

// EventPublisher fans state changes out to connected admin clients.
// Publishing is best effort and never fails the operation that triggered it.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data any)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, any) {}
