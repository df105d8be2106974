// Package events emits object lifecycle events. Emission commits a queue row
// in the same transaction as the metadata change it describes, so consumers
// never observe an event without its state or state without its event. A
// dispatcher worker delivers queued events over HTTP with at-least-once
// semantics and a dead-letter terminal state.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/database"
)

// Name identifies a lifecycle event type.
type Name string

const (
	ObjectCreatedPost Name = "ObjectCreated:Post"
	ObjectCreatedPut  Name = "ObjectCreated:Put"
	ObjectCreatedCopy Name = "ObjectCreated:Copy"
	ObjectCreatedMove Name = "ObjectCreated:Move"

	ObjectRemovedDelete Name = "ObjectRemoved:Delete"
	ObjectRemovedMove   Name = "ObjectRemoved:Move"
)

// Version is the event schema version stamped on every emitted row.
const Version = "1.0"

// ObjectRef addresses the pre-move object in a move event's payload.
type ObjectRef struct {
	BucketID string `json:"bucketId"`
	Name     string `json:"name"`
}

// Payload describes the object the event concerns. For cross-bucket moves
// and copies BucketID is the destination.
type Payload struct {
	BucketID  string                   `json:"bucketId"`
	Name      string                   `json:"name"`
	Metadata  *database.ObjectMetadata `json:"metadata,omitempty"`
	Tenant    string                   `json:"tenant"`
	ReqID     string                   `json:"reqId,omitempty"`
	OldObject *ObjectRef               `json:"oldObject,omitempty"`
}

// Event is one lifecycle notification as delivered to webhook consumers.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Version   string    `json:"version"`
	Type      Name      `json:"type"`
	ApplyTime time.Time `json:"applyTime"`
	Payload   Payload   `json:"payload"`
	Tenant    string    `json:"tenant"`
}

// Emit enqueues an event inside the caller's transaction. The row becomes
// visible to the dispatcher only when the surrounding metadata change
// commits.
func Emit(ctx context.Context, q *database.Tx, name Name, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return apierr.Internal(err)
	}

	_, err = q.Pgx().Exec(ctx, `
		INSERT INTO storage_events (event_version, event_type, tenant_id, payload)
		VALUES ($1, $2, $3, $4)`,
		Version, string(name), payload.Tenant, raw,
	)
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}
