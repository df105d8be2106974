// Package sharding assigns logical resources to bounded-capacity slots on
// physical shards. All state lives in the metadata store; correctness under
// concurrent reservations comes from serializable transactions plus the
// uniqueness constraints on slot locations and pending reservations, so two
// racing callers can both pick the same nearly-full shard and at most one
// wins the slot while the other falls back or adopts the winner's
// reservation.
package sharding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/harborview/stowage/internal/logger"
	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/database"
)

// ShardStatus gates whether a shard accepts new reservations.
type ShardStatus string

const (
	ShardActive   ShardStatus = "active"
	ShardDraining ShardStatus = "draining"
	ShardDisabled ShardStatus = "disabled"
)

// Shard is a physical destination with bounded slot capacity for one kind.
type Shard struct {
	ID       int64
	Kind     string
	ShardKey string
	Capacity int
	Status   ShardStatus
}

// Reservation is a lease on a slot: pending until confirmed, cancelled, or
// expired.
type Reservation struct {
	ID             string
	Kind           string
	ResourceID     string
	ShardID        int64
	ShardKey       string
	SlotNo         int
	Status         string
	LeaseExpiresAt time.Time
}

// Placement locates a confirmed resource.
type Placement struct {
	ShardID  int64
	ShardKey string
	SlotNo   int
}

// Stats summarizes one shard's occupancy. Used counts both confirmed and
// pending slots, since pending slots are not allocatable.
type Stats struct {
	ShardKey string `json:"shard_key"`
	Capacity int    `json:"capacity"`
	Used     int    `json:"used"`
	Free     int    `json:"free"`
}

// DefaultLease is how long a reservation stays claimable before it expires
// unconfirmed.
const DefaultLease = 60 * time.Second

// Allocator runs the reservation protocol over a privileged connection.
type Allocator struct {
	conn *database.TenantConnection
	log  *slog.Logger
}

// New creates an allocator. The connection should be a super-user view;
// shard bookkeeping is not subject to row-level policies.
func New(conn *database.TenantConnection) *Allocator {
	return &Allocator{
		conn: conn,
		log:  logger.With(logger.KeyComponent, "sharding"),
	}
}

// ResourceID derives the stable resource key for a logical resource.
func ResourceID(tenantID, bucketName, logicalName string) string {
	return fmt.Sprintf("%s/%s/%s", tenantID, bucketName, logicalName)
}

// CreateShard registers a shard. Idempotent on (kind, shard_key); capacity
// and status of an existing shard are left untouched.
func (a *Allocator) CreateShard(ctx context.Context, kind, shardKey string, capacity int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if capacity <= 0 {
		return apierr.Newf(apierr.CodeInvalidParameter,
			"shard capacity must be positive, got %d", capacity)
	}
	return a.conn.WithTransaction(ctx, func(q *database.Tx) error {
		_, err := q.Pgx().Exec(ctx, `
			INSERT INTO shards (kind, shard_key, capacity)
			VALUES ($1, $2, $3)
			ON CONFLICT (kind, shard_key) DO NOTHING`,
			kind, shardKey, capacity,
		)
		return err
	})
}

// CreateShards registers a batch of shards with a shared capacity.
func (a *Allocator) CreateShards(ctx context.Context, kind string, shardKeys []string, capacity int) error {
	for _, key := range shardKeys {
		if err := a.CreateShard(ctx, kind, key, capacity); err != nil {
			return err
		}
	}
	return nil
}

// ReserveParams identifies the resource to place.
type ReserveParams struct {
	Kind        string
	TenantID    string
	BucketName  string
	LogicalName string
	Lease       time.Duration
}

// Reserve places the resource on a slot and returns a pending reservation.
// Calling again for the same resource while a pending reservation exists
// returns that reservation unchanged.
func (a *Allocator) Reserve(ctx context.Context, p ReserveParams) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lease := p.Lease
	if lease <= 0 {
		lease = DefaultLease
	}
	resourceID := ResourceID(p.TenantID, p.BucketName, p.LogicalName)

	for attempt := 0; ; attempt++ {
		var res *Reservation
		err := a.conn.WithSerializableTransaction(ctx, func(q *database.Tx) error {
			var err error
			res, err = a.reserveTx(ctx, q, p.Kind, p.TenantID, resourceID, lease)
			return err
		})
		if err == nil {
			return res, nil
		}
		code := apierr.CodeOf(err)
		if code != apierr.CodeConflict && code != apierr.CodeTransactionError {
			return nil, err
		}

		// A concurrent peer may have inserted the reservation between our
		// existence check and insert; the partial unique index turned that
		// into a conflict. Adopt the winner's reservation.
		if existing, rerr := a.findPending(ctx, p.Kind, resourceID); rerr == nil && existing != nil {
			return existing, nil
		}

		// The race was against a different resource: two transactions minted
		// the same slot and ours lost the unique index. Re-select against
		// the committed state, which either finds another slot or reports
		// exhausted capacity.
		if attempt >= 2 {
			return nil, err
		}
	}
}

func (a *Allocator) reserveTx(ctx context.Context, q *database.Tx, kind, tenantID, resourceID string, lease time.Duration) (*Reservation, error) {
	// Idempotency: return the live reservation if one exists.
	existing, err := findPendingTx(ctx, q, kind, resourceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	shard, err := selectShardTx(ctx, q, kind)
	if err != nil {
		return nil, err
	}

	slotNo, err := claimSlotTx(ctx, q, shard, kind, tenantID, resourceID)
	if err != nil {
		return nil, err
	}

	res := &Reservation{
		Kind:       kind,
		ResourceID: resourceID,
		ShardID:    shard.ID,
		ShardKey:   shard.ShardKey,
		SlotNo:     slotNo,
		Status:     "pending",
	}
	err = q.Pgx().QueryRow(ctx, `
		INSERT INTO shard_reservations (kind, resource_id, shard_id, slot_no, lease_expires_at)
		VALUES ($1, $2, $3, $4, now() + $5 * interval '1 millisecond')
		RETURNING id, lease_expires_at`,
		kind, resourceID, shard.ID, slotNo, lease.Milliseconds(),
	).Scan(&res.ID, &res.LeaseExpiresAt)
	if err != nil {
		return nil, err
	}

	a.log.Debug("reserved shard slot",
		logger.KeyKind, kind,
		logger.KeyResourceID, resourceID,
		logger.KeyShardKey, shard.ShardKey,
		logger.KeySlot, slotNo)
	return res, nil
}

// selectShardTx implements fill-first selection: the active shard with the
// least free capacity that still has room, ties broken by lowest shard_key.
func selectShardTx(ctx context.Context, q *database.Tx, kind string) (*Shard, error) {
	var s Shard
	err := q.Pgx().QueryRow(ctx, `
		SELECT s.id, s.kind, s.shard_key, s.capacity, s.status
		FROM shards s
		LEFT JOIN shard_slots sl
		  ON sl.shard_id = s.id
		 AND (sl.resource_id IS NOT NULL OR sl.resource_id_pending IS NOT NULL)
		WHERE s.kind = $1 AND s.status = 'active'
		GROUP BY s.id
		HAVING s.capacity - count(sl.id) > 0
		ORDER BY s.capacity - count(sl.id) ASC, s.shard_key ASC
		LIMIT 1`,
		kind,
	).Scan(&s.ID, &s.Kind, &s.ShardKey, &s.Capacity, &s.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NoActiveShard(kind)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// claimSlotTx reuses the lowest freed slot or mints the next unused one.
func claimSlotTx(ctx context.Context, q *database.Tx, shard *Shard, kind, tenantID, resourceID string) (int, error) {
	var slotNo int
	err := q.Pgx().QueryRow(ctx, `
		UPDATE shard_slots
		SET resource_id_pending = $2, tenant_id = $3, updated_at = now()
		WHERE id = (
			SELECT id FROM shard_slots
			WHERE shard_id = $1 AND resource_id IS NULL AND resource_id_pending IS NULL
			ORDER BY slot_no
			LIMIT 1
			FOR UPDATE
		)
		RETURNING slot_no`,
		shard.ID, resourceID, tenantID,
	).Scan(&slotNo)
	if err == nil {
		return slotNo, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	// No freed slot; mint the next one.
	err = q.Pgx().QueryRow(ctx, `
		SELECT COALESCE(MAX(slot_no) + 1, 0) FROM shard_slots WHERE shard_id = $1`,
		shard.ID,
	).Scan(&slotNo)
	if err != nil {
		return 0, err
	}
	if slotNo >= shard.Capacity {
		return 0, apierr.NoActiveShard(kind)
	}

	_, err = q.Pgx().Exec(ctx, `
		INSERT INTO shard_slots (shard_id, kind, slot_no, resource_id_pending, tenant_id)
		VALUES ($1, $2, $3, $4, $5)`,
		shard.ID, kind, slotNo, resourceID, tenantID,
	)
	if err != nil {
		return 0, err
	}
	return slotNo, nil
}

// Confirm turns a pending reservation into a permanent placement. key must
// be the reservation's resource id.
func (a *Allocator) Confirm(ctx context.Context, reservationID, key string) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res *Reservation
	err := a.conn.WithTransaction(ctx, func(q *database.Tx) error {
		r, err := getReservationForUpdateTx(ctx, q, reservationID)
		if err != nil {
			return err
		}
		if r.ResourceID != key {
			return apierr.Newf(apierr.CodeInvalidParameter,
				"reservation %q is for a different resource", reservationID)
		}
		if r.Status == "confirmed" {
			res = r
			return nil
		}
		if r.Status != "pending" {
			return apierr.ExpiredReservation(reservationID)
		}
		if !time.Now().Before(r.LeaseExpiresAt) {
			return apierr.ExpiredReservation(reservationID)
		}

		_, err = q.Pgx().Exec(ctx, `
			UPDATE shard_slots
			SET resource_id = resource_id_pending, resource_id_pending = NULL, updated_at = now()
			WHERE shard_id = $1 AND slot_no = $2 AND resource_id_pending = $3`,
			r.ShardID, r.SlotNo, key,
		)
		if err != nil {
			return err
		}

		_, err = q.Pgx().Exec(ctx, `
			UPDATE shard_reservations SET status = 'confirmed', updated_at = now()
			WHERE id = $1`,
			r.ID,
		)
		if err != nil {
			return err
		}
		r.Status = "confirmed"
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Cancel releases a pending reservation and makes its slot reusable.
// Idempotent: cancelling a terminal reservation is a no-op.
func (a *Allocator) Cancel(ctx context.Context, reservationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.conn.WithTransaction(ctx, func(q *database.Tx) error {
		r, err := getReservationForUpdateTx(ctx, q, reservationID)
		if err != nil {
			return err
		}
		if r.Status != "pending" {
			return nil
		}

		_, err = q.Pgx().Exec(ctx, `
			UPDATE shard_slots
			SET resource_id_pending = NULL,
			    tenant_id = CASE WHEN resource_id IS NULL THEN NULL ELSE tenant_id END,
			    updated_at = now()
			WHERE shard_id = $1 AND slot_no = $2 AND resource_id_pending = $3`,
			r.ShardID, r.SlotNo, r.ResourceID,
		)
		if err != nil {
			return err
		}

		_, err = q.Pgx().Exec(ctx, `
			UPDATE shard_reservations SET status = 'cancelled', updated_at = now()
			WHERE id = $1`,
			r.ID,
		)
		return err
	})
}

// FreeByResource releases the slot a confirmed resource occupies.
func (a *Allocator) FreeByResource(ctx context.Context, shardID int64, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.conn.WithTransaction(ctx, func(q *database.Tx) error {
		_, err := q.Pgx().Exec(ctx, `
			UPDATE shard_slots
			SET resource_id = NULL, tenant_id = NULL, updated_at = now()
			WHERE shard_id = $1 AND resource_id = $2`,
			shardID, key,
		)
		return err
	})
}

// FreeByLocation releases a slot by position regardless of occupant.
func (a *Allocator) FreeByLocation(ctx context.Context, shardID int64, slotNo int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.conn.WithTransaction(ctx, func(q *database.Tx) error {
		_, err := q.Pgx().Exec(ctx, `
			UPDATE shard_slots
			SET resource_id = NULL, resource_id_pending = NULL, tenant_id = NULL, updated_at = now()
			WHERE shard_id = $1 AND slot_no = $2`,
			shardID, slotNo,
		)
		return err
	})
}

// FindShardByResourceID locates the confirmed placement of a resource.
func (a *Allocator) FindShardByResourceID(ctx context.Context, key string) (*Placement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var p Placement
	err := a.conn.WithTransaction(ctx, func(q *database.Tx) error {
		err := q.Pgx().QueryRow(ctx, `
			SELECT s.id, s.shard_key, sl.slot_no
			FROM shard_slots sl
			JOIN shards s ON s.id = sl.shard_id
			WHERE sl.resource_id = $1`,
			key,
		).Scan(&p.ShardID, &p.ShardKey, &p.SlotNo)
		if errors.Is(err, pgx.ErrNoRows) {
			return apierr.Newf(apierr.CodeReservationNotFound,
				"resource %q has no shard placement", key)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ExpireLeases sweeps pending reservations whose lease elapsed, releasing
// their slots. Returns how many were expired.
func (a *Allocator) ExpireLeases(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int
	err := a.conn.WithTransaction(ctx, func(q *database.Tx) error {
		tag, err := q.Pgx().Exec(ctx, `
			WITH expired AS (
				UPDATE shard_reservations
				SET status = 'expired', updated_at = now()
				WHERE status = 'pending' AND lease_expires_at < now()
				RETURNING shard_id, slot_no, resource_id
			)
			UPDATE shard_slots sl
			SET resource_id_pending = NULL,
			    tenant_id = CASE WHEN sl.resource_id IS NULL THEN NULL ELSE sl.tenant_id END,
			    updated_at = now()
			FROM expired e
			WHERE sl.shard_id = e.shard_id
			  AND sl.slot_no = e.slot_no
			  AND sl.resource_id_pending = e.resource_id`,
		)
		if err != nil {
			return err
		}
		count = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		a.log.Info("expired stale reservations", logger.KeyAttempt, count)
	}
	return count, nil
}

// ShardStats reports per-shard occupancy for a kind, ordered by shard key.
func (a *Allocator) ShardStats(ctx context.Context, kind string) ([]Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var stats []Stats
	err := a.conn.WithTransaction(ctx, func(q *database.Tx) error {
		rows, err := q.Pgx().Query(ctx, `
			SELECT s.shard_key, s.capacity,
			       count(sl.id) FILTER (
			           WHERE sl.resource_id IS NOT NULL OR sl.resource_id_pending IS NOT NULL
			       ) AS used
			FROM shards s
			LEFT JOIN shard_slots sl ON sl.shard_id = s.id
			WHERE s.kind = $1
			GROUP BY s.id
			ORDER BY s.shard_key`,
			kind,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var st Stats
			if err := rows.Scan(&st.ShardKey, &st.Capacity, &st.Used); err != nil {
				return err
			}
			st.Free = st.Capacity - st.Used
			stats = append(stats, st)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// findPending re-reads a live reservation in its own transaction.
func (a *Allocator) findPending(ctx context.Context, kind, resourceID string) (*Reservation, error) {
	var res *Reservation
	err := a.conn.WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		res, err = findPendingTx(ctx, q, kind, resourceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func findPendingTx(ctx context.Context, q *database.Tx, kind, resourceID string) (*Reservation, error) {
	var r Reservation
	err := q.Pgx().QueryRow(ctx, `
		SELECT r.id, r.kind, r.resource_id, r.shard_id, s.shard_key,
		       r.slot_no, r.status, r.lease_expires_at
		FROM shard_reservations r
		JOIN shards s ON s.id = r.shard_id
		WHERE r.kind = $1 AND r.resource_id = $2 AND r.status = 'pending'`,
		kind, resourceID,
	).Scan(&r.ID, &r.Kind, &r.ResourceID, &r.ShardID, &r.ShardKey,
		&r.SlotNo, &r.Status, &r.LeaseExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func getReservationForUpdateTx(ctx context.Context, q *database.Tx, id string) (*Reservation, error) {
	var r Reservation
	err := q.Pgx().QueryRow(ctx, `
		SELECT r.id, r.kind, r.resource_id, r.shard_id, s.shard_key,
		       r.slot_no, r.status, r.lease_expires_at
		FROM shard_reservations r
		JOIN shards s ON s.id = r.shard_id
		WHERE r.id = $1
		FOR UPDATE OF r`,
		id,
	).Scan(&r.ID, &r.Kind, &r.ResourceID, &r.ShardID, &r.ShardKey,
		&r.SlotNo, &r.Status, &r.LeaseExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.ReservationNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
