package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"calpull/internal/model"
	"calpull/internal/recur"
)

// EventStore maps (calendar, event id) to the latest known record.
//
// Merges are last-writer-wins by sequence: a write whose sequence is not
// strictly greater than the stored one is discarded, which makes reapplying
// a page a no-op.
type EventStore struct {
	s *Store
}

const eventColumns = `calendar_id, event_id, title,
	start_at, start_tz, start_all_day,
	end_at, end_tz, end_all_day,
	rrule, exdates, last_end_at,
	sequence, status, recurring_event_id, original_start_at, updated_at`

const upsertSQL = `
	INSERT INTO events (` + eventColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(calendar_id, event_id) DO UPDATE SET
		title = excluded.title,
		start_at = excluded.start_at,
		start_tz = excluded.start_tz,
		start_all_day = excluded.start_all_day,
		end_at = excluded.end_at,
		end_tz = excluded.end_tz,
		end_all_day = excluded.end_all_day,
		rrule = excluded.rrule,
		exdates = excluded.exdates,
		last_end_at = excluded.last_end_at,
		sequence = excluded.sequence,
		status = excluded.status,
		recurring_event_id = excluded.recurring_event_id,
		original_start_at = excluded.original_start_at,
		updated_at = excluded.updated_at,
		swept = 0
	WHERE excluded.sequence > events.sequence
		OR (events.swept = 1 AND excluded.sequence = events.sequence)
`

const tombstoneSQL = `
	INSERT INTO events (calendar_id, event_id, sequence, status, updated_at)
	VALUES (?, ?, ?, 'cancelled', ?)
	ON CONFLICT(calendar_id, event_id) DO UPDATE SET
		status = 'cancelled',
		sequence = excluded.sequence,
		updated_at = excluded.updated_at,
		swept = 0
	WHERE excluded.sequence > events.sequence
		OR (events.swept = 1 AND excluded.sequence = events.sequence)
`

// Upsert stores rec unless a record with an equal or higher sequence is
// already present. A sweep tombstone with an equal sequence does not block
// it. applied reports whether the write took effect.
func (e *EventStore) Upsert(ctx context.Context, rec model.EventRecord) (bool, error) {
	return upsert(ctx, e.s.db, rec, e.s.now())
}

// Tombstone marks an event cancelled, inserting a bare tombstone when the id
// is unknown. The same sequence rule as Upsert applies.
func (e *EventStore) Tombstone(ctx context.Context, cal model.CalendarID, eventID string, seq int64) (bool, error) {
	return tombstone(ctx, e.s.db, cal, eventID, seq, e.s.now())
}

// Event returns a single stored record.
func (e *EventStore) Event(ctx context.Context, cal model.CalendarID, eventID string) (model.EventRecord, bool, error) {
	rows, err := e.s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE calendar_id = ? AND event_id = ?`,
		string(cal), eventID)
	if err != nil {
		return model.EventRecord{}, false, fmt.Errorf("get event %s/%s: %w", cal, eventID, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return model.EventRecord{}, false, fmt.Errorf("get event %s/%s: %w", cal, eventID, err)
	}
	if len(recs) == 0 {
		return model.EventRecord{}, false, nil
	}
	return recs[0], true, nil
}

// QueryWindow returns the records of cal that can contribute to [start, end):
// records whose span intersects it, recurring parents that may recur inside
// it, and every exception of those parents. Cancelled records are included.
// Results are ordered by event id.
func (e *EventStore) QueryWindow(ctx context.Context, cal model.CalendarID, start, end time.Time) ([]model.EventRecord, error) {
	const parents = `rrule != '' AND start_at < :end AND (last_end_at IS NULL OR last_end_at >= :start)`
	rows, err := e.s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE calendar_id = :cal AND (
			(rrule = '' AND start_at < :end AND (
				end_at > :start OR
				((end_at IS NULL OR end_at <= start_at) AND start_at >= :start)))
			OR (`+parents+`)
			OR recurring_event_id IN (
				SELECT event_id FROM events WHERE calendar_id = :cal AND `+parents+`)
		)
		ORDER BY event_id
	`,
		sql.Named("cal", string(cal)),
		sql.Named("start", start.UnixMicro()),
		sql.Named("end", end.UnixMicro()),
	)
	if err != nil {
		return nil, fmt.Errorf("query window %s: %w", cal, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("query window %s: %w", cal, err)
	}
	return recs, nil
}

// PurgeOlderThan physically removes records that can no longer affect any
// window starting at or after t: tombstones last written before t,
// non-recurring records that ended before t, and recurring parents whose
// final occurrence ended before t, together with their exceptions.
//
// Cancelled exceptions whose original slot is at or after t are kept; they
// still suppress an occurrence.
func (e *EventStore) PurgeOlderThan(ctx context.Context, t time.Time) (int64, error) {
	at := sql.Named("t", t.UnixMicro())
	var purged int64

	err := e.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM events WHERE recurring_event_id != '' AND EXISTS (
				SELECT 1 FROM events p
				WHERE p.calendar_id = events.calendar_id
				  AND p.event_id = events.recurring_event_id
				  AND p.rrule != ''
				  AND ((p.status = 'cancelled' AND p.updated_at < :t)
				    OR (p.last_end_at IS NOT NULL AND p.last_end_at < :t)))
		`, at)
		if err != nil {
			return fmt.Errorf("purge exceptions: %w", err)
		}
		n, _ := res.RowsAffected()
		purged += n

		res, err = tx.ExecContext(ctx, `
			DELETE FROM events WHERE
				(status = 'cancelled' AND updated_at < :t
					AND (original_start_at IS NULL OR original_start_at < :t))
				OR (status != 'cancelled' AND rrule = '' AND COALESCE(end_at, start_at) < :t
					AND (original_start_at IS NULL OR original_start_at < :t))
				OR (status != 'cancelled' AND rrule != ''
					AND last_end_at IS NOT NULL AND last_end_at < :t)
		`, at)
		if err != nil {
			return fmt.Errorf("purge events: %w", err)
		}
		n, _ = res.RowsAffected()
		purged += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// ApplyBatch runs fn inside one transaction. Either every write fn made is
// committed, or none is.
func (e *EventStore) ApplyBatch(ctx context.Context, cal model.CalendarID, fn func(*Batch) error) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&Batch{tx: tx, cal: cal, now: e.s.now()})
	})
}

func (e *EventStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := e.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Batch is the write side of one ApplyBatch transaction for one calendar.
type Batch struct {
	tx  *sql.Tx
	cal model.CalendarID
	now time.Time
}

// Upsert is EventStore.Upsert inside the batch. Records with an empty
// calendar id are assigned the batch's calendar.
func (b *Batch) Upsert(ctx context.Context, rec model.EventRecord) (bool, error) {
	if rec.CalendarID == "" {
		rec.CalendarID = b.cal
	}
	if rec.CalendarID != b.cal {
		return false, fmt.Errorf("upsert %s: record belongs to calendar %s, batch to %s", rec.EventID, rec.CalendarID, b.cal)
	}
	return upsert(ctx, b.tx, rec, b.now)
}

// Tombstone is EventStore.Tombstone inside the batch.
func (b *Batch) Tombstone(ctx context.Context, eventID string, seq int64) (bool, error) {
	return tombstone(ctx, b.tx, b.cal, eventID, seq, b.now)
}

// SweepUnseen cancels every live record of the calendar whose id is not in
// seen, keeping its sequence. A swept record yields to any later write with
// an equal or higher sequence, so an event that reappears unchanged in a
// later listing is restored. It is only meaningful after a listing that
// enumerated the whole calendar.
func (b *Batch) SweepUnseen(ctx context.Context, seen map[string]struct{}) (int64, error) {
	rows, err := b.tx.QueryContext(ctx,
		`SELECT event_id FROM events WHERE calendar_id = ? AND status != 'cancelled'`,
		string(b.cal))
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", b.cal, err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sweep %s: %w", b.cal, err)
		}
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("sweep %s: %w", b.cal, err)
	}
	rows.Close()

	var swept int64
	for _, id := range stale {
		res, err := b.tx.ExecContext(ctx,
			`UPDATE events SET status = 'cancelled', swept = 1, updated_at = ? WHERE calendar_id = ? AND event_id = ?`,
			b.now.UnixMicro(), string(b.cal), id)
		if err != nil {
			return swept, fmt.Errorf("sweep %s/%s: %w", b.cal, id, err)
		}
		n, _ := res.RowsAffected()
		swept += n
	}
	return swept, nil
}

func upsert(ctx context.Context, ex execer, rec model.EventRecord, now time.Time) (bool, error) {
	if rec.CalendarID == "" || rec.EventID == "" {
		return false, fmt.Errorf("upsert: %w: missing calendar or event id", model.ErrMalformed)
	}
	args, err := encodeRecord(rec, now)
	if err != nil {
		return false, fmt.Errorf("upsert %s/%s: %w", rec.CalendarID, rec.EventID, err)
	}
	res, err := ex.ExecContext(ctx, upsertSQL, args...)
	if err != nil {
		return false, fmt.Errorf("upsert %s/%s: %w", rec.CalendarID, rec.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert %s/%s: %w", rec.CalendarID, rec.EventID, err)
	}
	return n > 0, nil
}

func tombstone(ctx context.Context, ex execer, cal model.CalendarID, eventID string, seq int64, now time.Time) (bool, error) {
	if cal == "" || eventID == "" {
		return false, fmt.Errorf("tombstone: %w: missing calendar or event id", model.ErrMalformed)
	}
	res, err := ex.ExecContext(ctx, tombstoneSQL, string(cal), eventID, seq, now.UnixMicro())
	if err != nil {
		return false, fmt.Errorf("tombstone %s/%s: %w", cal, eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("tombstone %s/%s: %w", cal, eventID, err)
	}
	return n > 0, nil
}

func encodeRecord(rec model.EventRecord, now time.Time) ([]any, error) {
	var (
		rule    string
		exdates string
		lastEnd any
	)
	if rec.Recurrence != nil {
		rule = rec.Recurrence.Rule
		if len(rec.Recurrence.ExDates) > 0 {
			vals := make([]int64, len(rec.Recurrence.ExDates))
			for i, t := range rec.Recurrence.ExDates {
				vals[i] = t.UnixMicro()
			}
			b, err := json.Marshal(vals)
			if err != nil {
				return nil, fmt.Errorf("encode exdates: %w", err)
			}
			exdates = string(b)
		}
	}
	// Unparseable rules are stored as open-ended; the snapshot builder
	// reports them when expanding.
	if end, ok, err := recur.LastEnd(rec); err == nil && ok && rec.IsRecurring() {
		lastEnd = end.UnixMicro()
	}

	return []any{
		string(rec.CalendarID), rec.EventID, rec.Title,
		micros(rec.Start.Time), zoneName(rec.Start.Time), rec.Start.AllDay,
		micros(rec.End.Time), zoneName(rec.End.Time), rec.End.AllDay,
		rule, exdates, lastEnd,
		rec.Sequence, string(rec.Status), rec.RecurringEventID, micros(rec.OriginalStart),
		now.UnixMicro(),
	}, nil
}

func scanRecords(rows *sql.Rows) ([]model.EventRecord, error) {
	defer rows.Close()

	var out []model.EventRecord
	for rows.Next() {
		var (
			rec                        model.EventRecord
			cal, status, rule, exdates string
			startTZ, endTZ             string
			startAt, endAt, lastEnd    sql.NullInt64
			originalStart              sql.NullInt64
			updatedAt                  int64
		)
		if err := rows.Scan(
			&cal, &rec.EventID, &rec.Title,
			&startAt, &startTZ, &rec.Start.AllDay,
			&endAt, &endTZ, &rec.End.AllDay,
			&rule, &exdates, &lastEnd,
			&rec.Sequence, &status, &rec.RecurringEventID, &originalStart, &updatedAt,
		); err != nil {
			return nil, err
		}

		rec.CalendarID = model.CalendarID(cal)
		rec.Status = model.Status(status)
		startLoc := loadLocation(startTZ)
		rec.Start.Time = fromMicros(startAt, startLoc)
		rec.End.Time = fromMicros(endAt, loadLocation(endTZ))
		rec.OriginalStart = fromMicros(originalStart, startLoc)
		rec.UpdatedAt = time.UnixMicro(updatedAt)

		if rule != "" {
			rec.Recurrence = &model.Recurrence{Rule: rule}
			if exdates != "" {
				var vals []int64
				if err := json.Unmarshal([]byte(exdates), &vals); err != nil {
					return nil, fmt.Errorf("decode exdates of %s: %w", rec.EventID, err)
				}
				for _, m := range vals {
					rec.Recurrence.ExDates = append(rec.Recurrence.ExDates, time.UnixMicro(m).In(startLoc))
				}
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func micros(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMicro()
}

func zoneName(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Location().String()
}

func fromMicros(v sql.NullInt64, loc *time.Location) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMicro(v.Int64).In(loc)
}

var zones sync.Map

func loadLocation(name string) *time.Location {
	if name == "" || name == "UTC" {
		return time.UTC
	}
	if loc, ok := zones.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	zones.Store(name, loc)
	return loc
}
