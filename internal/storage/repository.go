package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trailblazeapp/ridecal/internal/types"
)

// UpsertResult classifies what an Upsert call did to the store.
type UpsertResult string

const (
	UpsertInserted UpsertResult = "inserted"
	UpsertUpdated  UpsertResult = "updated"
	UpsertSkipped  UpsertResult = "skipped"
)

// Repository is the event store. All operations are transactional at the
// single-event granularity; concurrent upserts for one identity serialize
// on the row lock.
type Repository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewRepository(db *sqlx.DB, logger *slog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With("component", "repository"),
	}
}

const eventColumns = `id, source, ride_id, name, description, date_start, date_end,
	location, city, state, country, region, organization,
	distances, ride_manager, manager_contact, control_judges,
	website_url, flyer_url, map_link,
	is_multi_day_event, is_pioneer_ride, ride_days, has_intro_ride, is_canceled,
	latitude, longitude, geocoding_attempted, last_website_check_at,
	event_details, notes, created_at, updated_at`

// eventRow carries the JSONB columns alongside the scalar Event fields.
type eventRow struct {
	types.Event
	DistancesRaw      []byte `db:"distances"`
	ManagerContactRaw []byte `db:"manager_contact"`
	ControlJudgesRaw  []byte `db:"control_judges"`
	EventDetailsRaw   []byte `db:"event_details"`
}

func (r *eventRow) toEvent() (types.Event, error) {
	ev := r.Event
	if len(r.DistancesRaw) > 0 {
		if err := json.Unmarshal(r.DistancesRaw, &ev.Distances); err != nil {
			return ev, err
		}
	}
	if len(r.ManagerContactRaw) > 0 {
		if err := json.Unmarshal(r.ManagerContactRaw, &ev.ManagerContact); err != nil {
			return ev, err
		}
	}
	if len(r.ControlJudgesRaw) > 0 {
		if err := json.Unmarshal(r.ControlJudgesRaw, &ev.ControlJudges); err != nil {
			return ev, err
		}
	}
	if len(r.EventDetailsRaw) > 0 {
		if err := json.Unmarshal(r.EventDetailsRaw, &ev.EventDetails); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// Upsert inserts or updates by (source, ride_id) and reports which it did.
// Update rules: a null scraped value never overwrites a non-null stored
// value; event_details deep-merges with scraped values winning; updated_at
// is touched only on an effective change.
func (r *Repository) Upsert(ctx context.Context, ev *types.Event) (UpsertResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", repoErr("upsert.begin", err)
	}
	defer tx.Rollback()

	var stored eventRow
	err = tx.QueryRowxContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE source = $1 AND ride_id = $2 FOR UPDATE`,
		ev.Source, ev.RideID,
	).StructScan(&stored)

	if errors.Is(err, sql.ErrNoRows) {
		id, err := insertEvent(ctx, tx, ev)
		if err != nil {
			return "", repoErr("upsert.insert", err)
		}
		if err := tx.Commit(); err != nil {
			return "", repoErr("upsert.commit", err)
		}
		ev.ID = id
		return UpsertInserted, nil
	}
	if err != nil {
		return "", repoErr("upsert.select", err)
	}

	current, err := stored.toEvent()
	if err != nil {
		return "", repoErr("upsert.decode", err)
	}

	merged := mergeForUpsert(&current, ev)
	if !effectiveChange(&current, &merged) {
		ev.ID = current.ID
		return UpsertSkipped, nil
	}

	if err := updateEvent(ctx, tx, &merged); err != nil {
		return "", repoErr("upsert.update", err)
	}
	if err := tx.Commit(); err != nil {
		return "", repoErr("upsert.commit", err)
	}
	ev.ID = merged.ID
	return UpsertUpdated, nil
}

// mergeForUpsert reconciles a freshly scraped event with the stored row.
// Scraped values lead; empty scraped fields keep the stored value.
// is_canceled takes the scraped value either way: a run that observed the
// event without a marker is the authority for un-cancelling.
func mergeForUpsert(stored, scraped *types.Event) types.Event {
	m := *scraped
	m.ID = stored.ID
	m.CreatedAt = stored.CreatedAt
	m.UpdatedAt = stored.UpdatedAt

	keepString(&m.Description, stored.Description)
	keepString(&m.Location, stored.Location)
	keepString(&m.City, stored.City)
	keepString(&m.State, stored.State)
	keepString(&m.Country, stored.Country)
	keepString(&m.Region, stored.Region)
	keepString(&m.Organization, stored.Organization)
	keepString(&m.RideManager, stored.RideManager)
	keepString(&m.ManagerContact.Name, stored.ManagerContact.Name)
	keepString(&m.ManagerContact.Email, stored.ManagerContact.Email)
	keepString(&m.ManagerContact.Phone, stored.ManagerContact.Phone)
	keepString(&m.WebsiteURL, stored.WebsiteURL)
	keepString(&m.FlyerURL, stored.FlyerURL)
	keepString(&m.MapLink, stored.MapLink)
	keepString(&m.Notes, stored.Notes)

	if len(m.Distances) == 0 {
		m.Distances = stored.Distances
	}
	if len(m.ControlJudges) == 0 {
		m.ControlJudges = stored.ControlJudges
	}

	if m.Latitude == nil || m.Longitude == nil {
		m.Latitude = stored.Latitude
		m.Longitude = stored.Longitude
	}
	if stored.GeocodingAttempted {
		m.GeocodingAttempted = true
	}
	m.LastWebsiteCheckAt = stored.LastWebsiteCheckAt

	m.EventDetails = types.MergeDetails(stored.EventDetails, scraped.EventDetails, true)
	return m
}

func keepString(dst *string, stored string) {
	if *dst == "" {
		*dst = stored
	}
}

// effectiveChange reports whether the merged record differs from the
// stored one in any persisted field besides the timestamps.
func effectiveChange(stored, merged *types.Event) bool {
	return !bytes.Equal(fingerprint(stored), fingerprint(merged))
}

func fingerprint(ev *types.Event) []byte {
	c := *ev
	c.ID = 0
	c.CreatedAt = time.Time{}
	c.UpdatedAt = time.Time{}
	b, _ := json.Marshal(c)
	return b
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, ev *types.Event) (int64, error) {
	distances, contact, judges, details, err := marshalEventJSON(ev)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO events (
			source, ride_id, name, description, date_start, date_end,
			location, city, state, country, region, organization,
			distances, ride_manager, manager_contact, control_judges,
			website_url, flyer_url, map_link,
			is_multi_day_event, is_pioneer_ride, ride_days, has_intro_ride, is_canceled,
			latitude, longitude, geocoding_attempted, last_website_check_at,
			event_details, notes
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30
		) RETURNING id`,
		ev.Source, ev.RideID, ev.Name, ev.Description, ev.DateStart, ev.DateEnd,
		ev.Location, ev.City, ev.State, ev.Country, ev.Region, ev.Organization,
		distances, ev.RideManager, contact, judges,
		ev.WebsiteURL, ev.FlyerURL, ev.MapLink,
		ev.IsMultiDayEvent, ev.IsPioneerRide, ev.RideDays, ev.HasIntroRide, ev.IsCanceled,
		ev.Latitude, ev.Longitude, ev.GeocodingAttempted, ev.LastWebsiteCheckAt,
		details, ev.Notes,
	).Scan(&id)
	return id, err
}

func updateEvent(ctx context.Context, tx *sqlx.Tx, ev *types.Event) error {
	distances, contact, judges, details, err := marshalEventJSON(ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE events SET
			name = $2, description = $3, date_start = $4, date_end = $5,
			location = $6, city = $7, state = $8, country = $9, region = $10,
			organization = $11, distances = $12, ride_manager = $13,
			manager_contact = $14, control_judges = $15,
			website_url = $16, flyer_url = $17, map_link = $18,
			is_multi_day_event = $19, is_pioneer_ride = $20, ride_days = $21,
			has_intro_ride = $22, is_canceled = $23,
			latitude = $24, longitude = $25, geocoding_attempted = $26,
			event_details = $27, notes = $28, updated_at = now()
		WHERE id = $1`,
		ev.ID,
		ev.Name, ev.Description, ev.DateStart, ev.DateEnd,
		ev.Location, ev.City, ev.State, ev.Country, ev.Region,
		ev.Organization, distances, ev.RideManager,
		contact, judges,
		ev.WebsiteURL, ev.FlyerURL, ev.MapLink,
		ev.IsMultiDayEvent, ev.IsPioneerRide, ev.RideDays,
		ev.HasIntroRide, ev.IsCanceled,
		ev.Latitude, ev.Longitude, ev.GeocodingAttempted,
		details, ev.Notes,
	)
	return err
}

func marshalEventJSON(ev *types.Event) (distances, contact, judges, details []byte, err error) {
	if distances, err = marshalOr(ev.Distances, "[]"); err != nil {
		return
	}
	if contact, err = marshalOr(ev.ManagerContact, "{}"); err != nil {
		return
	}
	if judges, err = marshalOr(ev.ControlJudges, "[]"); err != nil {
		return
	}
	details, err = marshalOr(ev.EventDetails, "{}")
	return
}

func marshalOr(v any, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}

// GetByIdentity fetches one event by its (source, ride_id) pair.
func (r *Repository) GetByIdentity(ctx context.Context, source, rideID string) (*types.Event, error) {
	var row eventRow
	err := r.db.QueryRowxContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE source = $1 AND ride_id = $2`,
		source, rideID,
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, repoErr("get", err)
	}
	ev, err := row.toEvent()
	if err != nil {
		return nil, repoErr("get.decode", err)
	}
	return &ev, nil
}

// GetByID fetches one event by primary key.
func (r *Repository) GetByID(ctx context.Context, id int64) (*types.Event, error) {
	var row eventRow
	err := r.db.QueryRowxContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id,
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, repoErr("get", err)
	}
	ev, err := row.toEvent()
	if err != nil {
		return nil, repoErr("get.decode", err)
	}
	return &ev, nil
}

// ListForGeocoding returns events not yet attempted, oldest rides first.
func (r *Repository) ListForGeocoding(ctx context.Context, limit int) ([]types.Event, error) {
	return r.list(ctx, "list_geocoding",
		`SELECT `+eventColumns+` FROM events
		 WHERE geocoding_attempted = FALSE AND latitude IS NULL
		 ORDER BY date_start LIMIT $1`, limit)
}

// ListForDetailEnrichment returns events due a website check under the
// tiered cadence: near-term rides every 24h, rides up to a year out every
// 7d, never-checked rides always, long-finished rides never.
func (r *Repository) ListForDetailEnrichment(ctx context.Context, now time.Time, limit int) ([]types.Event, error) {
	return r.list(ctx, "list_enrichment",
		`SELECT `+eventColumns+` FROM events
		 WHERE (website_url <> '' OR flyer_url <> '')
		   AND date_end >= $1::timestamptz - interval '30 days'
		   AND (
		     last_website_check_at IS NULL
		     OR (date_start <= $1::timestamptz + interval '90 days'
		         AND last_website_check_at <= $1::timestamptz - interval '24 hours')
		     OR (date_start > $1::timestamptz + interval '90 days'
		         AND date_start <= $1::timestamptz + interval '1 year'
		         AND last_website_check_at <= $1::timestamptz - interval '7 days')
		   )
		 ORDER BY date_start LIMIT $2`, now, limit)
}

// ListByLocation returns geocoded events within radiusMi of a point,
// using the spherical law of cosines in miles.
func (r *Repository) ListByLocation(ctx context.Context, lat, lng, radiusMi float64) ([]types.Event, error) {
	return r.list(ctx, "list_location",
		`SELECT `+eventColumns+` FROM events
		 WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		   AND 3959 * acos(least(1.0,
		         cos(radians($1)) * cos(radians(latitude)) * cos(radians(longitude) - radians($2))
		         + sin(radians($1)) * sin(radians(latitude)))) <= $3
		 ORDER BY date_start`, lat, lng, radiusMi)
}

func (r *Repository) list(ctx context.Context, op, query string, args ...any) ([]types.Event, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, repoErr(op, err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var row eventRow
		if err := rows.StructScan(&row); err != nil {
			return nil, repoErr(op+".scan", err)
		}
		ev, err := row.toEvent()
		if err != nil {
			return nil, repoErr(op+".decode", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr(op, err)
	}
	return events, nil
}

// MarkGeocoded sets the attempted flag and, when the lookup succeeded,
// the coordinates. Nil coordinates record a permanent not-found.
func (r *Repository) MarkGeocoded(ctx context.Context, id int64, lat, lng *float64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE events SET latitude = $2, longitude = $3, geocoding_attempted = TRUE, updated_at = now()
		 WHERE id = $1`, id, lat, lng)
	if err != nil {
		return repoErr("mark_geocoded", err)
	}
	return checkAffected("mark_geocoded", res)
}

// ResetGeocoding clears coordinates and the attempted flag so the next
// batch re-geocodes the event. Used when the location changes.
func (r *Repository) ResetGeocoding(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE events SET latitude = NULL, longitude = NULL, geocoding_attempted = FALSE, updated_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return repoErr("reset_geocoding", err)
	}
	return checkAffected("reset_geocoding", res)
}

// UpdateDetails merges a patch into event_details with patch values
// winning, and stamps last_website_check_at.
func (r *Repository) UpdateDetails(ctx context.Context, id int64, patch map[string]any, checkedAt time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return repoErr("update_details.begin", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowxContext(ctx,
		`SELECT event_details FROM events WHERE id = $1 FOR UPDATE`, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	}
	if err != nil {
		return repoErr("update_details.select", err)
	}

	var stored map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &stored); err != nil {
			return repoErr("update_details.decode", err)
		}
	}
	merged, err := marshalOr(types.MergeDetails(stored, patch, true), "{}")
	if err != nil {
		return repoErr("update_details.encode", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET event_details = $2, last_website_check_at = $3, updated_at = now()
		 WHERE id = $1`, id, merged, checkedAt); err != nil {
		return repoErr("update_details.update", err)
	}
	if err := tx.Commit(); err != nil {
		return repoErr("update_details.commit", err)
	}
	return nil
}

// SaveRunReport persists one scrape run record.
func (r *Repository) SaveRunReport(ctx context.Context, report *types.RunReport) error {
	counts, err := json.Marshal(report.Counts)
	if err != nil {
		return repoErr("save_report.encode", err)
	}
	runErrs, err := marshalOr(report.Errors, "[]")
	if err != nil {
		return repoErr("save_report.encode", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO run_reports (run_id, source, started_at, ended_at, outcome, counts, errors)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		report.RunID, report.Source, report.StartedAt, report.EndedAt,
		string(report.Outcome), counts, runErrs)
	if err != nil {
		return repoErr("save_report", err)
	}
	return nil
}

// LastRunOutcomes returns the most recent run outcomes for a source,
// newest first. Used for the consecutive-degraded alert.
func (r *Repository) LastRunOutcomes(ctx context.Context, source string, n int) ([]types.RunOutcome, error) {
	var raw []string
	err := r.db.SelectContext(ctx, &raw,
		`SELECT outcome FROM run_reports WHERE source = $1 ORDER BY started_at DESC LIMIT $2`,
		source, n)
	if err != nil {
		return nil, repoErr("last_outcomes", err)
	}
	outcomes := make([]types.RunOutcome, len(raw))
	for i, s := range raw {
		outcomes[i] = types.RunOutcome(s)
	}
	return outcomes, nil
}

// LastRunStartedAt returns when the most recent run for a source began,
// or the zero time when none is recorded. Seeds the scheduler's gap
// detection across process restarts.
func (r *Repository) LastRunStartedAt(ctx context.Context, source string) (time.Time, error) {
	var ts []time.Time
	err := r.db.SelectContext(ctx, &ts,
		`SELECT started_at FROM run_reports WHERE source = $1 ORDER BY started_at DESC LIMIT 1`,
		source)
	if err != nil {
		return time.Time{}, repoErr("last_started", err)
	}
	if len(ts) == 0 {
		return time.Time{}, nil
	}
	return ts[0], nil
}

func checkAffected(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return repoErr(op, err)
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func repoErr(op string, err error) error {
	return &types.RepositoryError{
		Op:        op,
		Err:       err,
		Retryable: errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone),
	}
}
