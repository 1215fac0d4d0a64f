// Package sqlite provides a SQLite-backed registration store.
//
// Locking is coarser than in PostgreSQL: every transaction begins IMMEDIATE
// and therefore holds the database write lock for its duration, which
// subsumes both the event-scoped and the row-scoped locks.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/repository"
	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const (
	eventColumns = `id, name, description, max_participants, allow_guests, guest_form,
		is_free, price, requires_submission, ends_at, created_at`
	registrationColumns = `id, event_id, person_id, status, guest_slots, payment_intent_id,
		payment_mode, submission_ref, created_at, updated_at`
	guestColumns = `id, registration_id, submission_id, status, payment_intent_id,
		payment_mode, created_at, updated_at`
)

// Store persists registrations in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an opened and migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// ── Transactions ─────────────────────────────────────────────────────────────

// WithEventLock runs fn inside an IMMEDIATE transaction after reading the
// event.
func (s *Store) WithEventLock(ctx context.Context, eventID string, fn func(repository.Tx, *model.Event) error) error {
	return s.inTx(ctx, func(t *tx) error {
		event, err := getEvent(ctx, t.q, eventID)
		if err != nil {
			return err
		}
		return fn(t, event)
	})
}

// InTx runs fn inside an IMMEDIATE transaction.
func (s *Store) InTx(ctx context.Context, fn func(repository.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (s *Store) inTx(ctx context.Context, fn func(*tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&tx{q: sqlTx, now: s.now}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type tx struct {
	q   queryer
	now func() time.Time
}

func (t *tx) GetForUpdate(ctx context.Context, eventID, personID string) (*model.Registration, error) {
	return scanRegistration(t.q.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE event_id = ? AND person_id = ?`,
		eventID, personID,
	))
}

func (t *tx) GetRegistrationForUpdate(ctx context.Context, id string) (*model.Registration, error) {
	return getRegistration(ctx, t.q, id)
}

func (t *tx) GetGuestForUpdate(ctx context.Context, id string) (*model.GuestRegistration, error) {
	return getGuest(ctx, t.q, id)
}

func (t *tx) GetGuestBySubmissionForUpdate(ctx context.Context, registrationID, submissionID string) (*model.GuestRegistration, error) {
	return scanGuest(t.q.QueryRowContext(ctx,
		`SELECT `+guestColumns+` FROM guest_registrations WHERE registration_id = ? AND submission_id = ?`,
		registrationID, submissionID,
	))
}

func (t *tx) ListGuestsForUpdate(ctx context.Context, registrationID string) ([]model.GuestRegistration, error) {
	return listGuests(ctx, t.q, registrationID)
}

func (t *tx) FindByIntentForUpdate(ctx context.Context, intentID string) (*repository.IntentOwner, error) {
	reg, err := scanRegistration(t.q.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE payment_intent_id = ?`, intentID,
	))
	if err == nil {
		return &repository.IntentOwner{Kind: repository.OwnerRegistration, Registration: reg}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	guest, err := scanGuest(t.q.QueryRowContext(ctx,
		`SELECT `+guestColumns+` FROM guest_registrations WHERE payment_intent_id = ?`, intentID,
	))
	if err != nil {
		return nil, err
	}
	owner, err := getRegistration(ctx, t.q, guest.RegistrationID)
	if err != nil {
		return nil, fmt.Errorf("load guest owner: %w", err)
	}
	return &repository.IntentOwner{Kind: repository.OwnerGuest, Registration: owner, Guest: guest}, nil
}

func (t *tx) CountOccupiedSlots(ctx context.Context, eventID string) (int, error) {
	return countOccupied(ctx, t.q, eventID)
}

func (t *tx) SaveRegistration(ctx context.Context, reg *model.Registration) error {
	now := t.now()
	if reg.ID == "" {
		reg.ID = uuid.New().String()
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = now
	}
	reg.UpdatedAt = now

	_, err := t.q.ExecContext(ctx,
		`INSERT INTO registrations (`+registrationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status,
		   guest_slots = excluded.guest_slots,
		   payment_intent_id = excluded.payment_intent_id,
		   payment_mode = excluded.payment_mode,
		   submission_ref = excluded.submission_ref,
		   updated_at = excluded.updated_at`,
		reg.ID, reg.EventID, reg.PersonID, string(reg.Status), reg.GuestSlots,
		nullString(reg.PaymentIntentID), nullMode(reg.PaymentMode), nullString(reg.SubmissionRef),
		toMillis(reg.CreatedAt), toMillis(reg.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("save registration: %w", err)
	}
	return nil
}

func (t *tx) SaveGuest(ctx context.Context, guest *model.GuestRegistration) error {
	now := t.now()
	if guest.ID == "" {
		guest.ID = uuid.New().String()
	}
	if guest.CreatedAt.IsZero() {
		guest.CreatedAt = now
	}
	guest.UpdatedAt = now

	_, err := t.q.ExecContext(ctx,
		`INSERT INTO guest_registrations (`+guestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status,
		   payment_intent_id = excluded.payment_intent_id,
		   payment_mode = excluded.payment_mode,
		   updated_at = excluded.updated_at`,
		guest.ID, guest.RegistrationID, guest.SubmissionID, string(guest.Status),
		nullString(guest.PaymentIntentID), nullMode(guest.PaymentMode),
		toMillis(guest.CreatedAt), toMillis(guest.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("save guest registration: %w", err)
	}
	return nil
}

func (t *tx) DeleteRegistration(ctx context.Context, id string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM guest_registrations WHERE registration_id = ?`, id); err != nil {
		return fmt.Errorf("delete guest registrations: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM registrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	return requireAffected(res)
}

func (t *tx) DeleteGuest(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM guest_registrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete guest registration: %w", err)
	}
	return requireAffected(res)
}

func (t *tx) EnqueueOutbox(ctx context.Context, kind model.NotificationKind, recordID string) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO outbox (id, kind, record_id, created_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), string(kind), recordID, toMillis(t.now()),
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// ── Plain reads ──────────────────────────────────────────────────────────────

// CreateEvent inserts a new event, generating its id when empty.
func (s *Store) CreateEvent(ctx context.Context, event *model.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	var maxParticipants sql.NullInt64
	if event.MaxParticipants != nil {
		maxParticipants = sql.NullInt64{Int64: int64(*event.MaxParticipants), Valid: true}
	}
	var endsAt sql.NullInt64
	if event.EndsAt != nil {
		endsAt = sql.NullInt64{Int64: toMillis(*event.EndsAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Name, event.Description, maxParticipants, event.AllowGuests, event.GuestForm,
		event.IsFree, event.Price, event.RequiresSubmission, endsAt, toMillis(event.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent returns a single event or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return getEvent(ctx, s.db, id)
}

// ListEvents returns all events, newest first.
func (s *Store) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// CountOccupiedSlots returns the live occupancy outside of any lock.
func (s *Store) CountOccupiedSlots(ctx context.Context, eventID string) (int, error) {
	return countOccupied(ctx, s.db, eventID)
}

// GetRegistration returns a registration or ErrNotFound.
func (s *Store) GetRegistration(ctx context.Context, id string) (*model.Registration, error) {
	return getRegistration(ctx, s.db, id)
}

// GetGuest returns a guest registration or ErrNotFound.
func (s *Store) GetGuest(ctx context.Context, id string) (*model.GuestRegistration, error) {
	return getGuest(ctx, s.db, id)
}

// ListRegistrations returns every registration of an event in creation order.
func (s *Store) ListRegistrations(ctx context.Context, eventID string) ([]model.Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE event_id = ? ORDER BY created_at, id`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var regs []model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, *reg)
	}
	return regs, rows.Err()
}

// ListGuests returns the guest registrations of a registration.
func (s *Store) ListGuests(ctx context.Context, registrationID string) ([]model.GuestRegistration, error) {
	return listGuests(ctx, s.db, registrationID)
}

// ClaimOutbox leases up to limit undispatched entries whose previous lease
// has run out.
func (s *Store) ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxEntry, error) {
	var claimed []model.OutboxEntry
	err := s.inTx(ctx, func(t *tx) error {
		now := t.now()
		rows, err := t.q.QueryContext(ctx,
			`SELECT id, kind, record_id, created_at FROM outbox
			 WHERE dispatched_at IS NULL AND (claimed_until IS NULL OR claimed_until <= ?)
			 ORDER BY created_at, id LIMIT ?`,
			toMillis(now), limit,
		)
		if err != nil {
			return fmt.Errorf("select outbox: %w", err)
		}
		var entries []model.OutboxEntry
		for rows.Next() {
			var (
				e       model.OutboxEntry
				kind    string
				created int64
			)
			if err := rows.Scan(&e.ID, &kind, &e.RecordID, &created); err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox: %w", err)
			}
			e.Kind = model.NotificationKind(kind)
			e.CreatedAt = fromMillis(created)
			entries = append(entries, e)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		until := toMillis(now.Add(lease))
		for _, e := range entries {
			if _, err := t.q.ExecContext(ctx,
				`UPDATE outbox SET claimed_until = ? WHERE id = ?`, until, e.ID,
			); err != nil {
				return fmt.Errorf("claim outbox entry: %w", err)
			}
		}
		claimed = entries
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkOutboxDispatched records that the dispatcher accepted an entry.
func (s *Store) MarkOutboxDispatched(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET dispatched_at = ? WHERE id = ?`, toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ── Shared helpers ───────────────────────────────────────────────────────────

func getEvent(ctx context.Context, q queryer, id string) (*model.Event, error) {
	return scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
}

func getRegistration(ctx context.Context, q queryer, id string) (*model.Registration, error) {
	return scanRegistration(q.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = ?`, id,
	))
}

func getGuest(ctx context.Context, q queryer, id string) (*model.GuestRegistration, error) {
	return scanGuest(q.QueryRowContext(ctx,
		`SELECT `+guestColumns+` FROM guest_registrations WHERE id = ?`, id,
	))
}

func listGuests(ctx context.Context, q queryer, registrationID string) ([]model.GuestRegistration, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+guestColumns+` FROM guest_registrations WHERE registration_id = ? ORDER BY created_at, id`,
		registrationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list guest registrations: %w", err)
	}
	defer rows.Close()

	var guests []model.GuestRegistration
	for rows.Next() {
		g, err := scanGuest(rows)
		if err != nil {
			return nil, err
		}
		guests = append(guests, *g)
	}
	return guests, rows.Err()
}

func countOccupied(ctx context.Context, q queryer, eventID string) (int, error) {
	var occupied int64
	err := q.QueryRowContext(ctx,
		`SELECT
		   (SELECT COALESCE(SUM(1 + guest_slots), 0) FROM registrations
		     WHERE event_id = ? AND status <> 'canceled')
		 + (SELECT COUNT(*) FROM guest_registrations g
		      JOIN registrations r ON r.id = g.registration_id
		     WHERE r.event_id = ? AND r.status <> 'canceled' AND g.status <> 'canceled')`,
		eventID, eventID,
	).Scan(&occupied)
	if err != nil {
		return 0, fmt.Errorf("count occupied slots: %w", err)
	}
	return int(occupied), nil
}

func scanEvent(row scanner) (*model.Event, error) {
	var (
		e               model.Event
		maxParticipants sql.NullInt64
		endsAt          sql.NullInt64
		created         int64
	)
	err := row.Scan(&e.ID, &e.Name, &e.Description, &maxParticipants, &e.AllowGuests, &e.GuestForm,
		&e.IsFree, &e.Price, &e.RequiresSubmission, &endsAt, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if maxParticipants.Valid {
		v := int(maxParticipants.Int64)
		e.MaxParticipants = &v
	}
	if endsAt.Valid {
		v := fromMillis(endsAt.Int64)
		e.EndsAt = &v
	}
	e.CreatedAt = fromMillis(created)
	return &e, nil
}

func scanRegistration(row scanner) (*model.Registration, error) {
	var (
		r                    model.Registration
		status               string
		intent, mode, subm   sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&r.ID, &r.EventID, &r.PersonID, &status, &r.GuestSlots, &intent, &mode, &subm,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan registration: %w", err)
	}
	r.Status = model.Status(status)
	r.PaymentIntentID = stringPtr(intent)
	r.PaymentMode = modePtr(mode)
	r.SubmissionRef = stringPtr(subm)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

func scanGuest(row scanner) (*model.GuestRegistration, error) {
	var (
		g                    model.GuestRegistration
		status               string
		intent, mode         sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&g.ID, &g.RegistrationID, &g.SubmissionID, &status, &intent, &mode, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan guest registration: %w", err)
	}
	g.Status = model.Status(status)
	g.PaymentIntentID = stringPtr(intent)
	g.PaymentMode = modePtr(mode)
	g.CreatedAt = fromMillis(createdAt)
	g.UpdatedAt = fromMillis(updatedAt)
	return &g, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullMode(v *model.PaymentMode) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*v), Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func modePtr(v sql.NullString) *model.PaymentMode {
	if !v.Valid {
		return nil
	}
	m := model.PaymentMode(v.String)
	return &m
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ repository.Store = (*Store)(nil)
