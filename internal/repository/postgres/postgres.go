// Package postgres implements the registration store on PostgreSQL using pgx
// directly (no ORM).
//
// ─────────────────────────────────────────────────────────────────────────────
// LOCKING
// ─────────────────────────────────────────────────────────────────────────────
//
// A capacity check is a read-then-write: count the occupied slots, then
// insert or widen a registration. Two transactions that both read the count
// before either writes would both see a free seat and oversell the event.
//
// WithEventLock opens every capacity-affecting transaction with
//
//	SELECT … FROM events WHERE id = $1 FOR UPDATE
//
// which takes a row-level exclusive lock on the event. A second transaction
// for the same event blocks on that SELECT until the first COMMITs or
// ROLLBACKs, so the occupied-slot aggregate it then reads already includes the
// first writer's row. Registrations and guest rows are locked FOR UPDATE after
// the event, always in the order event → registration → guest.
//
// The occupied count is never cached: it is a live aggregate over the
// registrations and guest_registrations tables read inside the same lock.
// ─────────────────────────────────────────────────────────────────────────────
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	eventColumns = `id, name, description, max_participants, allow_guests, guest_form,
		is_free, price, requires_submission, ends_at, created_at`
	registrationColumns = `id, event_id, person_id, status, guest_slots, payment_intent_id,
		payment_mode, submission_ref, created_at, updated_at`
	guestColumns = `id, registration_id, submission_id, status, payment_intent_id,
		payment_mode, created_at, updated_at`

	occupiedSlotsQuery = `SELECT
		   (SELECT COALESCE(SUM(1 + guest_slots), 0) FROM registrations
		     WHERE event_id = $1 AND status <> 'canceled')
		 + (SELECT COUNT(*) FROM guest_registrations g
		      JOIN registrations r ON r.id = g.registration_id
		     WHERE r.event_id = $1 AND r.status <> 'canceled' AND g.status <> 'canceled')`
)

// Store persists registrations in PostgreSQL.
type Store struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// New constructs a Store on an existing pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// ── Transactions ─────────────────────────────────────────────────────────────

// WithEventLock locks the event row and runs fn in the same transaction.
func (s *Store) WithEventLock(ctx context.Context, eventID string, fn func(repository.Tx, *model.Event) error) error {
	return s.inTx(ctx, func(t *tx) error {
		event, err := scanEvent(t.q.QueryRow(ctx,
			`SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, eventID,
		))
		if err != nil {
			return err
		}
		return fn(t, event)
	})
}

// InTx runs fn in a transaction that only takes the row locks fn asks for.
func (s *Store) InTx(ctx context.Context, fn func(repository.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (s *Store) inTx(ctx context.Context, fn func(*tx) error) (err error) {
	pgTx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	// Ensure the transaction is always resolved.
	defer func() {
		if err != nil {
			_ = pgTx.Rollback(ctx)
		}
	}()

	if err = fn(&tx{q: pgTx, now: s.now}); err != nil {
		return err
	}
	if err = pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type tx struct {
	q   pgx.Tx
	now func() time.Time
}

func (t *tx) GetForUpdate(ctx context.Context, eventID, personID string) (*model.Registration, error) {
	return scanRegistration(t.q.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE event_id = $1 AND person_id = $2 FOR UPDATE`,
		eventID, personID,
	))
}

func (t *tx) GetRegistrationForUpdate(ctx context.Context, id string) (*model.Registration, error) {
	return scanRegistration(t.q.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1 FOR UPDATE`, id,
	))
}

func (t *tx) GetGuestForUpdate(ctx context.Context, id string) (*model.GuestRegistration, error) {
	return scanGuest(t.q.QueryRow(ctx,
		`SELECT `+guestColumns+` FROM guest_registrations WHERE id = $1 FOR UPDATE`, id,
	))
}

func (t *tx) GetGuestBySubmissionForUpdate(ctx context.Context, registrationID, submissionID string) (*model.GuestRegistration, error) {
	return scanGuest(t.q.QueryRow(ctx,
		`SELECT `+guestColumns+` FROM guest_registrations
		 WHERE registration_id = $1 AND submission_id = $2 FOR UPDATE`,
		registrationID, submissionID,
	))
}

func (t *tx) ListGuestsForUpdate(ctx context.Context, registrationID string) ([]model.GuestRegistration, error) {
	return listGuests(ctx, t.q,
		`SELECT `+guestColumns+` FROM guest_registrations
		 WHERE registration_id = $1 ORDER BY created_at, id FOR UPDATE`,
		registrationID,
	)
}

// FindByIntentForUpdate locks the owning registration before the guest row so
// it never inverts the lock order used by cancellation.
func (t *tx) FindByIntentForUpdate(ctx context.Context, intentID string) (*repository.IntentOwner, error) {
	reg, err := scanRegistration(t.q.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE payment_intent_id = $1 FOR UPDATE`,
		intentID,
	))
	if err == nil {
		return &repository.IntentOwner{Kind: repository.OwnerRegistration, Registration: reg}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	var registrationID string
	err = t.q.QueryRow(ctx,
		`SELECT registration_id FROM guest_registrations WHERE payment_intent_id = $1`, intentID,
	).Scan(&registrationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("resolve guest intent: %w", err)
	}
	owner, err := t.GetRegistrationForUpdate(ctx, registrationID)
	if err != nil {
		return nil, fmt.Errorf("lock guest owner: %w", err)
	}
	guest, err := scanGuest(t.q.QueryRow(ctx,
		`SELECT `+guestColumns+` FROM guest_registrations WHERE payment_intent_id = $1 FOR UPDATE`,
		intentID,
	))
	if err != nil {
		return nil, err
	}
	return &repository.IntentOwner{Kind: repository.OwnerGuest, Registration: owner, Guest: guest}, nil
}

func (t *tx) CountOccupiedSlots(ctx context.Context, eventID string) (int, error) {
	var occupied int64
	if err := t.q.QueryRow(ctx, occupiedSlotsQuery, eventID).Scan(&occupied); err != nil {
		return 0, fmt.Errorf("count occupied slots: %w", err)
	}
	return int(occupied), nil
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

	_, err := t.q.Exec(ctx,
		`INSERT INTO registrations (`+registrationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   guest_slots = EXCLUDED.guest_slots,
		   payment_intent_id = EXCLUDED.payment_intent_id,
		   payment_mode = EXCLUDED.payment_mode,
		   submission_ref = EXCLUDED.submission_ref,
		   updated_at = EXCLUDED.updated_at`,
		reg.ID, reg.EventID, reg.PersonID, string(reg.Status), reg.GuestSlots,
		reg.PaymentIntentID, modeString(reg.PaymentMode), reg.SubmissionRef,
		reg.CreatedAt, reg.UpdatedAt,
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

	_, err := t.q.Exec(ctx,
		`INSERT INTO guest_registrations (`+guestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   payment_intent_id = EXCLUDED.payment_intent_id,
		   payment_mode = EXCLUDED.payment_mode,
		   updated_at = EXCLUDED.updated_at`,
		guest.ID, guest.RegistrationID, guest.SubmissionID, string(guest.Status),
		guest.PaymentIntentID, modeString(guest.PaymentMode),
		guest.CreatedAt, guest.UpdatedAt,
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
	if _, err := t.q.Exec(ctx, `DELETE FROM guest_registrations WHERE registration_id = $1`, id); err != nil {
		return fmt.Errorf("delete guest registrations: %w", err)
	}
	tag, err := t.q.Exec(ctx, `DELETE FROM registrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (t *tx) DeleteGuest(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM guest_registrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete guest registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (t *tx) EnqueueOutbox(ctx context.Context, kind model.NotificationKind, recordID string) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO outbox (id, kind, record_id, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), string(kind), recordID, t.now(),
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
	_, err := s.db.Exec(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.Name, event.Description, event.MaxParticipants, event.AllowGuests, event.GuestForm,
		event.IsFree, event.Price, event.RequiresSubmission, event.EndsAt, event.CreatedAt,
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
	return scanEvent(s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
}

// ListEvents returns all events ordered by creation time descending.
func (s *Store) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.Query(ctx, `SELECT `+eventColumns+` FROM events ORDER BY created_at DESC, id`)
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
	var occupied int64
	if err := s.db.QueryRow(ctx, occupiedSlotsQuery, eventID).Scan(&occupied); err != nil {
		return 0, fmt.Errorf("count occupied slots: %w", err)
	}
	return int(occupied), nil
}

// GetRegistration returns a registration or ErrNotFound.
func (s *Store) GetRegistration(ctx context.Context, id string) (*model.Registration, error) {
	return scanRegistration(s.db.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id,
	))
}

// GetGuest returns a guest registration or ErrNotFound.
func (s *Store) GetGuest(ctx context.Context, id string) (*model.GuestRegistration, error) {
	return scanGuest(s.db.QueryRow(ctx,
		`SELECT `+guestColumns+` FROM guest_registrations WHERE id = $1`, id,
	))
}

// ListRegistrations returns all registrations for a given event.
func (s *Store) ListRegistrations(ctx context.Context, eventID string) ([]model.Registration, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE event_id = $1 ORDER BY created_at ASC, id`,
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
	return listGuests(ctx, s.db,
		`SELECT `+guestColumns+` FROM guest_registrations
		 WHERE registration_id = $1 ORDER BY created_at, id`,
		registrationID,
	)
}

// ClaimOutbox leases up to limit undispatched entries whose previous lease
// has run out. SKIP LOCKED lets several relays claim disjoint batches.
func (s *Store) ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxEntry, error) {
	now := s.now()
	rows, err := s.db.Query(ctx,
		`UPDATE outbox SET claimed_until = $3
		 WHERE id IN (
		   SELECT id FROM outbox
		   WHERE dispatched_at IS NULL AND (claimed_until IS NULL OR claimed_until <= $2)
		   ORDER BY created_at, id LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, kind, record_id, created_at`,
		limit, now, now.Add(lease),
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var entries []model.OutboxEntry
	for rows.Next() {
		var (
			e    model.OutboxEntry
			kind string
		)
		if err := rows.Scan(&e.ID, &kind, &e.RecordID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		e.Kind = model.NotificationKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxDispatched records that the dispatcher accepted an entry.
func (s *Store) MarkOutboxDispatched(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE outbox SET dispatched_at = $2 WHERE id = $1`, id, s.now())
	if err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ── Scanning ─────────────────────────────────────────────────────────────────

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listGuests(ctx context.Context, q querier, query string, registrationID string) ([]model.GuestRegistration, error) {
	rows, err := q.Query(ctx, query, registrationID)
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

func scanEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	err := row.Scan(&e.ID, &e.Name, &e.Description, &e.MaxParticipants, &e.AllowGuests, &e.GuestForm,
		&e.IsFree, &e.Price, &e.RequiresSubmission, &e.EndsAt, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	return &e, nil
}

func scanRegistration(row pgx.Row) (*model.Registration, error) {
	var (
		r      model.Registration
		status string
		mode   *string
	)
	err := row.Scan(&r.ID, &r.EventID, &r.PersonID, &status, &r.GuestSlots, &r.PaymentIntentID,
		&mode, &r.SubmissionRef, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan registration: %w", err)
	}
	r.Status = model.Status(status)
	r.PaymentMode = modePtr(mode)
	return &r, nil
}

func scanGuest(row pgx.Row) (*model.GuestRegistration, error) {
	var (
		g      model.GuestRegistration
		status string
		mode   *string
	)
	err := row.Scan(&g.ID, &g.RegistrationID, &g.SubmissionID, &status, &g.PaymentIntentID,
		&mode, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan guest registration: %w", err)
	}
	g.Status = model.Status(status)
	g.PaymentMode = modePtr(mode)
	return &g, nil
}

func modeString(m *model.PaymentMode) *string {
	if m == nil {
		return nil
	}
	s := string(*m)
	return &s
}

func modePtr(s *string) *model.PaymentMode {
	if s == nil {
		return nil
	}
	m := model.PaymentMode(*s)
	return &m
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ repository.Store = (*Store)(nil)
