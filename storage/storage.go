// Package storage persists gateway users and package escrows in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"paket/escrow"
	"paket/ledger"
)

var (
	// ErrDuplicateUser is returned when a pubkey or callsign is already
	// registered.
	ErrDuplicateUser = errors.New("storage: user already registered")
	// ErrUnknownUser is returned when no user matches the lookup.
	ErrUnknownUser = errors.New("storage: unknown user")
)

// User is a registered gateway account. Callsign is the human-facing handle
// couriers and recipients trade instead of raw addresses.
type User struct {
	Pubkey      string `json:"pubkey"`
	Callsign    string `json:"callsign"`
	FullName    string `json:"full_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// SQLiteStore manages user and package persistence. It implements
// escrow.Store.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
            pubkey TEXT PRIMARY KEY,
            callsign TEXT NOT NULL UNIQUE,
            full_name TEXT,
            phone_number TEXT,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS packages (
            paket_id TEXT PRIMARY KEY,
            escrow_account TEXT NOT NULL,
            launcher TEXT NOT NULL,
            recipient TEXT NOT NULL,
            custodian TEXT NOT NULL,
            deadline INTEGER NOT NULL,
            payment INTEGER NOT NULL,
            collateral INTEGER NOT NULL,
            refund_tx TEXT NOT NULL,
            payout_tx TEXT NOT NULL,
            state INTEGER NOT NULL,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_packages_members
            ON packages(launcher, recipient, custodian);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (pubkey, callsign, full_name, phone_number, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.Pubkey, user.Callsign, user.FullName, user.PhoneNumber, time.Now().UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateUser
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, pubkey string) (*User, error) {
	return s.queryUser(ctx,
		`SELECT pubkey, callsign, full_name, phone_number FROM users WHERE pubkey = ?`, pubkey)
}

func (s *SQLiteStore) GetUserByCallsign(ctx context.Context, callsign string) (*User, error) {
	return s.queryUser(ctx,
		`SELECT pubkey, callsign, full_name, phone_number FROM users WHERE callsign = ?`, callsign)
}

func (s *SQLiteStore) queryUser(ctx context.Context, query string, arg interface{}) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&user.Pubkey, &user.Callsign, &user.FullName, &user.PhoneNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) UpdateUserDetails(ctx context.Context, pubkey, fullName, phoneNumber string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET full_name = ?, phone_number = ? WHERE pubkey = ?`,
		fullName, phoneNumber, pubkey)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrUnknownUser
	}
	return nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pubkey, callsign, full_name, phone_number FROM users ORDER BY callsign`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.Pubkey, &user.Callsign, &user.FullName, &user.PhoneNumber); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// --- packages (escrow.Store) ---

func (s *SQLiteStore) CreatePackage(ctx context.Context, inst *escrow.Instance) error {
	refund, err := json.Marshal(inst.Refund)
	if err != nil {
		return fmt.Errorf("encode refund envelope: %w", err)
	}
	payout, err := json.Marshal(inst.Payout)
	if err != nil {
		return fmt.Errorf("encode payout envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO packages
            (paket_id, escrow_account, launcher, recipient, custodian, deadline,
             payment, collateral, refund_tx, payout_tx, state, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.PaketID, inst.EscrowAccount, inst.Launcher, inst.Recipient,
		inst.Custodian, inst.Deadline, inst.Payment, inst.Collateral,
		string(refund), string(payout), inst.State, inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("create package: %w", err)
	}
	return nil
}

const packageColumns = `paket_id, escrow_account, launcher, recipient, custodian,
    deadline, payment, collateral, refund_tx, payout_tx, state, created_at`

func (s *SQLiteStore) GetPackage(ctx context.Context, paketID string) (*escrow.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE paket_id = ?`, paketID)
	inst, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrUnknownPackage
	}
	return inst, err
}

func (s *SQLiteStore) UpdateCustodian(ctx context.Context, paketID, custodian string) error {
	return s.updatePackage(ctx,
		`UPDATE packages SET custodian = ? WHERE paket_id = ?`, custodian, paketID)
}

func (s *SQLiteStore) UpdatePackageState(ctx context.Context, paketID string, state escrow.State) error {
	return s.updatePackage(ctx,
		`UPDATE packages SET state = ? WHERE paket_id = ?`, state, paketID)
}

func (s *SQLiteStore) updatePackage(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update package: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return escrow.ErrUnknownPackage
	}
	return nil
}

func (s *SQLiteStore) ListPackages(ctx context.Context) ([]*escrow.Instance, error) {
	return s.queryPackages(ctx,
		`SELECT `+packageColumns+` FROM packages ORDER BY created_at`)
}

// ListPackagesByMember returns every package the account participates in as
// launcher, recipient, or current custodian.
func (s *SQLiteStore) ListPackagesByMember(ctx context.Context, pubkey string) ([]*escrow.Instance, error) {
	return s.queryPackages(ctx,
		`SELECT `+packageColumns+` FROM packages
         WHERE launcher = ? OR recipient = ? OR custodian = ?
         ORDER BY created_at`, pubkey, pubkey, pubkey)
}

func (s *SQLiteStore) queryPackages(ctx context.Context, query string, args ...interface{}) ([]*escrow.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()
	var out []*escrow.Instance
	for rows.Next() {
		inst, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPackage(row rowScanner) (*escrow.Instance, error) {
	var (
		inst     escrow.Instance
		refund   string
		payout   string
		rawState uint8
	)
	err := row.Scan(&inst.PaketID, &inst.EscrowAccount, &inst.Launcher,
		&inst.Recipient, &inst.Custodian, &inst.Deadline, &inst.Payment,
		&inst.Collateral, &refund, &payout, &rawState, &inst.CreatedAt)
	if err != nil {
		return nil, err
	}
	inst.State = escrow.State(rawState)
	if !inst.State.Valid() {
		return nil, fmt.Errorf("package %s has invalid state %d", inst.PaketID, rawState)
	}
	inst.Refund = new(ledger.Envelope)
	if err := json.Unmarshal([]byte(refund), inst.Refund); err != nil {
		return nil, fmt.Errorf("decode refund envelope: %w", err)
	}
	inst.Payout = new(ledger.Envelope)
	if err := json.Unmarshal([]byte(payout), inst.Payout); err != nil {
		return nil, fmt.Errorf("decode payout envelope: %w", err)
	}
	return &inst, nil
}
