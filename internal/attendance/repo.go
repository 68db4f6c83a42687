package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"qrattend/internal/store"
)

const uniqueViolation = "23505"

// SQLRepository persists members as JSON documents in Postgres (JSONB) or
// SQLite (TEXT). The columns next to the document exist for uniqueness,
// filtering, ordering and the version check. Queries are written with $n
// placeholders and rewritten to ?n for SQLite.
type SQLRepository struct {
	db     *sql.DB
	sqlite bool
}

// NewPostgresRepository creates a repo backed by a pgx pool.
func NewPostgresRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// NewSQLiteRepository creates a repo backed by a go-sqlite3 database.
func NewSQLiteRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db, sqlite: true}
}

// NewRepository picks the SQL flavour matching db.Driver.
func NewRepository(db *store.DB) *SQLRepository {
	if db.Driver == store.DriverSQLite {
		return NewSQLiteRepository(db.Client)
	}
	return NewPostgresRepository(db.Client)
}

func (r *SQLRepository) q(query string) string {
	if r.sqlite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

func (r *SQLRepository) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.q(query), args...)
}

func (r *SQLRepository) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.db.QueryRowContext(ctx, r.q(query), args...)
}

// document is the stored form of a member; it adds the fields Member hides from JSON.
type document struct {
	Member
	PasswordHash string `json:"passwordHash,omitempty"`
	ImageKey     string `json:"imageKey,omitempty"`
}

func encodeMember(m *Member) ([]byte, error) {
	doc := document{Member: *m, PasswordHash: m.PasswordHash, ImageKey: m.ImageKey}
	if doc.History == nil {
		doc.History = []HistoryEntry{}
	}
	return json.Marshal(doc)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*Member, error) {
	var (
		id                   string
		version              int64
		raw                  []byte
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&id, &version, &raw, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode member %s: %w", id, err)
	}
	m := doc.Member
	m.PasswordHash = doc.PasswordHash
	m.ImageKey = doc.ImageKey
	m.ID = id
	m.Version = version
	m.CreatedAt = createdAt
	m.UpdatedAt = updatedAt
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var liteErr sqlite3.Error
	return errors.As(err, &liteErr) &&
		(liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

const memberColumns = `id, version, doc, created_at, updated_at`

// Create inserts a new member document.
func (r *SQLRepository) Create(ctx context.Context, m *Member) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	m.Version = 1

	raw, err := encodeMember(m)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, `
		INSERT INTO members (id, email, name, role, qg, position, version, doc, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $9)
	`, m.ID, m.Email, m.Name, m.Role, m.QG, m.Position, m.Version, string(raw), now)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

// Get returns a single member by id.
func (r *SQLRepository) Get(ctx context.Context, id string) (*Member, error) {
	row := r.queryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// GetByEmail returns the member owning email.
func (r *SQLRepository) GetByEmail(ctx context.Context, email string) (*Member, error) {
	row := r.queryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE email = lower($1)`, email)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// List returns members with basic filters, ordered by name.
func (r *SQLRepository) List(ctx context.Context, f Filter) ([]Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members`
	args := []any{}
	clauses := []string{}
	if f.Role != "" {
		args = append(args, f.Role)
		clauses = append(clauses, "role = $"+itoa(len(args)))
	}
	if f.QG != "" {
		args = append(args, f.QG)
		clauses = append(clauses, "qg = $"+itoa(len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := itoa(len(args))
		like := " ILIKE $"
		if r.sqlite {
			// SQLite LIKE already ignores ASCII case.
			like = " LIKE $"
		}
		clauses = append(clauses, "(name"+like+n+" OR email"+like+n+" OR position"+like+n+")")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY name, id"

	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *m)
	}
	return res, rows.Err()
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

// Update rewrites the document when the stored version matches expectedVersion.
func (r *SQLRepository) Update(ctx context.Context, m *Member, expectedVersion int64) error {
	raw, err := encodeMember(m)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := r.exec(ctx, `
		UPDATE members
		SET email = NULLIF($2, ''), name = $3, role = $4, qg = $5, position = $6,
			doc = $7, version = version + 1, updated_at = $8
		WHERE id = $1 AND version = $9
	`, m.ID, m.Email, m.Name, m.Role, m.QG, m.Position, string(raw), now, expectedVersion)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := r.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM members WHERE id = $1)`, m.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	m.Version = expectedVersion + 1
	m.UpdatedAt = now
	return nil
}

// Delete removes a member and returns the deleted record.
func (r *SQLRepository) Delete(ctx context.Context, id string) (*Member, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	m, err := scanMember(tx.QueryRowContext(ctx, r.q(`SELECT `+memberColumns+` FROM members WHERE id = $1`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM members WHERE id = $1`), id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrNotFound
	}
	return m, tx.Commit()
}

// CountByRole counts members with role.
func (r *SQLRepository) CountByRole(ctx context.Context, role string) (int, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM members WHERE role = $1`, role).Scan(&n)
	return n, err
}

// EnsureCompany inserts the company unless its QR code is already registered.
func (r *SQLRepository) EnsureCompany(ctx context.Context, name, qrCode string) (Company, bool, error) {
	res, err := r.exec(ctx, `
		INSERT INTO companies (id, name, qr_code)
		VALUES ($1, $2, $3)
		ON CONFLICT (qr_code) DO NOTHING
	`, uuid.NewString(), name, qrCode)
	if err != nil {
		return Company{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Company{}, false, err
	}
	c, err := r.GetCompanyByQRCode(ctx, qrCode)
	return c, n > 0, err
}

// GetCompanyByQRCode looks a company up by its QR payload.
func (r *SQLRepository) GetCompanyByQRCode(ctx context.Context, qrCode string) (Company, error) {
	var c Company
	err := r.queryRow(ctx, `SELECT id, name, qr_code FROM companies WHERE qr_code = $1`, qrCode).
		Scan(&c.ID, &c.Name, &c.QRCode)
	if errors.Is(err, sql.ErrNoRows) {
		return Company{}, ErrNotFound
	}
	return c, err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *SQLRepository) SaveRefreshToken(ctx context.Context, memberID, token string, expiresAt time.Time) error {
	_, err := r.exec(ctx, `
		INSERT INTO refresh_tokens (member_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, memberID, token, expiresAt.UTC())
	return err
}

// RefreshTokenActive reports whether token is stored, unrevoked and unexpired.
func (r *SQLRepository) RefreshTokenActive(ctx context.Context, token string, now time.Time) (bool, error) {
	var (
		expiresAt time.Time
		revoked   bool
	)
	err := r.queryRow(ctx, `SELECT expires_at, revoked FROM refresh_tokens WHERE token = $1`, token).
		Scan(&expiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !revoked && expiresAt.After(now), nil
}

// RevokeRefreshToken marks a token revoked.
func (r *SQLRepository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}
