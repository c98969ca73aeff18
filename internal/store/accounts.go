package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phillip-england/minedesk/internal/tenant"
)

type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

type Session struct {
	ID         string
	UserID     string
	CSRFToken  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastSeenAt time.Time
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return User{}, errors.New("a valid email is required")
	}
	u := User{ID: uuid.NewString(), Email: email, CreatedAt: s.now()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, passwordHash, toMillis(u.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("user %s: %w", email, ErrConflict)
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Store) SetPassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, userID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return expectOne(res)
}

// LookupUserByEmail returns the user and its password hash.
func (s *Store) LookupUserByEmail(ctx context.Context, email string) (User, string, error) {
	var (
		u       User
		hash    string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`,
		normalizeEmail(email)).Scan(&u.ID, &u.Email, &hash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, "", ErrNotFound
	}
	if err != nil {
		return User{}, "", fmt.Errorf("lookup user: %w", err)
	}
	u.CreatedAt = fromMillis(created)
	return u, hash, nil
}

func (s *Store) CreateCompany(ctx context.Context, name string) (tenant.Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return tenant.Tenant{}, errors.New("company name is required")
	}
	t := tenant.Tenant{ID: uuid.NewString(), Name: name, Active: true}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (id, name, is_active, created_at) VALUES (?, ?, 1, ?)`,
		t.ID, t.Name, toMillis(s.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return tenant.Tenant{}, fmt.Errorf("company %s: %w", name, ErrConflict)
		}
		return tenant.Tenant{}, fmt.Errorf("insert company: %w", err)
	}
	return t, nil
}

// FindCompany matches by id first, then by case-insensitive name.
func (s *Store) FindCompany(ctx context.Context, ref string) (tenant.Tenant, error) {
	ref = strings.TrimSpace(ref)
	var (
		t      tenant.Tenant
		active int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, is_active FROM companies WHERE id = ? OR name = ? COLLATE NOCASE
		 ORDER BY CASE WHEN id = ? THEN 0 ELSE 1 END LIMIT 1`,
		ref, ref, ref).Scan(&t.ID, &t.Name, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, ErrNotFound
	}
	if err != nil {
		return tenant.Tenant{}, fmt.Errorf("find company: %w", err)
	}
	t.Active = active == 1
	return t, nil
}

func (s *Store) SetCompanyActive(ctx context.Context, id string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE companies SET is_active = ? WHERE id = ?`, flag, id)
	if err != nil {
		return fmt.Errorf("update company: %w", err)
	}
	return expectOne(res)
}

func (s *Store) ListCompanies(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, is_active FROM companies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()

	var out []tenant.Tenant
	for rows.Next() {
		var (
			t      tenant.Tenant
			active int
		)
		if err := rows.Scan(&t.ID, &t.Name, &active); err != nil {
			return nil, err
		}
		t.Active = active == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertProfile links a user to a company. An empty companyID leaves the
// profile without a company.
func (s *Store) UpsertProfile(ctx context.Context, userID, companyID, role string) error {
	role = strings.TrimSpace(role)
	if role == "" {
		role = "member"
	}
	var company any
	if companyID != "" {
		company = companyID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, company_id, role) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET company_id = excluded.company_id, role = excluded.role`,
		userID, company, role)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// LookupMembership returns tenant.ErrMembershipNotFound when the user has
// no profile. A profile without a company yields an empty Tenant.
func (s *Store) LookupMembership(ctx context.Context, userID string) (tenant.Membership, error) {
	var (
		m      = tenant.Membership{UserID: userID}
		id     sql.NullString
		name   sql.NullString
		active sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT p.role, c.id, c.name, c.is_active
		 FROM profiles p
		 LEFT JOIN companies c ON c.id = p.company_id
		 WHERE p.user_id = ?`,
		userID).Scan(&m.Role, &id, &name, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Membership{}, tenant.ErrMembershipNotFound
	}
	if err != nil {
		return tenant.Membership{}, fmt.Errorf("lookup membership: %w", err)
	}
	m.Tenant = tenant.Tenant{ID: id.String, Name: name.String, Active: active.Int64 == 1}
	return m, nil
}

func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastSeenAt.IsZero() {
		sess.LastSeenAt = now
	}
	return withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, user_id, csrf_token, expires_at, created_at, last_seen_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.UserID, sess.CSRFToken, toMillis(sess.ExpiresAt), toMillis(sess.CreatedAt), toMillis(sess.LastSeenAt))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// LookupSession returns ErrNotFound for unknown sessions and
// ErrSessionExpired for expired ones, which it deletes. Live sessions get
// their access time recorded.
func (s *Store) LookupSession(ctx context.Context, id string) (Session, User, error) {
	var (
		sess                       Session
		u                          User
		expires, created, lastSeen int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.user_id, s.csrf_token, s.expires_at, s.created_at, s.last_seen_at, u.email
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.CSRFToken, &expires, &created, &lastSeen, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, User{}, ErrNotFound
	}
	if err != nil {
		return Session{}, User{}, fmt.Errorf("lookup session: %w", err)
	}
	sess.ExpiresAt = fromMillis(expires)
	sess.CreatedAt = fromMillis(created)
	sess.LastSeenAt = fromMillis(lastSeen)
	u.ID = sess.UserID

	now := s.now()
	if !now.Before(sess.ExpiresAt) {
		_ = s.DeleteSession(ctx, id)
		return Session{}, User{}, ErrSessionExpired
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at = ? WHERE id = ?`, toMillis(now), id); err != nil {
		s.log.Warn("touch session failed", "err", err)
	}
	sess.LastSeenAt = now
	return sess, u, nil
}

func (s *Store) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET expires_at = ? WHERE id = ?`, toMillis(expiresAt), id)
	if err != nil {
		return fmt.Errorf("extend session: %w", err)
	}
	return expectOne(res)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// DeleteExpiredSessions removes every expired session and returns their ids.
func (s *Store) DeleteExpiredSessions(ctx context.Context) ([]string, error) {
	cutoff := toMillis(s.now())
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deleted := ids[:0]
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND expires_at <= ?`, id, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("delete expired session: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
