package attendance

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps members in process memory. It hands out deep copies
// so callers never share history slices with the store.
type MemoryRepository struct {
	mu        sync.RWMutex
	members   map[string]*Member
	companies map[string]Company
	tokens    map[string]refreshToken
	now       func() time.Time
}

type refreshToken struct {
	memberID  string
	expiresAt time.Time
	revoked   bool
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		members:   make(map[string]*Member),
		companies: make(map[string]Company),
		tokens:    make(map[string]refreshToken),
		now:       time.Now,
	}
}

func (r *MemoryRepository) emailTaken(email, exceptID string) bool {
	if email == "" {
		return false
	}
	for id, m := range r.members {
		if id != exceptID && m.Email == email {
			return true
		}
	}
	return false
}

// Create stores a new member, assigning an id when missing.
func (r *MemoryRepository) Create(_ context.Context, m *Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.emailTaken(m.Email, "") {
		return ErrDuplicateEmail
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := r.now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	m.Version = 1
	r.members[m.ID] = m.Clone()
	return nil
}

// Get returns a member by id.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// GetByEmail returns a member by lowercased email.
func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (*Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	email = strings.ToLower(email)
	for _, m := range r.members {
		if email != "" && m.Email == email {
			return m.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// List returns matching members ordered by name.
func (r *MemoryRepository) List(_ context.Context, f Filter) ([]Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	search := strings.ToLower(f.Search)
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		if f.Role != "" && m.Role != f.Role {
			continue
		}
		if f.QG != "" && m.QG != f.QG {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(m.Name), search) &&
			!strings.Contains(strings.ToLower(m.Email), search) &&
			!strings.Contains(strings.ToLower(m.Position), search) {
			continue
		}
		out = append(out, *m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Update performs a compare-and-set on the member version.
func (r *MemoryRepository) Update(_ context.Context, m *Member, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.members[m.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	if r.emailTaken(m.Email, m.ID) {
		return ErrDuplicateEmail
	}
	m.Version = expectedVersion + 1
	m.CreatedAt = cur.CreatedAt
	m.UpdatedAt = r.now().UTC()
	r.members[m.ID] = m.Clone()
	return nil
}

// Delete removes a member and returns it.
func (r *MemoryRepository) Delete(_ context.Context, id string) (*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(r.members, id)
	for tok, rt := range r.tokens {
		if rt.memberID == id {
			delete(r.tokens, tok)
		}
	}
	return m, nil
}

// CountByRole counts members having role.
func (r *MemoryRepository) CountByRole(_ context.Context, role string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.members {
		if m.Role == role {
			n++
		}
	}
	return n, nil
}

// EnsureCompany creates the company unless one with qrCode exists.
func (r *MemoryRepository) EnsureCompany(_ context.Context, name, qrCode string) (Company, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.companies[qrCode]; ok {
		return c, false, nil
	}
	c := Company{ID: uuid.NewString(), Name: name, QRCode: qrCode}
	r.companies[qrCode] = c
	return c, true, nil
}

// GetCompanyByQRCode looks a company up by its QR payload.
func (r *MemoryRepository) GetCompanyByQRCode(_ context.Context, qrCode string) (Company, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.companies[qrCode]
	if !ok {
		return Company{}, ErrNotFound
	}
	return c, nil
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *MemoryRepository) SaveRefreshToken(_ context.Context, memberID, token string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = refreshToken{memberID: memberID, expiresAt: expiresAt}
	return nil
}

// RefreshTokenActive reports whether token is known, unrevoked and unexpired.
func (r *MemoryRepository) RefreshTokenActive(_ context.Context, token string, now time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tokens[token]
	return ok && !rt.revoked && now.Before(rt.expiresAt), nil
}

// RevokeRefreshToken marks a token revoked.
func (r *MemoryRepository) RevokeRefreshToken(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.tokens[token]; ok {
		rt.revoked = true
		r.tokens[token] = rt
	}
	return nil
}
