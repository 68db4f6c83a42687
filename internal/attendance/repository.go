package attendance

import (
	"context"
	"time"
)

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Role   string
	QG     string
	Search string // case-insensitive match on name, email or position
}

// Company is the organisation whose QR code members scan on arrival.
type Company struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	QRCode string `json:"qrCode"`
}

// Repository is the document store adapter for members.
type Repository interface {
	Create(ctx context.Context, m *Member) error
	Get(ctx context.Context, id string) (*Member, error)
	GetByEmail(ctx context.Context, email string) (*Member, error)
	List(ctx context.Context, f Filter) ([]Member, error)
	// Update writes m only if the stored version still equals expectedVersion,
	// returning ErrConflict otherwise. On success m.Version is advanced.
	Update(ctx context.Context, m *Member, expectedVersion int64) error
	Delete(ctx context.Context, id string) (*Member, error)
	CountByRole(ctx context.Context, role string) (int, error)

	EnsureCompany(ctx context.Context, name, qrCode string) (Company, bool, error)
	GetCompanyByQRCode(ctx context.Context, qrCode string) (Company, error)

	SaveRefreshToken(ctx context.Context, memberID, token string, expiresAt time.Time) error
	RefreshTokenActive(ctx context.Context, token string, now time.Time) (bool, error)
	RevokeRefreshToken(ctx context.Context, token string) error
}
