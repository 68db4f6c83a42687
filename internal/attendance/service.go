package attendance

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"qrattend/internal/auth"
	"qrattend/internal/clock"
	"qrattend/internal/media"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
)

// maxAttempts bounds the read-modify-write loop around a conditional update.
const maxAttempts = 3

// Publisher is the write side of a queue.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Image is an uploaded profile picture.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Service coordinates member records, scans and presence edits.
type Service struct {
	repo    Repository
	clock   clock.Clock
	log     *zap.Logger
	media   media.Store
	queue   Publisher
	metrics *metrics.Metrics
	tokens  *auth.Issuer

	bootstrap sync.Mutex
}

// NewService creates a service backed by a repository. "Today" is always
// taken from clk.
func NewService(repo Repository, clk clock.Clock, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, clock: clk, log: log}
}

// WithMedia sets the image store.
func (s *Service) WithMedia(store media.Store) *Service { s.media = store; return s }

// WithQueue sets the publisher used for scan events and reconcile requests.
func (s *Service) WithQueue(p Publisher) *Service { s.queue = p; return s }

// WithMetrics sets the collectors.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service { s.metrics = m; return s }

// WithTokens sets the JWT issuer used by Login and Refresh.
func (s *Service) WithTokens(i *auth.Issuer) *Service { s.tokens = i; return s }

// Today returns the current calendar day.
func (s *Service) Today() string { return clock.Today(s.clock) }

// CreateMember validates and stores a new member. A password is optional.
func (s *Service) CreateMember(ctx context.Context, in MemberInput, img *Image) (*Member, error) {
	return s.create(ctx, in, img, false)
}

// Register creates a member that can log in, so email and password are required.
func (s *Service) Register(ctx context.Context, in MemberInput, img *Image) (*Member, error) {
	return s.create(ctx, in, img, true)
}

func (s *Service) create(ctx context.Context, in MemberInput, img *Image, requirePassword bool) (*Member, error) {
	m := &Member{Role: RoleEmployee, History: []HistoryEntry{}}
	in.apply(m)
	if err := validateMember(m, in.Password, requirePassword, s.clock.Now()); err != nil {
		return nil, err
	}
	if in.Password != nil {
		hash, err := auth.HashPassword(*in.Password)
		if err != nil {
			return nil, err
		}
		m.PasswordHash = hash
	}

	if img != nil {
		obj, err := s.saveImage(ctx, img)
		if err != nil {
			return nil, err
		}
		m.Image, m.ImageKey = obj.URL, obj.Key
	}

	if err := s.repo.Create(ctx, m); err != nil {
		s.releaseImage(ctx, m.ImageKey)
		return nil, persistErr("create member", err)
	}
	s.log.Info("member created", zap.String("member_id", m.ID), zap.String("role", m.Role))
	return m, nil
}

// GetMember returns a member with Present derived from today's history entry.
func (s *Service) GetMember(ctx context.Context, id string) (*Member, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, persistErr("get member", err)
	}
	m.RecomputePresent(s.Today())
	return m, nil
}

// ListMembers returns matching members; Present is recomputed for today without writing.
func (s *Service) ListMembers(ctx context.Context, f Filter) ([]Member, error) {
	list, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, persistErr("list members", err)
	}
	today := s.Today()
	for i := range list {
		list[i].RecomputePresent(today)
	}
	return list, nil
}

// RegisterFirstAdmin creates an admin only while none exists. Concurrent
// callers are serialised so at most one of them succeeds.
func (s *Service) RegisterFirstAdmin(ctx context.Context, in MemberInput, img *Image) (*Member, error) {
	s.bootstrap.Lock()
	defer s.bootstrap.Unlock()

	exists, err := s.AdminExists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAdminExists
	}
	role := RoleAdmin
	in.Role = &role
	return s.create(ctx, in, img, true)
}

// AdminExists reports whether at least one admin is registered.
func (s *Service) AdminExists(ctx context.Context) (bool, error) {
	n, err := s.repo.CountByRole(ctx, RoleAdmin)
	if err != nil {
		return false, persistErr("count admins", err)
	}
	return n > 0, nil
}

// UpdateMember applies a patch. A new image replaces and releases the old one.
func (s *Service) UpdateMember(ctx context.Context, id string, in MemberInput, img *Image) (*Member, error) {
	var hash string
	if in.Password != nil {
		// length is checked by validateMember below; hash once outside the retry loop
		var err error
		if hash, err = auth.HashPassword(*in.Password); err != nil {
			return nil, err
		}
	}

	var uploaded *media.Object
	if img != nil {
		obj, err := s.saveImage(ctx, img)
		if err != nil {
			return nil, err
		}
		uploaded = &obj
	}

	m, oldKey, err := s.update(ctx, id, func(m *Member) error {
		in.apply(m)
		if err := validateMember(m, in.Password, false, s.clock.Now()); err != nil {
			return err
		}
		if hash != "" {
			m.PasswordHash = hash
		}
		if uploaded != nil {
			m.Image, m.ImageKey = uploaded.URL, uploaded.Key
		}
		return nil
	})
	if err != nil {
		if uploaded != nil {
			s.releaseImage(ctx, uploaded.Key)
		}
		return nil, err
	}
	if uploaded != nil && oldKey != "" && oldKey != uploaded.Key {
		s.releaseImage(ctx, oldKey)
	}
	return m, nil
}

// update runs mutate on a fresh copy and writes it back with a version check,
// retrying on conflicts. It returns the image key the member had before.
func (s *Service) update(ctx context.Context, id string, mutate func(*Member) error) (*Member, string, error) {
	for attempt := 1; ; attempt++ {
		m, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, "", persistErr("get member", err)
		}
		oldKey := m.ImageKey
		version := m.Version
		if err := mutate(m); err != nil {
			return nil, "", err
		}
		m.RecomputePresent(s.Today())

		err = s.repo.Update(ctx, m, version)
		if errors.Is(err, ErrConflict) && attempt < maxAttempts {
			continue
		}
		if err != nil {
			return nil, "", persistErr("update member", err)
		}
		return m, oldKey, nil
	}
}

// DeleteMember removes a member and releases its image.
func (s *Service) DeleteMember(ctx context.Context, id string) (*Member, error) {
	m, err := s.repo.Delete(ctx, id)
	if err != nil {
		return nil, persistErr("delete member", err)
	}
	s.releaseImage(ctx, m.ImageKey)
	s.log.Info("member deleted", zap.String("member_id", id))
	return m, nil
}

// RecordScan marks the member present for today. It rejects a second scan
// on the same day with *AlreadyScannedError and leaves the member unchanged.
// The write is conditional on the version read, so of two concurrent scans
// exactly one succeeds and the other is re-evaluated and rejected.
func (s *Service) RecordScan(ctx context.Context, memberID string) (*Member, error) {
	m, err := s.recordScan(ctx, memberID)
	switch {
	case err == nil:
		s.metrics.ScanResult("accepted")
	case errors.Is(err, ErrAlreadyScanned):
		s.metrics.ScanResult("already_scanned")
	case errors.Is(err, ErrNotFound):
		s.metrics.ScanResult("not_found")
	default:
		s.metrics.ScanResult("error")
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("scan recorded", zap.String("member_id", m.ID), zap.String("date", *m.LastScan))
	s.publish(ctx, queue.TypeScan, queue.ScanEvent{MemberID: m.ID, Name: m.Name, Date: *m.LastScan})
	return m, nil
}

func (s *Service) recordScan(ctx context.Context, memberID string) (*Member, error) {
	for attempt := 1; ; attempt++ {
		today := s.Today()
		m, err := s.repo.Get(ctx, memberID)
		if err != nil {
			return nil, persistErr("get member", err)
		}
		version := m.Version
		if err := m.MarkPresent(today); err != nil {
			return nil, err
		}

		err = s.repo.Update(ctx, m, version)
		if errors.Is(err, ErrConflict) && attempt < maxAttempts {
			continue
		}
		if err != nil {
			return nil, persistErr("record scan", err)
		}
		return m, nil
	}
}

// ScanCompany records a scan made by a member on the company QR code.
func (s *Service) ScanCompany(ctx context.Context, memberID, qrCode string) (*Member, Company, error) {
	c, err := s.repo.GetCompanyByQRCode(ctx, qrCode)
	if errors.Is(err, ErrNotFound) {
		return nil, Company{}, ErrInvalidCompanyCode
	}
	if err != nil {
		return nil, Company{}, persistErr("get company", err)
	}
	m, err := s.RecordScan(ctx, memberID)
	return m, c, err
}

// EnsureCompany registers the company unless its QR code is already known.
func (s *Service) EnsureCompany(ctx context.Context, name, qrCode string) (Company, error) {
	c, created, err := s.repo.EnsureCompany(ctx, name, qrCode)
	if err != nil {
		return Company{}, persistErr("ensure company", err)
	}
	if created {
		s.log.Info("company created", zap.String("name", c.Name), zap.String("qr_code", c.QRCode))
	}
	return c, nil
}

// SetPresence overrides a member's entry for a past or current day.
func (s *Service) SetPresence(ctx context.Context, memberID, date string, present bool) (*Member, error) {
	today := s.Today()
	if err := checkDay("date", date, today); err != nil {
		return nil, err
	}
	m, _, err := s.update(ctx, memberID, func(m *Member) error {
		m.SetEntry(date, present, today)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("presence set", zap.String("member_id", memberID), zap.String("date", date), zap.Bool("present", present))
	return m, nil
}

func checkDay(field, date, today string) error {
	if _, err := clock.ParseDay(date); err != nil {
		return &ValidationError{Fields: []FieldError{{Field: field, Message: field + " must use the YYYY-MM-DD format"}}}
	}
	if date > today {
		return &ValidationError{Fields: []FieldError{{Field: field, Message: field + " cannot be in the future"}}}
	}
	return nil
}

// Presence is a member's status on one day.
type Presence struct {
	MemberID string `json:"userId"`
	Name     string `json:"name"`
	Position string `json:"position"`
	QG       string `json:"qg"`
	Date     string `json:"date"`
	Present  bool   `json:"present"`
	Recorded bool   `json:"recorded"`
}

// PresencesOn lists every member's status on date, today when empty.
func (s *Service) PresencesOn(ctx context.Context, date string) ([]Presence, error) {
	today := s.Today()
	if date == "" {
		date = today
	} else if _, err := clock.ParseDay(date); err != nil {
		return nil, &ValidationError{Fields: []FieldError{{Field: "date", Message: "date must use the YYYY-MM-DD format"}}}
	}
	list, err := s.repo.List(ctx, Filter{})
	if err != nil {
		return nil, persistErr("list members", err)
	}
	out := make([]Presence, 0, len(list))
	for _, m := range list {
		e, ok := m.EntryFor(date)
		out = append(out, Presence{
			MemberID: m.ID,
			Name:     m.Name,
			Position: m.Position,
			QG:       m.QG,
			Date:     date,
			Present:  ok && e.Present,
			Recorded: ok,
		})
	}
	return out, nil
}

// MemberHistory is one member's attendance over a date range.
type MemberHistory struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	History []HistoryEntry `json:"history"`
	Summary Summary        `json:"summary"`
}

// History returns every member's full history.
func (s *Service) History(ctx context.Context) ([]MemberHistory, error) {
	list, err := s.repo.List(ctx, Filter{})
	if err != nil {
		return nil, persistErr("list members", err)
	}
	out := make([]MemberHistory, 0, len(list))
	for _, m := range list {
		h := m.HistoryBetween("", "")
		out = append(out, MemberHistory{ID: m.ID, Name: m.Name, History: h, Summary: Summarize(h)})
	}
	return out, nil
}

// HistoryOf returns one member's entries within [from, to]; empty bounds are open.
func (s *Service) HistoryOf(ctx context.Context, id, from, to string) (MemberHistory, error) {
	verr := &ValidationError{}
	for _, b := range []struct{ field, value string }{{"from", from}, {"to", to}} {
		if b.value == "" {
			continue
		}
		if _, err := clock.ParseDay(b.value); err != nil {
			verr.add(b.field, b.field+" must use the YYYY-MM-DD format")
		}
	}
	if from != "" && to != "" && from > to {
		verr.add("from", "from cannot be after to")
	}
	if err := verr.orNil(); err != nil {
		return MemberHistory{}, err
	}

	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return MemberHistory{}, persistErr("get member", err)
	}
	h := m.HistoryBetween(from, to)
	return MemberHistory{ID: m.ID, Name: m.Name, History: h, Summary: Summarize(h)}, nil
}

// Login checks credentials and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (*Member, auth.TokenPair, error) {
	m, err := s.repo.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, auth.TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return nil, auth.TokenPair{}, persistErr("get member by email", err)
	}
	if !auth.CheckPassword(m.PasswordHash, password) {
		return nil, auth.TokenPair{}, ErrInvalidCredentials
	}
	pair, err := s.issue(ctx, m)
	if err != nil {
		return nil, auth.TokenPair{}, err
	}
	m.RecomputePresent(s.Today())
	s.log.Info("login", zap.String("member_id", m.ID))
	return m, pair, nil
}

// Refresh rotates a refresh token: the presented one is revoked and a new pair issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Member, auth.TokenPair, error) {
	if s.tokens == nil {
		return nil, auth.TokenPair{}, errors.New("token issuer not configured")
	}
	claims, err := s.tokens.Parse(refreshToken, auth.KindRefresh)
	if err != nil {
		return nil, auth.TokenPair{}, ErrInvalidCredentials
	}
	active, err := s.repo.RefreshTokenActive(ctx, refreshToken, s.clock.Now())
	if err != nil {
		return nil, auth.TokenPair{}, persistErr("check refresh token", err)
	}
	if !active {
		return nil, auth.TokenPair{}, ErrInvalidCredentials
	}
	m, err := s.repo.Get(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return nil, auth.TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return nil, auth.TokenPair{}, persistErr("get member", err)
	}
	if err := s.repo.RevokeRefreshToken(ctx, refreshToken); err != nil {
		return nil, auth.TokenPair{}, persistErr("revoke refresh token", err)
	}
	pair, err := s.issue(ctx, m)
	if err != nil {
		return nil, auth.TokenPair{}, err
	}
	return m, pair, nil
}

func (s *Service) issue(ctx context.Context, m *Member) (auth.TokenPair, error) {
	if s.tokens == nil {
		return auth.TokenPair{}, errors.New("token issuer not configured")
	}
	pair, err := s.tokens.Issue(m.ID, m.Role)
	if err != nil {
		return auth.TokenPair{}, err
	}
	if err := s.repo.SaveRefreshToken(ctx, m.ID, pair.RefreshToken, pair.RefreshExp); err != nil {
		return auth.TokenPair{}, persistErr("save refresh token", err)
	}
	return pair, nil
}

// RequestReconcile enqueues a reconciler run.
func (s *Service) RequestReconcile(ctx context.Context, requestedBy string) (queue.Message, error) {
	if s.queue == nil {
		return queue.Message{}, ErrNoQueue
	}
	msg, err := queue.NewMessage(queue.TypeReconcile, queue.ReconcileRequest{RequestedBy: requestedBy}, s.clock.Now())
	if err != nil {
		return queue.Message{}, err
	}
	if err := s.queue.Publish(ctx, msg); err != nil {
		s.metrics.PublishFailed()
		return queue.Message{}, err
	}
	s.log.Info("reconcile requested", zap.String("job_id", msg.ID), zap.String("requested_by", requestedBy))
	return msg, nil
}

// publish sends an event on a best-effort basis.
func (s *Service) publish(ctx context.Context, typ string, body any) {
	if s.queue == nil {
		return
	}
	msg, err := queue.NewMessage(typ, body, s.clock.Now())
	if err == nil {
		err = s.queue.Publish(ctx, msg)
	}
	if err != nil {
		s.metrics.PublishFailed()
		s.log.Warn("queue publish failed", zap.String("type", typ), zap.Error(err))
	}
}

func (s *Service) saveImage(ctx context.Context, img *Image) (media.Object, error) {
	if s.media == nil {
		return media.Object{}, errors.New("image storage not configured")
	}
	if err := media.CheckImage(img.Name, img.ContentType, int64(len(img.Data))); err != nil {
		return media.Object{}, &ValidationError{Fields: []FieldError{{Field: "image", Message: err.Error()}}}
	}
	obj, err := s.media.Save(ctx, img.Name, img.ContentType, img.Data)
	if err != nil {
		return media.Object{}, &PersistenceError{Op: "save image", Err: err}
	}
	return obj, nil
}

// releaseImage deletes a stored image; failures are logged only.
func (s *Service) releaseImage(ctx context.Context, key string) {
	if key == "" || s.media == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.media.Delete(ctx, key); err != nil {
		s.log.Warn("image release failed", zap.String("key", key), zap.Error(err))
	}
}
