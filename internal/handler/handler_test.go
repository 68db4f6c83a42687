package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/clock"
	"qrattend/internal/media"
	"qrattend/internal/queue"
)

func init() { gin.SetMode(gin.TestMode) }

type env struct {
	t      *testing.T
	router *gin.Engine
	svc    *attendance.Service
	repo   *attendance.MemoryRepository
	issuer *auth.Issuer
	clock  *clock.Fixed
	queue  *queue.InMemory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk, err := clock.NewFixedDay("2026-03-02")
	require.NoError(t, err)
	repo := attendance.NewMemoryRepository()
	store, err := media.NewDiskStore(t.TempDir(), "http://localhost:8000")
	require.NoError(t, err)
	issuer := auth.NewIssuer("qrattend", "test-key", time.Hour, 24*time.Hour)
	issuer.Now = clk.Now
	q := queue.NewInMemory(16)

	svc := attendance.NewService(repo, clk, zap.NewNop()).
		WithMedia(store).
		WithQueue(q).
		WithTokens(issuer)
	_, err = svc.EnsureCompany(context.Background(), "MaEntreprise", "company_123")
	require.NoError(t, err)

	r := gin.New()
	New(svc, issuer, zap.NewNop()).
		WithHealthCheck("db", func(context.Context) bool { return true }).
		Register(r)
	return &env{t: t, router: r, svc: svc, repo: repo, issuer: issuer, clock: clk, queue: q}
}

func (e *env) member(name, email, role string) *attendance.Member {
	e.t.Helper()
	pw := "secret1"
	pos, num, qg := "Dev", "0600000000", "Paris"
	in := attendance.MemberInput{Name: &name, Position: &pos, Number: &num, QG: &qg, Role: &role}
	if email != "" {
		in.Email = &email
		in.Password = &pw
	}
	m, err := e.svc.CreateMember(context.Background(), in, nil)
	require.NoError(e.t, err)
	return m
}

func (e *env) token(m *attendance.Member) string {
	e.t.Helper()
	pair, err := e.issuer.Issue(m.ID, m.Role)
	require.NoError(e.t, err)
	return pair.AccessToken
}

func (e *env) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["db"])
}

func TestRegisterAdminOpenOnlyOnce(t *testing.T) {
	e := newEnv(t)
	body := map[string]any{
		"name": "Root", "email": "root@example.com", "password": "secret1",
		"position": "CEO", "number": "1", "qg": "Paris", "role": "employe",
	}
	w := e.do(http.MethodPost, "/api/auth/register-admin", "", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	user := decode(t, w)["user"].(map[string]any)
	assert.Equal(t, "admin", user["role"])
	assert.NotContains(t, user, "passwordHash")

	body["email"] = "second@example.com"
	w = e.do(http.MethodPost, "/api/auth/register-admin", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	emp := e.member("Emp", "emp@example.com", attendance.RoleEmployee)
	w = e.do(http.MethodPost, "/api/auth/register-admin", e.token(emp), body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin, err := e.repo.GetByEmail(context.Background(), "root@example.com")
	require.NoError(t, err)
	w = e.do(http.MethodPost, "/api/auth/register-admin", e.token(admin), body)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestLoginAndRefresh(t *testing.T) {
	e := newEnv(t)
	m := e.member("Awa", "awa@example.com", attendance.RoleEmployee)

	w := e.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "awa@example.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, m.ID, out["userId"])
	assert.Equal(t, "employe", out["role"])
	token := out["token"].(string)

	w = e.do(http.MethodGet, "/api/membres/"+m.ID, token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": out["refresh_token"].(string)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decode(t, w)["token"])

	w = e.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "awa@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	errs := decode(t, w)["errors"].([]any)
	assert.Contains(t, errs, "invalid email format")
	assert.Contains(t, errs, "password is required")
}

func TestMemberCRUD(t *testing.T) {
	e := newEnv(t)
	admin := e.token(e.member("Root", "root@example.com", attendance.RoleAdmin))

	w := e.do(http.MethodPost, "/api/membres", admin, map[string]any{"name": "Awa"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	errs := decode(t, w)["errors"].([]any)
	assert.Contains(t, errs, "position is required")
	assert.Contains(t, errs, "number is required")
	assert.Contains(t, errs, "qg is required")

	w = e.do(http.MethodPost, "/api/membres", admin, map[string]any{
		"name": "Awa", "position": "Dev", "number": "12", "qg": "Paris",
		"contractStart": "2026-01-01", "contractEnd": "2025-12-01",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["errors"], "contract end cannot be before contract start")

	w = e.do(http.MethodPost, "/api/membres", admin, map[string]any{
		"name": "Awa", "position": "Dev", "number": "12", "qg": "Paris", "email": "awa@example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["membre"].(map[string]any)["id"].(string)

	w = e.do(http.MethodPost, "/api/membres", admin, map[string]any{
		"name": "Other", "position": "Dev", "number": "13", "qg": "Paris", "email": "awa@example.com",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodPut, "/api/membres/"+id, admin, map[string]any{"position": "Lead"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Lead", decode(t, w)["membre"].(map[string]any)["position"])

	w = e.do(http.MethodGet, "/api/membres?search=awa", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)

	w = e.do(http.MethodDelete, "/api/membres/"+id, admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(http.MethodGet, "/api/membres/"+id, admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMemberWritesNeedAdmin(t *testing.T) {
	e := newEnv(t)
	emp := e.member("Emp", "emp@example.com", attendance.RoleEmployee)

	w := e.do(http.MethodPost, "/api/membres", e.token(emp), map[string]any{"name": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = e.do(http.MethodGet, "/api/membres", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = e.do(http.MethodGet, "/api/auth/users", e.token(emp), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func multipartBody(t *testing.T, fields map[string]string, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="`+filename+`"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestCreateMemberWithImage(t *testing.T) {
	e := newEnv(t)
	admin := e.token(e.member("Root", "root@example.com", attendance.RoleAdmin))
	fields := map[string]string{"name": "Awa", "position": "Dev", "number": "12", "qg": "Paris", "salary": "1500"}

	body, ct := multipartBody(t, fields, "me.png", "image/png", []byte("\x89PNG"))
	req := httptest.NewRequest(http.MethodPost, "/api/membres", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+admin)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	m := decode(t, w)["membre"].(map[string]any)
	assert.Contains(t, m["image"], "http://localhost:8000/uploads/users/")
	assert.Equal(t, 1500.0, m["salary"])

	body, ct = multipartBody(t, fields, "doc.pdf", "application/pdf", []byte("%PDF"))
	req = httptest.NewRequest(http.MethodPost, "/api/membres", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+admin)
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScan(t *testing.T) {
	e := newEnv(t)
	awa := e.member("Awa", "awa@example.com", attendance.RoleEmployee)
	bob := e.member("Bob", "bob@example.com", attendance.RoleEmployee)
	admin := e.token(e.member("Root", "root@example.com", attendance.RoleAdmin))

	w := e.do(http.MethodPost, "/api/scan", e.token(awa), map[string]string{"id": awa.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	m := decode(t, w)["membre"].(map[string]any)
	assert.Equal(t, true, m["present"])
	assert.Equal(t, "2026-03-02", m["lastScan"])

	w = e.do(http.MethodPost, "/api/scan", e.token(awa), map[string]string{"id": awa.ID})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Awa already scanned today", decode(t, w)["error"])

	w = e.do(http.MethodPost, "/api/scan", e.token(awa), map[string]string{"id": bob.ID})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/api/scan", admin, map[string]string{"id": bob.ID})
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodPost, "/api/scan", admin, map[string]string{"id": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodPost, "/api/scan", admin, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["errors"], "id is required")
}

func TestScanCompany(t *testing.T) {
	e := newEnv(t)
	awa := e.member("Awa", "awa@example.com", attendance.RoleEmployee)
	tok := e.token(awa)

	w := e.do(http.MethodPost, "/api/scan/entreprise", tok, map[string]string{"userId": awa.ID, "qrCodeEntreprise": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/scan/entreprise", tok, map[string]string{"userId": awa.ID, "qrCodeEntreprise": "company_123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "MaEntreprise", decode(t, w)["entreprise"])
}

func TestPresencesAndHistory(t *testing.T) {
	e := newEnv(t)
	awa := e.member("Awa", "awa@example.com", attendance.RoleEmployee)
	bob := e.member("Bob", "bob@example.com", attendance.RoleEmployee)
	admin := e.token(e.member("Root", "root@example.com", attendance.RoleAdmin))

	w := e.do(http.MethodPut, "/api/presences/"+awa.ID, admin, map[string]any{"date": "2026-03-01", "present": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = e.do(http.MethodPut, "/api/presences/"+awa.ID, admin, map[string]any{"date": "2026-03-09", "present": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(http.MethodPut, "/api/presences/"+awa.ID, admin, map[string]any{"date": "01/03/2026", "present": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(http.MethodPut, "/api/presences/"+awa.ID, admin, map[string]any{"date": "2026-03-01"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/api/presences?date=2026-03-01", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var presences []attendance.Presence
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &presences))
	byID := map[string]attendance.Presence{}
	for _, p := range presences {
		byID[p.MemberID] = p
	}
	assert.True(t, byID[awa.ID].Present)
	assert.False(t, byID[bob.ID].Recorded)

	w = e.do(http.MethodGet, "/api/historique/"+awa.ID+"?from=2026-03-01&to=2026-03-02", e.token(awa), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist attendance.MemberHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, []attendance.HistoryEntry{{Date: "2026-03-01", Present: true}}, hist.History)
	assert.Equal(t, 1, hist.Summary.Present)

	w = e.do(http.MethodGet, "/api/historique/"+awa.ID, e.token(bob), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodGet, "/api/historique", admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBadge(t *testing.T) {
	e := newEnv(t)
	awa := e.member("Awa", "awa@example.com", attendance.RoleEmployee)
	w := e.do(http.MethodGet, "/api/membres/"+awa.ID+"/qrcode", e.token(awa), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
}

func TestUpdateUserSelf(t *testing.T) {
	e := newEnv(t)
	awa := e.member("Awa", "awa@example.com", attendance.RoleEmployee)
	bob := e.member("Bob", "bob@example.com", attendance.RoleEmployee)
	tok := e.token(awa)

	w := e.do(http.MethodPut, "/api/auth/update-user/"+awa.ID, tok, map[string]any{"nationality": "SN"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(http.MethodPut, "/api/auth/update-user/"+awa.ID, tok, map[string]any{"role": "admin"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPut, "/api/auth/update-user/"+bob.ID, tok, map[string]any{"nationality": "SN"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPut, "/api/auth/update-user/"+awa.ID, tok, map[string]any{"role": "boss"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestReconcile(t *testing.T) {
	e := newEnv(t)
	admin := e.token(e.member("Root", "root@example.com", attendance.RoleAdmin))
	w := e.do(http.MethodPost, "/api/admin/reconcile", admin, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, decode(t, w)["job_id"])
}
