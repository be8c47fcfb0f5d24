package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/agency-portal/internal/auth"
	"github.com/odyssey-erp/agency-portal/internal/identity"
	"github.com/odyssey-erp/agency-portal/internal/rbac"
	"github.com/odyssey-erp/agency-portal/internal/shared"
	_ "github.com/odyssey-erp/agency-portal/testing"
)

const testPassword = "correct-horse-battery"

type stubRepo struct {
	mu       sync.Mutex
	users    map[string]*auth.User
	sessions map[string]string
}

func newStubRepo(t *testing.T, users ...auth.User) *stubRepo {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &stubRepo{users: make(map[string]*auth.User), sessions: make(map[string]string)}
	for i := range users {
		u := users[i]
		u.PasswordHash = string(hashed)
		repo.users[strings.ToLower(u.Email)] = &u
	}
	return repo
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[strings.ToLower(email)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return u, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id, userID string, expiresAt time.Time, ip, ua string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *stubRepo) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *stubRepo) UpdateProfile(ctx context.Context, userID, name, email string) error {
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type authFixture struct {
	t        *testing.T
	router   chi.Router
	sessions *shared.SessionManager
	audit    *memoryAudit
	repo     *stubRepo
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessionManager := shared.NewSessionManager(redisClient, "test_session", "secret", time.Hour, false)
	repo := newStubRepo(t,
		auth.User{ID: "u-admin", Email: "admin@agency.test", Name: "Ada Admin", Role: "admin", IsActive: true, EmailVerified: true},
		auth.User{ID: "u-member", Email: "member@agency.test", Name: "Mo Member", Role: "member", IsActive: true, EmailVerified: true},
		auth.User{ID: "u-new", Email: "new@agency.test", Name: "Nia New", Role: "member", IsActive: true},
	)
	audit := &memoryAudit{}
	handler := auth.NewHandler(auth.HandlerConfig{
		Service:  auth.NewService(repo),
		Sessions: sessionManager,
		CSRF:     shared.NewCSRFManager("csrfsecret"),
		Guard:    rbac.NewRouteGuard(false),
		Audit:    audit,
	})
	router := chi.NewRouter()
	router.Route("/auth", handler.MountRoutes)
	return &authFixture{t: t, router: router, sessions: sessionManager, audit: audit, repo: repo}
}

// browser carries the session cookie between requests the way a real client would.
type browser struct {
	f      *authFixture
	cookie *http.Cookie
}

func (f *authFixture) browser() *browser {
	return &browser{f: f}
}

func (b *browser) do(method, path string, body any) *httptest.ResponseRecorder {
	t := b.f.t
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if b.cookie != nil {
		req.AddCookie(b.cookie)
	}
	sess, err := b.f.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	ctx := shared.ContextWithSession(req.Context(), sess)
	ctx = identity.WithSession(ctx, identity.Restore(sess))
	req = req.WithContext(ctx)

	res := httptest.NewRecorder()
	b.f.router.ServeHTTP(res, req)
	require.NoError(t, b.f.sessions.Commit(ctx, res, req, sess))

	for _, c := range (&http.Response{Header: res.Header()}).Cookies() {
		if c.Name != b.f.sessions.CookieName() {
			continue
		}
		if c.MaxAge < 0 {
			b.cookie = nil
		} else {
			b.cookie = c
		}
	}
	return res
}

func (b *browser) login(email string) *httptest.ResponseRecorder {
	return b.do(http.MethodPost, "/auth/login", map[string]string{"email": email, "password": testPassword})
}

type stateBody struct {
	Authenticated bool                `json:"isAuthenticated"`
	Impersonating bool                `json:"impersonating"`
	Principal     *identity.Principal `json:"principal"`
	Original      *identity.Principal `json:"originalPrincipal"`
	Permissions   []string            `json:"permissions"`
	CSRFToken     string              `json:"csrfToken"`
	Redirect      string              `json:"redirect"`
}

func decodeState(t *testing.T, res *httptest.ResponseRecorder) stateBody {
	t.Helper()
	var out stateBody
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func problemDetail(t *testing.T, res *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	return out.Detail
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newAuthFixture(t)
	b := f.browser()

	res := b.do(http.MethodPost, "/auth/login", map[string]string{"email": "admin@agency.test", "password": "wrong-password"})
	require.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "Invalid email or password", problemDetail(t, res))

	res = b.do(http.MethodPost, "/auth/login", map[string]string{"email": "ghost@agency.test", "password": testPassword})
	require.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "Invalid email or password", problemDetail(t, res))

	me := decodeState(t, b.do(http.MethodGet, "/auth/me", nil))
	assert.False(t, me.Authenticated)
	assert.Nil(t, me.Principal)
	assert.Empty(t, f.audit.actions())
}

func TestLoginUnverifiedAccount(t *testing.T) {
	f := newAuthFixture(t)

	res := f.browser().login("new@agency.test")
	require.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Contains(t, problemDetail(t, res), "verify your email")
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	f := newAuthFixture(t)

	res := f.browser().do(http.MethodPost, "/auth/login", map[string]string{"email": "not-an-email", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestLoginEstablishesSession(t *testing.T) {
	f := newAuthFixture(t)
	b := f.browser()

	res := b.login("admin@agency.test")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	state := decodeState(t, res)
	assert.True(t, state.Authenticated)
	require.NotNil(t, state.Principal)
	assert.Equal(t, "u-admin", state.Principal.ID)
	assert.Equal(t, identity.KindAdmin, state.Principal.Kind)
	assert.Equal(t, "/", state.Redirect)
	assert.NotEmpty(t, state.CSRFToken)
	assert.Contains(t, state.Permissions, shared.PermImpersonate)
	require.NotNil(t, b.cookie)

	me := decodeState(t, b.do(http.MethodGet, "/auth/me", nil))
	assert.True(t, me.Authenticated)
	assert.Equal(t, "u-admin", me.Principal.ID)
	assert.Equal(t, state.CSRFToken, me.CSRFToken)

	f.repo.mu.Lock()
	assert.Equal(t, "u-admin", f.repo.sessions[b.cookie.Value])
	f.repo.mu.Unlock()
	assert.Equal(t, []string{"auth.login"}, f.audit.actions())
}

func TestLoginRegeneratesSessionID(t *testing.T) {
	f := newAuthFixture(t)
	b := f.browser()

	b.do(http.MethodGet, "/auth/me", nil)
	require.NotNil(t, b.cookie)
	anonymous := b.cookie.Value

	b.login("admin@agency.test")
	require.NotNil(t, b.cookie)
	assert.NotEqual(t, anonymous, b.cookie.Value)
}

func TestImpersonateClientFlow(t *testing.T) {
	f := newAuthFixture(t)
	b := f.browser()
	require.Equal(t, http.StatusOK, b.login("admin@agency.test").Code)

	res := b.do(http.MethodPost, "/auth/impersonate/client", identity.ClientTarget{
		ClientID: "c42",
		Name:     "Acme",
		Email:    "ops@acme.test",
		Company:  "Acme Ltd",
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	state := decodeState(t, res)
	assert.True(t, state.Impersonating)
	require.NotNil(t, state.Principal)
	assert.Equal(t, "c42", state.Principal.ID)
	assert.Equal(t, identity.KindClient, state.Principal.Kind)
	assert.True(t, state.Principal.Impersonated)
	require.NotNil(t, state.Original)
	assert.Equal(t, "u-admin", state.Original.ID)
	assert.NotContains(t, state.Permissions, shared.PermImpersonate)

	me := decodeState(t, b.do(http.MethodGet, "/auth/me", nil))
	assert.True(t, me.Impersonating)
	assert.Equal(t, "c42", me.Principal.ID)

	nested := b.do(http.MethodPost, "/auth/impersonate/member", identity.MemberTarget{
		MemberID: "m7",
		Name:     "Sam",
		Role:     identity.RoleMember,
	})
	assert.Equal(t, http.StatusForbidden, nested.Code)

	res = b.do(http.MethodPost, "/auth/impersonate/stop", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	state = decodeState(t, res)
	assert.False(t, state.Impersonating)
	assert.Equal(t, "u-admin", state.Principal.ID)
	assert.Nil(t, state.Original)
	assert.Equal(t, "/", state.Redirect)

	assert.Equal(t, []string{"auth.login", "impersonation.start", "impersonation.stop"}, f.audit.actions())
}

func TestStopWithoutImpersonation(t *testing.T) {
	f := newAuthFixture(t)
	b := f.browser()
	b.login("admin@agency.test")

	res := b.do(http.MethodPost, "/auth/impersonate/stop", nil)
	assert.Equal(t, http.StatusConflict, res.Code)
}

func TestMemberCannotImpersonate(t *testing.T) {
	f := newAuthFixture(t)
	b := f.browser()
	require.Equal(t, http.StatusOK, b.login("member@agency.test").Code)

	res := b.do(http.MethodPost, "/auth/impersonate/client", identity.ClientTarget{ClientID: "c42", Name: "Acme"})
	assert.Equal(t, http.StatusForbidden, res.Code)

	me := decodeState(t, b.do(http.MethodGet, "/auth/me", nil))
	assert.False(t, me.Impersonating)
	assert.Equal(t, "u-member", me.Principal.ID)
}

func TestAnonymousImpersonationIsUnauthorized(t *testing.T) {
	f := newAuthFixture(t)

	res := f.browser().do(http.MethodPost, "/auth/impersonate/client", identity.ClientTarget{ClientID: "c42", Name: "Acme"})
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestRouteAccess(t *testing.T) {
	f := newAuthFixture(t)
	b := f.browser()

	access := func(path string) bool {
		res := b.do(http.MethodGet, "/auth/routes/access?path="+path, nil)
		require.Equal(t, http.StatusOK, res.Code)
		var out struct {
			Allowed bool `json:"allowed"`
		}
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
		return out.Allowed
	}

	assert.True(t, access("/login"))
	assert.False(t, access("/requests"))

	b.login("member@agency.test")
	assert.True(t, access("/requests"))
	assert.False(t, access("/impersonation"))
	assert.False(t, access("/no-such-page"))

	res := b.do(http.MethodGet, "/auth/routes/access", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestLogoutClearsSession(t *testing.T) {
	f := newAuthFixture(t)
	b := f.browser()
	b.login("admin@agency.test")
	require.NotNil(t, b.cookie)
	sessionID := b.cookie.Value

	res := b.do(http.MethodPost, "/auth/logout", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var out struct {
		Redirect string `json:"redirect"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	assert.Equal(t, "/login", out.Redirect)
	assert.Nil(t, b.cookie)

	f.repo.mu.Lock()
	_, stillThere := f.repo.sessions[sessionID]
	f.repo.mu.Unlock()
	assert.False(t, stillThere)

	me := decodeState(t, b.do(http.MethodGet, "/auth/me", nil))
	assert.False(t, me.Authenticated)
}

func TestProfileLockedWhileImpersonating(t *testing.T) {
	f := newAuthFixture(t)
	b := f.browser()
	b.login("admin@agency.test")

	res := b.do(http.MethodPatch, "/auth/profile", map[string]string{"name": "Ada L."})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, "Ada L.", decodeState(t, res).Principal.Name)

	b.do(http.MethodPost, "/auth/impersonate/client", identity.ClientTarget{ClientID: "c42", Name: "Acme"})
	res = b.do(http.MethodPatch, "/auth/profile", map[string]string{"name": "Someone Else"})
	assert.Equal(t, http.StatusConflict, res.Code)
}

func TestCorruptStoredIdentityStartsLoggedOut(t *testing.T) {
	f := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := f.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	sess.Set(identity.KeyUser, "{not json")
	primed := httptest.NewRecorder()
	require.NoError(t, f.sessions.Commit(context.Background(), primed, req, sess))

	b := f.browser()
	b.cookie = &http.Cookie{Name: f.sessions.CookieName(), Value: sess.ID}
	me := decodeState(t, b.do(http.MethodGet, "/auth/me", nil))
	assert.False(t, me.Authenticated)
	assert.Nil(t, me.Principal)
}
