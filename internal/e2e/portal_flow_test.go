package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/agency-portal/internal/activity"
	"github.com/odyssey-erp/agency-portal/internal/app"
	"github.com/odyssey-erp/agency-portal/internal/auth"
	"github.com/odyssey-erp/agency-portal/internal/identity"
	"github.com/odyssey-erp/agency-portal/internal/observability"
	"github.com/odyssey-erp/agency-portal/internal/rbac"
	"github.com/odyssey-erp/agency-portal/internal/requests"
	"github.com/odyssey-erp/agency-portal/internal/shared"
	_ "github.com/odyssey-erp/agency-portal/testing"
)

const password = "portal-password-1"

// userStore is an in-memory auth.Repository.
type userStore struct {
	users map[string]*auth.User
}

func (s *userStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	u, ok := s.users[strings.ToLower(email)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return u, nil
}

func (s *userStore) CreateSession(context.Context, string, string, time.Time, string, string) error {
	return nil
}

func (s *userStore) DeleteSession(context.Context, string) error { return nil }

func (s *userStore) DeleteExpiredSessions(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *userStore) UpdateProfile(context.Context, string, string, string) error { return nil }

// portalDB keeps requests and ledger entries together so a transaction covers both.
type portalDB struct {
	mu      sync.Mutex
	records map[string]requests.Record
	entries map[string]activity.Entry
}

func newPortalDB(records ...requests.Record) *portalDB {
	db := &portalDB{records: make(map[string]requests.Record), entries: make(map[string]activity.Entry)}
	for _, r := range records {
		db.records[r.ID] = r
	}
	return db
}

func (db *portalDB) Get(_ context.Context, id string) (requests.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.records[id]
	if !ok {
		return requests.Record{}, requests.ErrNotFound
	}
	return r, nil
}

func (db *portalDB) WithTx(ctx context.Context, fn func(context.Context, requests.TxRepository) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx := &portalTx{db: db, records: make(map[string]requests.Record), entries: make(map[string]activity.Entry)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, r := range tx.records {
		db.records[id] = r
	}
	for id, e := range tx.entries {
		db.entries[id] = e
	}
	return nil
}

type portalTx struct {
	db      *portalDB
	records map[string]requests.Record
	entries map[string]activity.Entry
}

func (tx *portalTx) InsertRecord(_ context.Context, r requests.Record) (requests.Record, error) {
	r.UpdatedAt = r.CreatedAt
	tx.records[r.ID] = r
	return r, nil
}

func (tx *portalTx) PatchField(_ context.Context, id string, field requests.Field, value string) (requests.Record, error) {
	r, ok := tx.records[id]
	if !ok {
		if r, ok = tx.db.records[id]; !ok {
			return requests.Record{}, requests.ErrNotFound
		}
	}
	switch field {
	case requests.FieldStatus:
		r.Status = requests.Status(value)
	case requests.FieldPriority:
		r.Priority = requests.Priority(value)
	case requests.FieldAssignedTo:
		r.AssignedTo = value
	case requests.FieldTitle:
		r.Title = value
	case requests.FieldDescription:
		r.Description = value
	case requests.FieldDueDate:
		r.DueDate = nil
		if value != "" {
			due, err := time.Parse("2006-01-02", value)
			if err != nil {
				return requests.Record{}, err
			}
			r.DueDate = &due
		}
	}
	r.UpdatedAt = r.UpdatedAt.Add(time.Second)
	tx.records[id] = r
	return r, nil
}

func (tx *portalTx) AppendActivity(_ context.Context, e activity.Entry) (activity.Entry, error) {
	tx.entries[e.ID] = e
	return e, nil
}

// ledger is the activity.Repository view of portalDB.
type ledger struct{ db *portalDB }

func (l ledger) Insert(_ context.Context, e activity.Entry) (activity.Entry, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	l.db.entries[e.ID] = e
	return e, nil
}

func (l ledger) Get(_ context.Context, id string) (activity.Entry, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	e, ok := l.db.entries[id]
	if !ok {
		return activity.Entry{}, activity.ErrNotFound
	}
	return e, nil
}

func (l ledger) ListByRequest(_ context.Context, requestID string) ([]activity.Entry, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	var out []activity.Entry
	for _, e := range l.db.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	// reverse id order; List re-sorts by time
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (l ledger) UpdateDescription(_ context.Context, id, description string) (activity.Entry, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	e, ok := l.db.entries[id]
	if !ok || e.EntityType != activity.EntityMessage {
		return activity.Entry{}, activity.ErrNotFound
	}
	e.Description = description
	l.db.entries[id] = e
	return e, nil
}

func (l ledger) Delete(_ context.Context, id string) error {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	if _, ok := l.db.entries[id]; !ok {
		return activity.ErrNotFound
	}
	delete(l.db.entries, id)
	return nil
}

type auditTrail struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditTrail) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditTrail) find(action string) (shared.AuditLog, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range a.logs {
		if l.Action == action {
			return l, true
		}
	}
	return shared.AuditLog{}, false
}

type portal struct {
	t      *testing.T
	server *httptest.Server
	db     *portalDB
	audit  *auditTrail
}

func startPortal(t *testing.T) *portal {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	users := &userStore{users: map[string]*auth.User{
		"admin@agency.test": {ID: "admin1", Email: "admin@agency.test", Name: "Ada Admin", Role: "admin",
			PasswordHash: string(hashed), IsActive: true, EmailVerified: true},
		"ops@acme.test": {ID: "u-acme", Email: "ops@acme.test", Name: "Acme Ops", Role: "client",
			ClientID: "c42", ClientName: "Acme", PasswordHash: string(hashed), IsActive: true, EmailVerified: true},
	}}

	created := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	db := newPortalDB(
		requests.Record{ID: "r7", Title: "Landing page", Status: requests.StatusSubmitted, Priority: requests.PriorityNone,
			ClientID: "c42", CreatedAt: created, UpdatedAt: created},
		requests.Record{ID: "r9", Title: "Other client work", Status: requests.StatusSubmitted, Priority: requests.PriorityLow,
			ClientID: "c99", CreatedAt: created, UpdatedAt: created},
	)
	audit := &auditTrail{}

	cfg := &app.Config{AppEnv: "test", StopImpersonationTarget: "dashboard", FieldUpdateOrdering: "request"}
	sessions := shared.NewSessionManager(redisClient, "portal_session", "secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrf-secret")
	rbacMW := rbac.Middleware{}
	metrics := observability.NewMetrics()

	ledgerService := activity.NewService(ledger{db: db}, activity.ServiceConfig{Audit: audit})
	requestService := requests.NewService(db, requests.NewWorkspace(cfg.Ordering()), requests.Config{Metrics: metrics})

	router := app.NewRouter(app.RouterParams{
		Config:         cfg,
		SessionManager: sessions,
		CSRFManager:    csrf,
		AuthHandler: auth.NewHandler(auth.HandlerConfig{
			Service:  auth.NewService(users),
			Sessions: sessions,
			CSRF:     csrf,
			Guard:    rbac.NewRouteGuard(cfg.RouteDefaultAllow),
			RBAC:     rbacMW,
			Audit:    audit,
			Metrics:  metrics,
		}),
		RequestsHandler: requests.NewHandler(nil, requestService, ledgerService, rbacMW),
		RBACMiddleware:  rbacMW,
		Metrics:         metrics,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &portal{t: t, server: server, db: db, audit: audit}
}

// agent is one browser talking to the portal.
type agent struct {
	p      *portal
	client *http.Client
	csrf   string
}

func (p *portal) agent() *agent {
	jar, err := cookiejar.New(nil)
	require.NoError(p.t, err)
	return &agent{p: p, client: &http.Client{Jar: jar}}
}

func (a *agent) call(method, path string, body any, out any) int {
	t := a.p.t
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, a.p.server.URL+path, &payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if a.csrf != "" {
		req.Header.Set(shared.CSRFHeader, a.csrf)
	}
	res, err := a.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var raw json.RawMessage
	if res.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&raw))
	}
	var state struct {
		CSRFToken string `json:"csrfToken"`
	}
	if len(raw) > 0 && raw[0] == '{' && json.Unmarshal(raw, &state) == nil && state.CSRFToken != "" {
		a.csrf = state.CSRFToken
	}
	if out != nil && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, out), string(raw))
	}
	return res.StatusCode
}

func (a *agent) login(email string) {
	a.p.t.Helper()
	require.Equal(a.p.t, http.StatusOK, a.call(http.MethodGet, "/auth/me", nil, nil))
	require.Equal(a.p.t, http.StatusOK, a.call(http.MethodPost, "/auth/login", identity.Credentials{Email: email, Password: password}, nil))
}

type meResponse struct {
	Authenticated bool                `json:"isAuthenticated"`
	Impersonating bool                `json:"impersonating"`
	Principal     *identity.Principal `json:"principal"`
	Redirect      string              `json:"redirect"`
}

type detail struct {
	Request  requests.Record  `json:"request"`
	Activity []activity.Entry `json:"activity"`
}

func TestUnsafeRequestsNeedCSRFToken(t *testing.T) {
	p := startPortal(t)
	a := p.agent()

	status := a.call(http.MethodPost, "/auth/login", identity.Credentials{Email: "admin@agency.test", Password: password}, nil)
	assert.Equal(t, http.StatusForbidden, status)

	a.login("admin@agency.test")
	var me meResponse
	require.Equal(t, http.StatusOK, a.call(http.MethodGet, "/auth/me", nil, &me))
	assert.True(t, me.Authenticated)

	a.csrf = "forged"
	status = a.call(http.MethodPatch, "/requests/r7", map[string]string{"field": "status", "value": "completed"}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	rec, err := p.db.Get(context.Background(), "r7")
	require.NoError(t, err)
	assert.Equal(t, requests.StatusSubmitted, rec.Status)
}

func TestAnonymousRequestAccessIsRejected(t *testing.T) {
	p := startPortal(t)
	a := p.agent()

	assert.Equal(t, http.StatusUnauthorized, a.call(http.MethodGet, "/requests/r7", nil, nil))
	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/healthz", nil, nil))
}

func TestImpersonatedEditsAreAttributedToTheClient(t *testing.T) {
	p := startPortal(t)
	a := p.agent()
	a.login("admin@agency.test")

	var me meResponse
	status := a.call(http.MethodPost, "/auth/impersonate/client",
		identity.ClientTarget{ClientID: "c42", Name: "Acme", Email: "ops@acme.test"}, &me)
	require.Equal(t, http.StatusOK, status)
	require.True(t, me.Impersonating)
	assert.Equal(t, "c42", me.Principal.ID)

	var result requests.UpdateResult
	status = a.call(http.MethodPatch, "/requests/r7", map[string]string{"field": "priority", "value": "urgent"}, &result)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, requests.PriorityUrgent, result.Record.Priority)
	assert.Equal(t, "Landing page", result.Record.Title)
	require.NotNil(t, result.Entry.Actor)
	assert.Equal(t, "Acme", result.Entry.Actor.UserName)
	assert.Equal(t, activity.ActionFieldUpdated, result.Entry.Action)

	var msg activity.Entry
	require.Equal(t, http.StatusCreated, a.call(http.MethodPost, "/requests/r7/messages", map[string]string{"text": "Please prioritise"}, &msg))
	assert.Equal(t, "c42", msg.Actor.UserID)

	// the impersonated client cannot see another client's request
	assert.Equal(t, http.StatusNotFound, a.call(http.MethodGet, "/requests/r9", nil, nil))

	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/auth/impersonate/stop", nil, &me))
	assert.False(t, me.Impersonating)
	assert.Equal(t, "admin1", me.Principal.ID)
	assert.Equal(t, "/", me.Redirect)

	var d detail
	require.Equal(t, http.StatusOK, a.call(http.MethodGet, "/requests/r7", nil, &d))
	assert.Equal(t, requests.PriorityUrgent, d.Request.Priority)
	require.Len(t, d.Activity, 2)
	assert.Equal(t, activity.ActionFieldUpdated, d.Activity[0].Action)
	assert.Equal(t, activity.ActionMessageSent, d.Activity[1].Action)

	start, ok := p.audit.find("impersonation.start")
	require.True(t, ok)
	assert.Equal(t, "admin1", start.ActorID)
	assert.Equal(t, "c42", start.EntityID)
}

func TestMessageAuthorizationAcrossPrincipals(t *testing.T) {
	p := startPortal(t)

	clientAgent := p.agent()
	clientAgent.login("ops@acme.test")
	var msg activity.Entry
	require.Equal(t, http.StatusCreated, clientAgent.call(http.MethodPost, "/requests/r7/messages", map[string]string{"text": "first draft"}, &msg))

	var edited activity.Entry
	require.Equal(t, http.StatusOK, clientAgent.call(http.MethodPatch, "/requests/r7/messages/"+msg.ID, map[string]string{"text": "second draft"}, &edited))
	assert.Equal(t, "second draft", edited.Description)
	assert.Equal(t, msg.CreatedAt.Unix(), edited.CreatedAt.Unix())

	audit, ok := p.audit.find("message.edit")
	require.True(t, ok)
	assert.Equal(t, "first draft", audit.Meta["previous_text"])

	// client users cannot edit request fields
	assert.Equal(t, http.StatusForbidden, clientAgent.call(http.MethodPatch, "/requests/r7", map[string]string{"field": "status", "value": "completed"}, nil))
	assert.Equal(t, http.StatusNotFound, clientAgent.call(http.MethodGet, "/requests/r9/activity", nil, nil))

	admin := p.agent()
	admin.login("admin@agency.test")
	var result requests.UpdateResult
	require.Equal(t, http.StatusOK, admin.call(http.MethodPatch, "/requests/r7", map[string]string{"field": "status", "value": "in_review"}, &result))
	fieldEntry := result.Entry.ID

	assert.Equal(t, http.StatusForbidden, clientAgent.call(http.MethodDelete, "/requests/r7/messages/"+fieldEntry, nil, nil))
	assert.Equal(t, http.StatusForbidden, admin.call(http.MethodDelete, "/requests/r7/messages/"+fieldEntry, nil, nil))
	assert.Equal(t, http.StatusNoContent, admin.call(http.MethodDelete, "/requests/r7/messages/"+msg.ID, nil, nil))

	var entries []activity.Entry
	require.Equal(t, http.StatusOK, clientAgent.call(http.MethodGet, "/requests/r7/activity", nil, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, fieldEntry, entries[0].ID)
	assert.Equal(t, "status updated to in_review", entries[0].Description)
}

func TestLegacyStatusValuesAreRejected(t *testing.T) {
	p := startPortal(t)
	a := p.agent()
	a.login("admin@agency.test")

	for _, value := range []string{"pending_response", "closed"} {
		status := a.call(http.MethodPatch, "/requests/r7", map[string]string{"field": "status", "value": value}, nil)
		assert.Equal(t, http.StatusBadRequest, status, value)
	}
	var d detail
	require.Equal(t, http.StatusOK, a.call(http.MethodGet, "/requests/r7", nil, &d))
	assert.Empty(t, d.Activity)
	assert.Equal(t, requests.StatusSubmitted, d.Request.Status)
}
