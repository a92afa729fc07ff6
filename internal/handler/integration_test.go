package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/stationops/internal/auth"
	"github.com/hitoshi/stationops/internal/keycache"
	"github.com/hitoshi/stationops/internal/mail"
	"github.com/hitoshi/stationops/internal/metrics"
	"github.com/hitoshi/stationops/internal/middleware"
	"github.com/hitoshi/stationops/internal/model"
	"github.com/hitoshi/stationops/internal/repository"
	"github.com/hitoshi/stationops/internal/security"
	"github.com/hitoshi/stationops/internal/user"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/publicsuffix"
)

// --- インメモリ実装 ---

// memoryUsers はauth.UserStoreとuser.UserStoreを満たすインメモリのユーザーストア。
type memoryUsers struct {
	mu    sync.Mutex
	users map[string]*model.Identity
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: make(map[string]*model.Identity)}
}

func cloneIdentity(u *model.Identity) *model.Identity {
	c := *u
	c.Roles = model.NewRoleSet()
	for r := range u.Roles {
		c.Roles[r] = struct{}{}
	}
	c.SearchIndex = append([]string(nil), u.SearchIndex...)
	return &c
}

func (s *memoryUsers) FindByEmail(_ context.Context, email string) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[email]; ok {
		return cloneIdentity(u), nil
	}
	return nil, nil
}

func (s *memoryUsers) Create(_ context.Context, identity *model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[identity.Email]; ok {
		return repository.ErrDuplicateEmail
	}
	s.users[identity.Email] = cloneIdentity(identity)
	return nil
}

func (s *memoryUsers) Update(_ context.Context, identity *model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[identity.Email] = cloneIdentity(identity)
	return nil
}

func (s *memoryUsers) byID(id string) *model.Identity {
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (s *memoryUsers) UpdatePassword(_ context.Context, id string, passwordHash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.byID(id); u != nil {
		u.PasswordHash = passwordHash
	}
	return nil
}

func (s *memoryUsers) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.byID(id); u != nil {
		u.LastLogin = &at
	}
	return nil
}

func (s *memoryUsers) List(_ context.Context) ([]*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Identity, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, cloneIdentity(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *memoryUsers) Search(_ context.Context, term string, limit int) ([]*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Identity
	for _, u := range s.users {
		if !u.IsActive {
			continue
		}
		for _, key := range u.SearchIndex {
			if key == term {
				out = append(out, cloneIdentity(u))
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// memoryKeys はkeycache.KeyStoreを満たすインメモリの署名鍵ストア。
type memoryKeys struct {
	mu   sync.Mutex
	keys []*model.SigningKey
}

func (s *memoryKeys) Latest(_ context.Context) (*model.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) == 0 {
		return nil, nil
	}
	return s.keys[len(s.keys)-1], nil
}

func (s *memoryKeys) FindByID(_ context.Context, id string) (*model.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id {
			return k, nil
		}
	}
	return nil, nil
}

func (s *memoryKeys) Insert(_ context.Context, key *model.SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

// capturingSender は送信したメールを保持する。
type capturingSender struct {
	mu   sync.Mutex
	sent map[string][]mail.Message
}

func (s *capturingSender) Send(_ context.Context, to *model.Identity, msg mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string][]mail.Message)
	}
	s.sent[to.Email] = append(s.sent[to.Email], msg)
	return nil
}

var resetLinkPattern = regexp.MustCompile(`http://\S+/auth/reset-password\?token=\S+`)

func (s *capturingSender) lastLink(t *testing.T, email string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.sent[email]
	if len(msgs) == 0 {
		t.Fatalf("no mail sent to %s", email)
	}
	link := resetLinkPattern.FindString(msgs[len(msgs)-1].Body)
	if link == "" {
		t.Fatalf("no reset link in mail body:\n%s", msgs[len(msgs)-1].Body)
	}
	return link
}

// --- テスト環境 ---

type e2eEnv struct {
	server *httptest.Server
	users  *memoryUsers
	mailer *capturingSender
	auth   *auth.Service
}

func newE2EEnv(t *testing.T) *e2eEnv {
	t.Helper()

	users := newMemoryUsers()
	mailer := &capturingSender{}
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	keys := keycache.NewProvider(&memoryKeys{}, keycache.Config{
		TTL:      time.Hour,
		Overlap:  2 * time.Hour,
		Recorder: collector,
	})
	sessions := auth.NewSessionManager(keys, users, auth.SessionConfig{
		FreshWindow: time.Hour,
		Timeout:     2 * time.Hour,
		Recorder:    collector,
	})
	resets := auth.NewResetManager(keys, auth.ResetConfig{Timeout: 24 * time.Hour, Recorder: collector})
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	env := &e2eEnv{users: users, mailer: mailer}
	// BaseURL はサーバー起動後に確定するため、ハンドラーは後から差し込む
	var handler http.Handler
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(env.server.Close)

	env.auth = auth.NewService(users, auth.NewPasswordHasher(bcrypt.MinCost), resets, mailer, auth.ServiceConfig{
		BaseURL:           env.server.URL,
		ResetTokenTimeout: 24 * time.Hour,
		Recorder:          collector,
	})
	userService := user.NewService(users, env.auth, security.NewContentSanitizer())

	handler = NewRouter(&RouterDeps{
		Sessions:       sessions,
		CSRF:           middleware.CSRFConfig{SessionCookieName: sessions.CookieName()},
		RateLimiter:    limiter,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),
		AuthService:    env.auth,
		UserService:    userService,
	})
	return env
}

// e2eClient はCookieを保持するJSONクライアント。
type e2eClient struct {
	t    *testing.T
	base string
	http *http.Client
	csrf string
}

func (env *e2eEnv) newClient(t *testing.T) *e2eClient {
	t.Helper()
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		t.Fatalf("cookiejar.New() error = %v", err)
	}
	return &e2eClient{
		t:    t,
		base: env.server.URL,
		http: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *e2eClient) do(method, target string, body any) (*http.Response, map[string]any) {
	c.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	if !strings.HasPrefix(target, "http") {
		target = c.base + target
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		c.t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.csrf != "" {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// fetchCSRF はCSRFトークンを取得して以降のリクエストに付与する。
func (c *e2eClient) fetchCSRF() {
	c.t.Helper()
	resp, body := c.do(http.MethodGet, "/api/csrf-token", nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("csrf-token status = %d", resp.StatusCode)
	}
	tok, _ := body["token"].(string)
	if tok == "" {
		c.t.Fatal("empty csrf token")
	}
	c.csrf = tok
}

func expectStatus(t *testing.T, what string, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s: status = %d, want %d", what, resp.StatusCode, want)
	}
}

// --- シナリオ ---

func TestE2E_AccountLifecycle(t *testing.T) {
	env := newE2EEnv(t)
	ctx := context.Background()

	if _, err := env.auth.BootstrapSuperuser(ctx, "admin@example.org", "admin-password"); err != nil {
		t.Fatalf("BootstrapSuperuser() error = %v", err)
	}

	// 管理者がログインしてDJのアカウントを作成する
	admin := env.newClient(t)
	resp, _ := admin.do(http.MethodPost, "/auth/login", map[string]string{
		"email": "admin@example.org", "password": "admin-password",
	})
	expectStatus(t, "admin login", resp, http.StatusOK)
	admin.fetchCSRF()

	resp, body := admin.do(http.MethodPost, "/api/users", map[string]any{
		"email":      "DJ@Example.org",
		"first_name": "Ada",
		"last_name":  "Lovelace",
		"dj_name":    "DJ Ada",
		"roles":      []string{"dj"},
	})
	expectStatus(t, "create user", resp, http.StatusCreated)
	if body["email"] != "dj@example.org" || body["welcome_sent"] != true {
		t.Fatalf("create body = %v", body)
	}

	// 案内メールのリンクからパスワードを設定すると、そのままログインする
	dj := env.newClient(t)
	link := env.mailer.lastLink(t, "dj@example.org")
	resp, body = dj.do(http.MethodGet, link, nil)
	expectStatus(t, "reset page", resp, http.StatusOK)
	if body["email"] != "dj@example.org" {
		t.Fatalf("reset page body = %v", body)
	}

	tok := link[strings.Index(link, "token=")+len("token="):]
	resp, _ = dj.do(http.MethodPost, "/auth/reset-password", map[string]string{
		"token": tok, "new_password": "first-password", "confirm_password": "first-password",
	})
	expectStatus(t, "reset password", resp, http.StatusOK)

	resp, body = dj.do(http.MethodGet, "/api/me", nil)
	expectStatus(t, "me after reset", resp, http.StatusOK)
	if body["email"] != "dj@example.org" || body["effective_dj_name"] != "DJ Ada" {
		t.Fatalf("me body = %v", body)
	}

	// 同じリンクは再利用できない
	anon := env.newClient(t)
	resp, _ = anon.do(http.MethodGet, link, nil)
	expectStatus(t, "reused reset link", resp, http.StatusBadRequest)

	// DJはユーザー管理を利用できないが、検索は利用できる
	resp, _ = dj.do(http.MethodGet, "/api/users", nil)
	expectStatus(t, "dj lists users", resp, http.StatusForbidden)
	resp, body = dj.do(http.MethodGet, "/api/users/search?q=ada", nil)
	expectStatus(t, "dj searches", resp, http.StatusOK)
	if results, _ := body["results"].([]any); len(results) != 2 {
		t.Errorf("search results = %v", body["results"])
	}

	// ログイン中はパスワード再設定を申請できない
	dj.fetchCSRF()
	resp, body = dj.do(http.MethodPost, "/auth/forgot-password", map[string]string{"email": "dj@example.org"})
	expectStatus(t, "forgot while signed in", resp, http.StatusForbidden)
	if body["code"] != model.ErrCodeAlreadySignedIn {
		t.Errorf("code = %v", body["code"])
	}
	resp, body = dj.do(http.MethodGet, link, nil)
	expectStatus(t, "reset page while signed in", resp, http.StatusForbidden)
	if body["code"] != model.ErrCodeAlreadySignedIn {
		t.Errorf("code = %v", body["code"])
	}

	// CSRFトークンなしの状態変更は拒否する
	csrf := dj.csrf
	dj.csrf = ""
	resp, _ = dj.do(http.MethodPost, "/auth/change-password", map[string]string{
		"current_password": "first-password", "new_password": "second-password", "confirm_password": "second-password",
	})
	expectStatus(t, "change password without csrf", resp, http.StatusForbidden)
	dj.csrf = csrf

	resp, _ = dj.do(http.MethodPost, "/auth/change-password", map[string]string{
		"current_password": "first-password", "new_password": "second-password", "confirm_password": "second-password",
	})
	expectStatus(t, "change password", resp, http.StatusNoContent)

	// ログアウト後は未ログイン扱い
	resp, _ = dj.do(http.MethodPost, "/auth/logout", nil)
	expectStatus(t, "logout", resp, http.StatusNoContent)
	resp, _ = dj.do(http.MethodGet, "/api/me", nil)
	expectStatus(t, "me after logout", resp, http.StatusUnauthorized)

	// 古いパスワードは使えない
	dj.csrf = ""
	resp, _ = dj.do(http.MethodPost, "/auth/login", map[string]string{
		"email": "dj@example.org", "password": "first-password",
	})
	expectStatus(t, "login with old password", resp, http.StatusUnauthorized)
	resp, _ = dj.do(http.MethodPost, "/auth/login", map[string]string{
		"email": "dj@example.org", "password": "second-password",
	})
	expectStatus(t, "login with new password", resp, http.StatusOK)

	// 無効化されたユーザーのトークンは拒否される
	resp, _ = admin.do(http.MethodPut, "/api/users/dj@example.org", map[string]any{
		"first_name": "Ada",
		"last_name":  "Lovelace",
		"roles":      []string{"dj"},
		"is_active":  false,
	})
	expectStatus(t, "deactivate", resp, http.StatusOK)

	resp, body = dj.do(http.MethodGet, "/api/me", nil)
	expectStatus(t, "me after deactivation", resp, http.StatusForbidden)
	if body["code"] != model.ErrCodeUserNotAllowed {
		t.Errorf("code = %v", body["code"])
	}
}

func TestE2E_ForgotPassword(t *testing.T) {
	env := newE2EEnv(t)
	ctx := context.Background()

	if _, err := env.auth.BootstrapSuperuser(ctx, "admin@example.org", "admin-password"); err != nil {
		t.Fatalf("BootstrapSuperuser() error = %v", err)
	}

	c := env.newClient(t)
	resp, _ := c.do(http.MethodPost, "/auth/forgot-password", map[string]string{"email": "nobody@example.org"})
	expectStatus(t, "unknown account", resp, http.StatusNotFound)

	resp, body := c.do(http.MethodPost, "/auth/forgot-password", map[string]string{"email": "Admin@Example.org"})
	expectStatus(t, "forgot password", resp, http.StatusAccepted)
	if body["sent"] != true {
		t.Errorf("body = %v", body)
	}

	link := env.mailer.lastLink(t, "admin@example.org")
	tok := link[strings.Index(link, "token=")+len("token="):]

	resp, body = c.do(http.MethodPost, "/auth/reset-password", map[string]string{
		"token": tok, "new_password": "short", "confirm_password": "short",
	})
	expectStatus(t, "too short", resp, http.StatusBadRequest)
	if body["code"] != model.ErrCodePasswordTooShort {
		t.Errorf("code = %v", body["code"])
	}

	resp, _ = c.do(http.MethodPost, "/auth/reset-password", map[string]string{
		"token": tok, "new_password": "replacement-password", "confirm_password": "replacement-password",
	})
	expectStatus(t, "reset", resp, http.StatusOK)

	resp, body = c.do(http.MethodGet, "/api/me", nil)
	expectStatus(t, "me", resp, http.StatusOK)
	if body["is_superuser"] != true {
		t.Errorf("me body = %v", body)
	}
}

func TestE2E_AnonymousBrowserIsRedirectedToLogin(t *testing.T) {
	env := newE2EEnv(t)
	c := env.newClient(t)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/users?page=2", nil)
	resp, err := c.http.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	expectStatus(t, "anonymous browser", resp, http.StatusSeeOther)
	if loc := resp.Header.Get("Location"); loc != "/auth/login?redirect=%2Fapi%2Fusers%3Fpage%3D2" {
		t.Errorf("Location = %q", loc)
	}
}

func TestE2E_MetricsExposed(t *testing.T) {
	env := newE2EEnv(t)
	c := env.newClient(t)

	resp, _ := c.do(http.MethodPost, "/auth/login", map[string]string{"email": "nobody@example.org", "password": "whatever-pass"})
	expectStatus(t, "failed login", resp, http.StatusUnauthorized)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/metrics", nil)
	mresp, err := c.http.Do(req)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer mresp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(mresp.Body)

	for _, name := range []string{"stationops_login_attempts_total", "stationops_http_status_total"} {
		if !strings.Contains(buf.String(), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
