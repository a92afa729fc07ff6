package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/stationops/internal/mail"
	"github.com/hitoshi/stationops/internal/model"
	"github.com/hitoshi/stationops/internal/repository"
)

// --- モック定義 ---

// staticKeys は固定の署名鍵を返すKeyProvider。
type staticKeys struct {
	key       *model.SigningKey
	activeErr error
	lookupErr error
}

func newStaticKeys() *staticKeys {
	return &staticKeys{key: &model.SigningKey{
		ID:     "4b7d4b53-5f1f-4f0e-9d43-6c1b2b3f8a01",
		Secret: []byte("0123456789abcdef0123456789abcdef"),
	}}
}

func (k *staticKeys) Active(_ context.Context) (*model.SigningKey, error) {
	if k.activeErr != nil {
		return nil, k.activeErr
	}
	return k.key, nil
}

func (k *staticKeys) Lookup(_ context.Context, kid string) (*model.SigningKey, error) {
	if k.lookupErr != nil {
		return nil, k.lookupErr
	}
	if kid == k.key.ID {
		return k.key, nil
	}
	return nil, nil
}

// fakeClock はテストから進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockUserStore はUserStoreとIdentityFinderのモック。
type mockUserStore struct {
	mu sync.Mutex

	users map[string]*model.Identity

	findErr           error
	createErr         error
	updatePasswordErr error

	passwordUpdates int
	lastLogins      map[string]time.Time
}

func newMockUserStore(users ...*model.Identity) *mockUserStore {
	s := &mockUserStore{
		users:      make(map[string]*model.Identity),
		lastLogins: make(map[string]time.Time),
	}
	for _, u := range users {
		s.users[u.Email] = u
	}
	return s
}

func (s *mockUserStore) FindByEmail(_ context.Context, email string) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	u, ok := s.users[email]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *mockUserStore) Create(_ context.Context, identity *model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.users[identity.Email]; ok {
		return repository.ErrDuplicateEmail
	}
	cp := *identity
	s.users[identity.Email] = &cp
	return nil
}

func (s *mockUserStore) UpdatePassword(_ context.Context, id string, passwordHash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updatePasswordErr != nil {
		return s.updatePasswordErr
	}
	for _, u := range s.users {
		if u.ID == id {
			u.PasswordHash = passwordHash
			s.passwordUpdates++
			return nil
		}
	}
	return nil
}

func (s *mockUserStore) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLogins[id] = at
	return nil
}

// recordingRecorder は記録されたイベントを保持する。
type recordingRecorder struct {
	mu       sync.Mutex
	parsed   []string
	logins   []string
	resetSnt int
}

func (r *recordingRecorder) TokenParsed(kind, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsed = append(r.parsed, kind+":"+outcome)
}

func (r *recordingRecorder) LoginAttempt(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins = append(r.logins, result)
}

func (r *recordingRecorder) ResetMailSent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetSnt++
}

// mockSender は送信されたメールを保持する。
type mockSender struct {
	sendFn func(ctx context.Context, to *model.Identity, msg mail.Message) error
	sent   []mail.Message
	to     []string
}

func (m *mockSender) Send(ctx context.Context, to *model.Identity, msg mail.Message) error {
	if m.sendFn != nil {
		if err := m.sendFn(ctx, to, msg); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, msg)
	m.to = append(m.to, to.Email)
	return nil
}

// activeUser はテスト用の有効なユーザーを返す。
func activeUser(email string) *model.Identity {
	return &model.Identity{
		ID:       "id-" + email,
		Email:    email,
		IsActive: true,
		Roles:    model.NewRoleSet(),
	}
}
