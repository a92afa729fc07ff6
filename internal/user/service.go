// Package user は局員アカウント管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/stationops/internal/model"
	"github.com/hitoshi/stationops/internal/repository"
	"github.com/hitoshi/stationops/internal/security"
)

// SearchLimit は検索候補として返す最大件数。
const SearchLimit = 50

// ErrWelcomeNotSent はアカウント作成後の案内メール送信に失敗した場合のエラー。
// アカウント自体は作成済み。
var ErrWelcomeNotSent = errors.New("user: welcome mail not sent")

// UserStore はアカウント管理が必要とするユーザー操作。
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*model.Identity, error)
	Create(ctx context.Context, identity *model.Identity) error
	Update(ctx context.Context, identity *model.Identity) error
	List(ctx context.Context) ([]*model.Identity, error)
	Search(ctx context.Context, term string, limit int) ([]*model.Identity, error)
}

// Notifier はアカウント関連メールを送信する。auth.Serviceが実装する。
type Notifier interface {
	SendWelcome(ctx context.Context, identity *model.Identity) error
	SendPasswordReset(ctx context.Context, identity *model.Identity) error
}

// Input はアカウント作成・編集フォームの入力値。
type Input struct {
	Email     string
	FirstName string
	LastName  string
	DJName    string
	Roles     []string
	IsActive  bool
}

// Listing はユーザー一覧画面の内容。
type Listing struct {
	Users       []*model.Identity
	ActiveCount int
}

// SearchResult は検索候補の1行。DJ名を持つユーザーは氏名とDJ名の2行になる。
type SearchResult struct {
	Label string `json:"label"`
	Email string `json:"email"`
}

// Service はアカウント管理のサービス層。
type Service struct {
	users     UserStore
	notifier  Notifier
	sanitizer security.ContentSanitizerService
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(users UserStore, notifier Notifier, sanitizer security.ContentSanitizerService) *Service {
	return &Service{
		users:     users,
		notifier:  notifier,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// List は全ユーザーを有効なユーザーを先頭にして返す。
func (s *Service) List(ctx context.Context) (*Listing, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}

	listing := &Listing{Users: users}
	for _, u := range users {
		if u.IsActive {
			listing.ActiveCount++
		}
	}
	return listing, nil
}

// Get はメールアドレスでユーザーを取得する。
func (s *Service) Get(ctx context.Context, email string) (*model.Identity, error) {
	identity, err := s.users.FindByEmail(ctx, model.CanonicalEmail(email))
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if identity == nil {
		return nil, model.NewUserNotFoundError()
	}
	return identity, nil
}

// Create はアカウントを作成し、パスワード設定用の案内メールを送信する。
// メール送信に失敗した場合は作成済みのユーザーと ErrWelcomeNotSent を返す。
func (s *Service) Create(ctx context.Context, in Input) (*model.Identity, error) {
	email, err := parseEmail(in.Email)
	if err != nil {
		return nil, err
	}
	roles, err := parseRoles(in.Roles)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	identity := &model.Identity{
		ID:        uuid.NewString(),
		Email:     email,
		IsActive:  in.IsActive,
		Roles:     roles,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.applyProfile(identity, in)

	if err := s.users.Create(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewUserAlreadyExistsError(email)
		}
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	slog.Info("user created",
		slog.String("email", identity.Email),
		slog.Any("roles", identity.Roles.Strings()),
	)

	if err := s.notifier.SendWelcome(ctx, identity); err != nil {
		slog.Error("failed to send welcome mail",
			slog.String("email", identity.Email),
			slog.String("error", err.Error()),
		)
		return identity, fmt.Errorf("%w: %v", ErrWelcomeNotSent, err)
	}
	return identity, nil
}

// Update はメールアドレスで指定したユーザーのプロフィール・ロール・有効状態を更新する。
// メールアドレスとスーパーユーザー権限は変更しない。
func (s *Service) Update(ctx context.Context, email string, in Input) (*model.Identity, error) {
	identity, err := s.Get(ctx, email)
	if err != nil {
		return nil, err
	}
	roles, err := parseRoles(in.Roles)
	if err != nil {
		return nil, err
	}

	identity.Roles = roles
	identity.IsActive = in.IsActive
	identity.UpdatedAt = s.now().UTC()
	s.applyProfile(identity, in)

	if err := s.users.Update(ctx, identity); err != nil {
		return nil, fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
	}

	slog.Info("user updated",
		slog.String("email", identity.Email),
		slog.Bool("is_active", identity.IsActive),
		slog.Any("roles", identity.Roles.Strings()),
	)
	return identity, nil
}

// SendResets は選択したユーザーにパスワード再設定メールを送信し、送信できた件数を返す。
// 存在しない・無効化されたユーザーは読み飛ばす。
func (s *Service) SendResets(ctx context.Context, emails []string) (int, error) {
	sent := 0
	for _, email := range emails {
		identity, err := s.users.FindByEmail(ctx, model.CanonicalEmail(email))
		if err != nil {
			return sent, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
		}
		if identity == nil || !identity.IsActive {
			slog.Warn("skipping password reset for unknown or inactive user",
				slog.String("email", email),
			)
			continue
		}
		if err := s.notifier.SendPasswordReset(ctx, identity); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Reindex は全ユーザーの検索索引を作り直し、更新件数を返す。
func (s *Service) Reindex(ctx context.Context) (int, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}

	for i, u := range users {
		u.SearchIndex = BuildSearchIndex(u)
		u.UpdatedAt = s.now().UTC()
		if err := s.users.Update(ctx, u); err != nil {
			return i, fmt.Errorf("検索索引の更新に失敗しました: %w", err)
		}
	}

	slog.Info("search index rebuilt",
		slog.Int("users", len(users)),
	)
	return len(users), nil
}

// Search は入力の語のうち、最初に一致した語の有効なユーザーを候補として返す。
func (s *Service) Search(ctx context.Context, q string) ([]SearchResult, error) {
	results := []SearchResult{}
	for _, term := range scrubTerms(q) {
		users, err := s.users.Search(ctx, term, SearchLimit)
		if err != nil {
			return nil, fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
		}
		if len(users) == 0 {
			continue
		}
		for _, u := range users {
			results = append(results, SearchResult{Label: u.FullName(), Email: u.Email})
			if u.DJName != "" {
				results = append(results, SearchResult{Label: u.DJName, Email: u.Email})
			}
		}
		break
	}
	return results, nil
}

func (s *Service) applyProfile(identity *model.Identity, in Input) {
	identity.FirstName = s.sanitizer.Sanitize(in.FirstName)
	identity.LastName = s.sanitizer.Sanitize(in.LastName)
	identity.DJName = s.sanitizer.Sanitize(in.DJName)
	identity.SearchIndex = BuildSearchIndex(identity)
}

func parseEmail(raw string) (string, error) {
	email := model.CanonicalEmail(raw)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.NewInvalidRequestError("メールアドレスの形式が正しくありません")
	}
	return email, nil
}

func parseRoles(tags []string) (model.RoleSet, error) {
	roles := model.NewRoleSet()
	for _, tag := range tags {
		r, err := model.ParseRole(tag)
		if err != nil {
			return nil, model.NewInvalidRoleError(tag)
		}
		roles[r] = struct{}{}
	}
	return roles, nil
}
