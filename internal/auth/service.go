package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/stationops/internal/mail"
	"github.com/hitoshi/stationops/internal/model"
	"github.com/hitoshi/stationops/internal/repository"
)

// UserStore は認証フローが必要とするユーザー操作。
// repository.IdentityRepositoryの部分集合として定義する。
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*model.Identity, error)
	Create(ctx context.Context, identity *model.Identity) error
	UpdatePassword(ctx context.Context, id string, passwordHash []byte) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	// BaseURL はメール内リンクの生成に使う（例: https://ops.example.org）。
	BaseURL string
	// ResetTokenTimeout はメール本文に記載する有効期限。
	ResetTokenTimeout time.Duration
	Now               func() time.Time
	Recorder          Recorder
}

// Service はログイン、パスワード変更・再設定に関するビジネスロジックを提供する。
type Service struct {
	users    UserStore
	hasher   *PasswordHasher
	resets   *ResetManager
	mailer   mail.Sender
	config   ServiceConfig
	now      func() time.Time
	recorder Recorder
}

// NewService はServiceを生成する。
func NewService(users UserStore, hasher *PasswordHasher, resets *ResetManager, mailer mail.Sender, config ServiceConfig) *Service {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		users:    users,
		hasher:   hasher,
		resets:   resets,
		mailer:   mailer,
		config:   config,
		now:      now,
		recorder: recorderOrNoop(config.Recorder),
	}
}

// Login はメールアドレスとパスワードを照合し、最終ログイン日時を記録する。
// パスワードが一致した後に有効状態を確認するため、無効化の事実はパスワードを知る者にだけ伝わる。
func (s *Service) Login(ctx context.Context, email, password string) (*model.Identity, error) {
	identity, err := s.users.FindByEmail(ctx, model.CanonicalEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	var hash []byte
	if identity != nil {
		hash = identity.PasswordHash
	}
	if !s.hasher.Verify(hash, password) {
		s.recorder.LoginAttempt(LoginInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	if !identity.IsActive {
		s.recorder.LoginAttempt(LoginNotAllowed)
		slog.Warn("login attempt for deactivated user",
			slog.String("email", identity.Email),
		)
		return nil, ErrUserNotAllowed
	}

	if err := s.recordLogin(ctx, identity); err != nil {
		return nil, err
	}

	s.recorder.LoginAttempt(LoginSuccess)
	slog.Info("user logged in",
		slog.String("email", identity.Email),
	)
	return identity, nil
}

// ChangePassword は現在のパスワードを確認してから新しいパスワードを設定する。
func (s *Service) ChangePassword(ctx context.Context, identity *model.Identity, current, next string) error {
	if !s.hasher.Verify(identity.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	return s.setPassword(ctx, identity, next)
}

// RequestPasswordReset はメールアドレス宛にパスワード再設定リンクを送信する。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	identity, err := s.users.FindByEmail(ctx, model.CanonicalEmail(email))
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if identity == nil {
		return ErrAccountNotFound
	}
	if !identity.IsActive {
		return ErrUserNotAllowed
	}
	return s.SendPasswordReset(ctx, identity)
}

// SendPasswordReset はユーザーにパスワード再設定メールを送信する。
func (s *Service) SendPasswordReset(ctx context.Context, identity *model.Identity) error {
	link, err := s.ResetURL(ctx, identity)
	if err != nil {
		return err
	}
	msg, err := mail.PasswordReset(identity, link, s.config.ResetTokenTimeout)
	if err != nil {
		return err
	}
	return s.deliver(ctx, identity, msg)
}

// SendWelcome は新規ユーザーにパスワード設定リンク付きの案内メールを送信する。
func (s *Service) SendWelcome(ctx context.Context, identity *model.Identity) error {
	link, err := s.ResetURL(ctx, identity)
	if err != nil {
		return err
	}
	msg, err := mail.Welcome(identity, link, s.config.ResetTokenTimeout)
	if err != nil {
		return err
	}
	return s.deliver(ctx, identity, msg)
}

// ResetURL はユーザー向けのパスワード再設定URLを生成する。
func (s *Service) ResetURL(ctx context.Context, identity *model.Identity) (string, error) {
	tok, err := s.resets.Create(ctx, identity)
	if err != nil {
		return "", fmt.Errorf("failed to create reset token: %w", err)
	}
	return s.config.BaseURL + "/auth/reset-password?token=" + url.QueryEscape(tok), nil
}

// CheckResetToken は再設定トークンを検証し、対象ユーザーを返す。
// 未知のユーザー、発行後にパスワードが変更されたトークンは ErrTokenInvalid とする。
func (s *Service) CheckResetToken(ctx context.Context, tok string) (*model.Identity, error) {
	claims, err := s.resets.Parse(ctx, tok)
	if err != nil {
		return nil, err
	}

	identity, err := s.users.FindByEmail(ctx, claims.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: unknown user", ErrTokenInvalid)
	}
	if !identity.IsActive {
		return nil, ErrUserNotAllowed
	}
	if claims.Fingerprint != PasswordFingerprint(identity.PasswordHash) {
		return nil, fmt.Errorf("%w: already used", ErrTokenInvalid)
	}
	return identity, nil
}

// ResetPassword は再設定トークンを消費して新しいパスワードを設定し、最終ログイン日時を記録する。
// 呼び出し側は返されたユーザーでログイントークンを発行する。
func (s *Service) ResetPassword(ctx context.Context, tok, password string) (*model.Identity, error) {
	identity, err := s.CheckResetToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	if err := s.setPassword(ctx, identity, password); err != nil {
		return nil, err
	}
	if err := s.recordLogin(ctx, identity); err != nil {
		return nil, err
	}
	slog.Info("password reset completed",
		slog.String("email", identity.Email),
	)
	return identity, nil
}

// BootstrapSuperuser は最初のスーパーユーザーを作成する。既に存在する場合は ErrAccountExists を返す。
func (s *Service) BootstrapSuperuser(ctx context.Context, email, password string) (*model.Identity, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	identity := &model.Identity{
		ID:           uuid.NewString(),
		Email:        model.CanonicalEmail(email),
		PasswordHash: hash,
		IsActive:     true,
		IsSuperuser:  true,
		Roles:        model.NewRoleSet(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.Create(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("failed to create superuser: %w", err)
	}

	slog.Info("superuser bootstrapped",
		slog.String("email", identity.Email),
	)
	return identity, nil
}

func (s *Service) setPassword(ctx context.Context, identity *model.Identity, password string) error {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, identity.ID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	identity.PasswordHash = hash
	return nil
}

func (s *Service) recordLogin(ctx context.Context, identity *model.Identity) error {
	now := s.now().UTC()
	if err := s.users.UpdateLastLogin(ctx, identity.ID, now); err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	identity.LastLogin = &now
	return nil
}

func (s *Service) deliver(ctx context.Context, identity *model.Identity, msg mail.Message) error {
	if err := s.mailer.Send(ctx, identity, msg); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	s.recorder.ResetMailSent()
	return nil
}
