package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/hitoshi/stationops/internal/model"
)

// Sender はメール送信のインターフェース。
type Sender interface {
	Send(ctx context.Context, to *model.Identity, msg Message) error
}

// errHeaderInjection はヘッダに改行が含まれる場合のエラー。
var errHeaderInjection = errors.New("mail: header contains line break")

// defaultSMTPTimeout は接続と各SMTPコマンドのタイムアウト。
const defaultSMTPTimeout = 10 * time.Second

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout が0の場合は defaultSMTPTimeout を使う。
	Timeout time.Duration
}

// SMTPSender はSMTPサーバー経由でメールを送信する。
// STARTTLS はサーバーが対応していれば使う。
type SMTPSender struct {
	config SMTPConfig
	dialer net.Dialer
	now    func() time.Time
}

// NewSMTPSender はSMTPSenderを生成する。
func NewSMTPSender(config SMTPConfig) *SMTPSender {
	if config.Timeout <= 0 {
		config.Timeout = defaultSMTPTimeout
	}
	return &SMTPSender{
		config: config,
		now:    time.Now,
	}
}

// Send はメールを送信する。ctx の期限は接続とサーバー応答の待ち時間にも適用される。
func (s *SMTPSender) Send(ctx context.Context, to *model.Identity, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := s.buildMessage(to.Email, msg)
	if err != nil {
		return err
	}

	client, err := gomail.NewClient(s.config.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		if ctxErr := contextError(ctx); ctxErr != nil {
			return fmt.Errorf("failed to send mail to %s: %w: %w", to.Email, ctxErr, err)
		}
		return fmt.Errorf("failed to send mail to %s: %w", to.Email, err)
	}

	slog.Info("mail sent",
		slog.String("to", to.Email),
		slog.String("subject", msg.Subject),
	)
	return nil
}

func (s *SMTPSender) clientOptions() []gomail.Option {
	opts := []gomail.Option{
		gomail.WithPort(s.config.Port),
		gomail.WithTimeout(s.config.Timeout),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
		gomail.WithDialContextFunc(s.dialContext),
	}
	if s.config.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.config.Username),
			gomail.WithPassword(s.config.Password),
		)
	}
	return opts
}

// dialContext は接続に ctx の期限をデッドラインとして設定する。
// 挨拶を返さないサーバーでも期限で読み込みが打ち切られる。
func (s *SMTPSender) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := s.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// contextError は ctx が終了している、または期限を過ぎていればその理由を返す。
func contextError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return nil
}

// buildMessage は送信するメッセージを組み立てる。件名はUTF-8でエンコードされる。
func (s *SMTPSender) buildMessage(to string, msg Message) (*gomail.Msg, error) {
	for _, v := range []string{to, s.config.From, msg.Subject} {
		if strings.ContainsAny(v, "\r\n") {
			return nil, errHeaderInjection
		}
	}

	m := gomail.NewMsg()
	if err := m.From(s.config.From); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDateWithValue(s.now())
	m.SetBodyString(gomail.TypeTextPlain, msg.Body)
	return m, nil
}

// LogSender はメールを送信せずログに記録する。SMTP未設定の開発環境向け。
// 本文には再設定URLが含まれるため、debugレベルでのみ出力する。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send はメールの宛先と件名をinfo、本文をdebugで記録する。
func (s *LogSender) Send(ctx context.Context, to *model.Identity, msg Message) error {
	s.logger.Info("mail delivery skipped (SMTP not configured)",
		slog.String("to", to.Email),
		slog.String("subject", msg.Subject),
	)
	s.logger.Debug("mail body",
		slog.String("to", to.Email),
		slog.String("body", msg.Body),
	)
	return nil
}

// compile-time interface check
var (
	_ Sender = (*SMTPSender)(nil)
	_ Sender = (*LogSender)(nil)
)
