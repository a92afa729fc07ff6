package mail

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/textproto"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/hitoshi/stationops/internal/model"
)

// deliveryResult はSMTP応答に基づく送信結果の分類。
type deliveryResult int

const (
	// deliveryOK は送信成功。
	deliveryOK deliveryResult = iota
	// deliveryRetry は一時的な失敗（4xx応答・接続エラー）。
	deliveryRetry
	// deliveryStop は再試行しても成功しない失敗（5xx応答・入力不正・キャンセル）。
	deliveryStop
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 500 * time.Millisecond
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 5 * time.Second
)

// classifyDeliveryError は送信エラーを再試行の可否で分類する。
func classifyDeliveryError(err error) deliveryResult {
	if err == nil {
		return deliveryOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return deliveryStop
	}
	if errors.Is(err, errHeaderInjection) {
		return deliveryStop
	}

	var sendErr *gomail.SendError
	if errors.As(err, &sendErr) {
		if sendErr.IsTemp() {
			return deliveryRetry
		}
		return deliveryStop
	}

	var replyErr *textproto.Error
	if errors.As(err, &replyErr) {
		switch {
		case replyErr.Code >= 500:
			return deliveryStop
		case replyErr.Code >= 400:
			return deliveryRetry
		}
		return deliveryStop
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return deliveryRetry
	}
	return deliveryStop
}

// calculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回500ms、2倍ずつ増加、最大5秒。
func calculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// RetrySender は一時的な送信失敗を指数バックオフで再試行するSender。
type RetrySender struct {
	next     Sender
	attempts int
	logger   *slog.Logger
	// sleep はテストで差し替える。
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrySender はnextを最大attempts回まで試行するRetrySenderを生成する。
func NewRetrySender(next Sender, attempts int, logger *slog.Logger) *RetrySender {
	if attempts < 1 {
		attempts = 1
	}
	return &RetrySender{
		next:     next,
		attempts: attempts,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Send はメールを送信する。一時的な失敗の場合は待機して再試行する。
func (s *RetrySender) Send(ctx context.Context, to *model.Identity, msg Message) error {
	var err error
	for attempt := 0; attempt < s.attempts; attempt++ {
		err = s.next.Send(ctx, to, msg)
		if classifyDeliveryError(err) != deliveryRetry {
			return err
		}
		if attempt == s.attempts-1 {
			break
		}

		delay := calculateBackoff(attempt)
		s.logger.Warn("mail delivery failed, retrying",
			slog.String("to", to.Email),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Sender = (*RetrySender)(nil)
