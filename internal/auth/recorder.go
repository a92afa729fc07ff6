package auth

// トークン検証結果のラベル。
const (
	OutcomeFresh   = "fresh"
	OutcomeStale   = "stale"
	OutcomeExpired = "expired"
	OutcomeInvalid = "invalid"
)

// ログイン試行結果のラベル。
const (
	LoginSuccess            = "success"
	LoginInvalidCredentials = "invalid_credentials"
	LoginNotAllowed         = "not_allowed"
)

// Recorder は認証関連のイベントを記録する。metrics.Collectorが実装する。
type Recorder interface {
	TokenParsed(kind, outcome string)
	LoginAttempt(result string)
	ResetMailSent()
}

type noopRecorder struct{}

func (noopRecorder) TokenParsed(string, string) {}
func (noopRecorder) LoginAttempt(string)        {}
func (noopRecorder) ResetMailSent()             {}

func recorderOrNoop(r Recorder) Recorder {
	if r == nil {
		return noopRecorder{}
	}
	return r
}
