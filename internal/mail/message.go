// Package mail は局員向け通知メールの組み立てと送信を提供する。
package mail

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
	"time"

	"github.com/hitoshi/stationops/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Message は送信するメールの件名と本文。
type Message struct {
	Subject string
	Body    string
}

// linkData はテンプレートに渡す値。
type linkData struct {
	Name      string
	Email     string
	URL       string
	ExpiresIn string
}

// PasswordReset はパスワード再設定メールを組み立てる。
func PasswordReset(identity *model.Identity, resetURL string, validFor time.Duration) (Message, error) {
	return render("password_reset.tmpl", "【局員ポータル】パスワード再設定のご案内", identity, resetURL, validFor)
}

// Welcome は新規アカウント作成時の案内メールを組み立てる。
func Welcome(identity *model.Identity, resetURL string, validFor time.Duration) (Message, error) {
	return render("welcome.tmpl", "【局員ポータル】アカウント作成のお知らせ", identity, resetURL, validFor)
}

func render(name, subject string, identity *model.Identity, url string, validFor time.Duration) (Message, error) {
	displayName := identity.FullName()
	if displayName == "" {
		displayName = identity.Email
	}

	var body bytes.Buffer
	err := templates.ExecuteTemplate(&body, name, linkData{
		Name:      displayName,
		Email:     identity.Email,
		URL:       url,
		ExpiresIn: humanDuration(validFor),
	})
	if err != nil {
		return Message{}, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return Message{Subject: subject, Body: body.String()}, nil
}

// humanDuration は有効期限を「24時間」「30分」のような表記にする。
func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%d時間", int(d/time.Hour))
	case d >= time.Minute:
		return fmt.Sprintf("%d分", int(d/time.Minute))
	default:
		return d.String()
	}
}
