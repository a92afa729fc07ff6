package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{name: "引数なしはserve", args: []string{}, want: CommandServe},
		{name: "serve", args: []string{"serve"}, want: CommandServe},
		{name: "worker", args: []string{"worker"}, want: CommandWorker},
		{name: "migrate", args: []string{"migrate"}, want: CommandMigrate},
		{name: "healthcheck", args: []string{"healthcheck"}, want: CommandHealthcheck},
		{name: "bootstrapはメールアドレスを伴う", args: []string{"bootstrap", "admin@example.org"}, want: CommandBootstrap},
		{name: "不明なコマンドはserve", args: []string{"unknown"}, want: CommandServe},
		{name: "余分な引数は無視", args: []string{"worker", "--flag", "value"}, want: CommandWorker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCommand(tt.args); got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandServe, "serve"},
		{CommandWorker, "worker"},
		{CommandMigrate, "migrate"},
		{CommandBootstrap, "bootstrap"},
	}

	for _, tt := range tests {
		if got := string(tt.cmd); got != tt.want {
			t.Errorf("Command(%q) string = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}
