package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeSender struct {
	name string
	err  error
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, title, message string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, title)
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func TestNotifyFilter(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		event  string
		sent   bool
	}{
		{"empty filter allows all", nil, "position_opened", true},
		{"listed event passes", []string{"failsafe", "risk_suspended"}, "failsafe", true},
		{"unlisted event dropped", []string{"failsafe"}, "position_opened", false},
		{"whitespace entries ignored", []string{"  ", "failsafe"}, "failsafe", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSender{name: "telegram"}
			n := NewNotifier([]Sender{s}, tt.events, slog.New(slog.NewTextHandler(io.Discard, nil)))

			if err := n.Notify(context.Background(), tt.event, "t", "m"); err != nil {
				t.Fatalf("Notify: %v", err)
			}
			if got := len(s.sent) == 1; got != tt.sent {
				t.Fatalf("sent = %v, want %v", got, tt.sent)
			}
		})
	}
}

func TestNotifyPartialFailure(t *testing.T) {
	bad := &fakeSender{name: "telegram", err: errors.New("api down")}
	good := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{bad, good}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := n.Notify(context.Background(), "failsafe", "t", "m")
	if err == nil {
		t.Fatal("failing sender must surface an error")
	}
	if len(good.sent) != 1 {
		t.Fatal("one failing sender must not block the others")
	}
}

func TestNotifyNoSenders(t *testing.T) {
	n := NewNotifier(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := n.Notify(context.Background(), "failsafe", "t", "m"); err != nil {
		t.Fatalf("no senders should be a no-op, got %v", err)
	}
}
