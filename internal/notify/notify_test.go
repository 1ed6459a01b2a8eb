package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mbd888/tgbtcpay/internal/ledger"
	"github.com/mbd888/tgbtcpay/internal/profiles"
)

const payerAddr = "EQBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0XggGG"
const payeeAddr = "UQBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0Xgtwt"

type fakeSender struct {
	sent []*bot.SendMessageParams
	err  error
}

func (f *fakeSender) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	return &models.Message{ID: len(f.sent)}, nil
}

func setup(t *testing.T) (*Notifier, *fakeSender) {
	t.Helper()
	svc := profiles.NewService(profiles.NewMemoryStore())
	ctx := context.Background()
	if _, err := svc.Upsert(ctx, profiles.Profile{TelegramID: 100, Address: payerAddr}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Upsert(ctx, profiles.Profile{TelegramID: 200, Address: payeeAddr}); err != nil {
		t.Fatal(err)
	}
	sender := &fakeSender{}
	return New(sender, svc, "https://t.me/tgbtcpay/app", slog.Default()), sender
}

func TestSendCreated_NotifiesPayerWithDeepLink(t *testing.T) {
	n, sender := setup(t)
	expiry := time.Now().Add(time.Hour)

	err := n.sendCreated(context.Background(), &ledger.PaymentRequest{
		ID:              "req_1",
		SenderAddress:   payerAddr,
		ReceiverAddress: payeeAddr,
		Amount:          150_000_000,
		Message:         "lunch <3",
		ExpiresAt:       &expiry,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.sent))
	}

	msg := sender.sent[0]
	if msg.ChatID != int64(100) {
		t.Errorf("expected payer chat 100, got %v", msg.ChatID)
	}
	if !strings.Contains(msg.Text, "1.50000000 tgBTC") {
		t.Errorf("amount missing from text: %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "lunch &lt;3") {
		t.Errorf("message must be HTML-escaped: %q", msg.Text)
	}

	markup, ok := msg.ReplyMarkup.(models.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("expected inline keyboard, got %T", msg.ReplyMarkup)
	}
	btn := markup.InlineKeyboard[0][0]
	if btn.WebApp == nil || !strings.Contains(btn.WebApp.URL, "requestId=req_1") {
		t.Errorf("expected mini app deep link, got %+v", btn.WebApp)
	}
}

func TestSendCreated_OpenRequestNotifiesNobody(t *testing.T) {
	n, sender := setup(t)

	err := n.sendCreated(context.Background(), &ledger.PaymentRequest{
		ID:              "req_2",
		ReceiverAddress: payeeAddr,
		Amount:          1000,
	})
	if !errors.Is(err, errSkip) {
		t.Errorf("expected skip for open request, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected no messages, got %d", len(sender.sent))
	}
}

func TestSendCreated_UnknownPayerSkips(t *testing.T) {
	n, sender := setup(t)

	err := n.sendCreated(context.Background(), &ledger.PaymentRequest{
		ID:              "req_3",
		SenderAddress:   "EQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		ReceiverAddress: payeeAddr,
		Amount:          1000,
	})
	if !errors.Is(err, errSkip) {
		t.Errorf("expected skip for unknown payer, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected no messages, got %d", len(sender.sent))
	}
}

func TestSendConfirmed_NotifiesPayee(t *testing.T) {
	n, sender := setup(t)

	err := n.sendConfirmed(context.Background(), &ledger.PaymentRequest{
		ID:              "req_4",
		SenderAddress:   payerAddr,
		ReceiverAddress: payeeAddr,
		Amount:          50_000_000,
		TransactionHash: "abc123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.ChatID != int64(200) {
		t.Errorf("expected payee chat 200, got %v", msg.ChatID)
	}
	if !strings.Contains(msg.Text, "0.50000000 tgBTC") || !strings.Contains(msg.Text, "abc123") {
		t.Errorf("unexpected text: %q", msg.Text)
	}
}

func TestDeliver_SendErrorDoesNotPanic(t *testing.T) {
	n, sender := setup(t)
	sender.err = errors.New("telegram down")

	n.deliver("request_created", &ledger.PaymentRequest{
		ID:              "req_5",
		SenderAddress:   payerAddr,
		ReceiverAddress: payeeAddr,
		Amount:          1000,
	}, n.sendCreated)
}

func TestWithoutAppURLOmitsKeyboard(t *testing.T) {
	svc := profiles.NewService(profiles.NewMemoryStore())
	if _, err := svc.Upsert(context.Background(), profiles.Profile{TelegramID: 100, Address: payerAddr}); err != nil {
		t.Fatal(err)
	}
	sender := &fakeSender{}
	n := New(sender, svc, "", slog.Default())

	err := n.sendCreated(context.Background(), &ledger.PaymentRequest{
		ID:              "req_6",
		SenderAddress:   payerAddr,
		ReceiverAddress: payeeAddr,
		Amount:          1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if sender.sent[0].ReplyMarkup != nil {
		t.Errorf("expected no keyboard without an app URL, got %+v", sender.sent[0].ReplyMarkup)
	}
}
