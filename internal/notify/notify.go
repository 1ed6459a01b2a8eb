// Package notify sends Telegram messages for request lifecycle events.
//
// Delivery is fire-and-forget: every send runs detached from the
// caller with its own timeout, and a failure is only ever a log line
// and a counter. A ledger transition must never depend on Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mbd888/tgbtcpay/internal/ledger"
	"github.com/mbd888/tgbtcpay/internal/metrics"
	"github.com/mbd888/tgbtcpay/internal/profiles"
	"github.com/mbd888/tgbtcpay/internal/tgbtc"
)

const sendTimeout = 10 * time.Second

// Sender is the slice of the bot API the notifier uses.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// AddressResolver maps a chain address to a Telegram profile.
type AddressResolver interface {
	Lookup(ctx context.Context, address string) (*profiles.Profile, error)
}

// Notifier delivers lifecycle notices over Telegram.
type Notifier struct {
	sender   Sender
	resolver AddressResolver
	appURL   string // mini app base URL for deep links
	logger   *slog.Logger
}

// New creates a notifier. appURL may be empty, which drops the deep
// link button from messages.
func New(sender Sender, resolver AddressResolver, appURL string, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, resolver: resolver, appURL: appURL, logger: logger}
}

// NewBot builds the underlying Telegram bot client.
func NewBot(token string) (*bot.Bot, error) {
	return bot.New(token)
}

// RequestCreated tells the expected payer about a new payment request.
// Open requests (no expected payer) notify nobody.
func (n *Notifier) RequestCreated(ctx context.Context, req *ledger.PaymentRequest) {
	go n.deliver("request_created", req, n.sendCreated)
}

// PaymentConfirmed tells the payee their request was paid.
func (n *Notifier) PaymentConfirmed(ctx context.Context, req *ledger.PaymentRequest) {
	go n.deliver("payment_confirmed", req, n.sendConfirmed)
}

func (n *Notifier) sendCreated(ctx context.Context, req *ledger.PaymentRequest) error {
	if req.SenderAddress == "" {
		return errSkip
	}
	profile, err := n.resolver.Lookup(ctx, req.SenderAddress)
	if err != nil {
		if errors.Is(err, profiles.ErrProfileNotFound) {
			return errSkip
		}
		return err
	}

	text := fmt.Sprintf(
		"💸 <b>New payment request</b>\n\nAmount: <b>%s tgBTC</b>\nFrom: <code>%s</code>",
		tgbtc.Format(req.Amount), req.ReceiverAddress,
	)
	if req.Message != "" {
		text += "\n\n" + html.EscapeString(req.Message)
	}
	if req.ExpiresAt != nil {
		text += fmt.Sprintf("\n\nExpires: %s", req.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	}

	params := &bot.SendMessageParams{
		ChatID:    profile.TelegramID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if n.appURL != "" {
		params.ReplyMarkup = models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{{
				{
					Text:   "Open request",
					WebApp: &models.WebAppInfo{URL: n.deepLink(req.ID)},
				},
			}},
		}
	}

	_, err = n.sender.SendMessage(ctx, params)
	return err
}

func (n *Notifier) sendConfirmed(ctx context.Context, req *ledger.PaymentRequest) error {
	profile, err := n.resolver.Lookup(ctx, req.ReceiverAddress)
	if err != nil {
		if errors.Is(err, profiles.ErrProfileNotFound) {
			return errSkip
		}
		return err
	}

	text := fmt.Sprintf(
		"✅ <b>Payment received</b>\n\nAmount: <b>%s tgBTC</b>\nTransaction: <code>%s</code>",
		tgbtc.Format(req.Amount), req.TransactionHash,
	)

	_, err = n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    profile.TelegramID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	})
	return err
}

var errSkip = errors.New("no recipient")

func (n *Notifier) deliver(kind string, req *ledger.PaymentRequest, send func(context.Context, *ledger.PaymentRequest) error) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("panic in notification delivery", "kind", kind, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	switch err := send(ctx, req); {
	case err == nil:
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	case errors.Is(err, errSkip):
		metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
	default:
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		n.logger.Warn("notification delivery failed", "kind", kind, "error", err, "request_id", req.ID)
	}
}

func (n *Notifier) deepLink(requestID string) string {
	return fmt.Sprintf("%s?requestId=%s", n.appURL, requestID)
}
