// Package notification provides implementations for various notification services
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raykavin/pricewatch/core"
	tb "gopkg.in/tucnak/telebot.v2"
)

const pollingTimeout = 10 * time.Second

// Telegram implements the core.NotifierWithStart interface on top of the
// Telegram bot API. Delivery failures are classified into the pipeline's
// retryable / permanent / rate-limited taxonomy.
type Telegram struct {
	settings core.TelegramSettings
	client   *tb.Bot
	log      core.Logger
}

// Option is a function that configures a telegram instance
type Option func(telegram *Telegram)

// NewTelegram creates and initializes a new Telegram service
func NewTelegram(settings core.TelegramSettings, log core.Logger, options ...Option) (*Telegram, error) {
	client, err := tb.NewBot(tb.Settings{
		ParseMode: tb.ModeMarkdown,
		Token:     settings.Token,
		Poller:    &tb.LongPoller{Timeout: pollingTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	bot := &Telegram{
		settings: settings,
		client:   client,
		log:      log,
	}

	for _, option := range options {
		option(bot)
	}

	registerHandlers(client, bot)

	return bot, nil
}

// registerHandlers registers all command handlers
func registerHandlers(client *tb.Bot, bot *Telegram) {
	client.Handle("/start", bot.StartHandle)
	client.Handle("/help", bot.HelpHandle)
}

// Start begins long polling for bot commands
func (t *Telegram) Start() {
	go t.client.Start()
	t.log.Info("telegram bot polling started")
}

// Stop halts long polling
func (t *Telegram) Stop() {
	t.client.Stop()
}

// Send delivers a message to the given chat. The returned error, when not
// nil, is a *core.DeliveryError carrying the failure classification.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	result := make(chan error, 1)

	go func() {
		_, err := t.client.Send(&tb.Chat{ID: chatID}, text)
		result <- err
	}()

	select {
	case err := <-result:
		if err == nil {
			return nil
		}
		return classify(err)
	case <-ctx.Done():
		return core.NewRetryableError(fmt.Errorf("send to chat %d: %w", chatID, ctx.Err()))
	}
}

// classify maps telebot errors onto the delivery failure taxonomy. Flood
// control carries the provider's reset time; 4xx API errors mean the
// recipient is unreachable until the user acts, so retrying cannot succeed.
func classify(err error) *core.DeliveryError {
	var flood tb.FloodError
	if errors.As(err, &flood) {
		return core.NewRateLimitedError(err, time.Duration(flood.RetryAfter)*time.Second)
	}

	var apiErr *tb.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400, 401, 403:
			return core.NewPermanentError(err)
		}
	}

	return core.NewRetryableError(err)
}

// Command handlers
// ---------------

// StartHandle welcomes a user and shows the chat id needed for registration
func (t *Telegram) StartHandle(m *tb.Message) {
	if m.Sender == nil {
		return
	}

	text := fmt.Sprintf("Welcome to pricewatch!\nYour chat id is `%d`.\n"+
		"Use it when registering to receive price alerts here.", m.Sender.ID)

	if _, err := t.client.Send(m.Sender, text); err != nil {
		t.log.WithError(err).Error("failed to send welcome message")
	}
}

// HelpHandle displays usage instructions
func (t *Telegram) HelpHandle(m *tb.Message) {
	text := "I deliver price alerts for your subscriptions.\n" +
		"/start - show the chat id used for registration\n" +
		"/help - this message"

	if _, err := t.client.Send(m.Sender, text); err != nil {
		t.log.WithError(err).Error("failed to send help message")
	}
}
