// Package telegram adapts the transport boundary onto the Telegram Bot API
// via telebot. It is a thin shim: pacing, admission, and retries all live in
// the engine; the adapter only translates calls and classifies errors.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec is a hard floor limiter under the governor. Telegram bots
	// get throttled around 30 msg/s globally; default 5 leaves headroom.
	RatePerSec int
}

type Client struct {
	cfg Config
	log logx.Logger

	limiter *rate.Limiter

	mu        sync.Mutex
	bot       *tele.Bot
	connected bool

	disconnects chan transport.Disconnect
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:         cfg,
		log:         log,
		limiter:     rate.NewLimiter(rate.Limit(rps), rps),
		disconnects: make(chan transport.Disconnect, 4),
	}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	// NewBot performs a getMe round-trip, which doubles as the connect probe.
	b, err := tele.NewBot(tele.Settings{
		Token:  c.cfg.Token,
		Poller: &tele.LongPoller{Timeout: c.cfg.PollTimeout},
	})
	if err != nil {
		return err
	}
	c.bot = b
	c.connected = true

	// Telebot's Start() blocks until Stop(); if it exits while we still
	// believe we're connected, that is a connection loss.
	go func() {
		b.Start()
		c.mu.Lock()
		lost := c.connected
		c.connected = false
		c.mu.Unlock()
		if lost {
			c.log.Warn("telegram poller exited")
			c.emitDisconnect("poller exited")
		}
	}()

	c.log.Info("telegram connected", logx.String("bot", b.Me.Username))
	return nil
}

func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	b := c.bot
	c.connected = false
	c.bot = nil
	c.mu.Unlock()
	if b != nil {
		// telebot Stop is expected to be fast; run it async just in case.
		done := make(chan struct{})
		go func() {
			b.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			c.log.Warn("telegram stop timed out")
		}
	}
	return nil
}

func (c *Client) Disconnects() <-chan transport.Disconnect {
	return c.disconnects
}

func (c *Client) emitDisconnect(reason string) {
	select {
	case c.disconnects <- transport.Disconnect{Reason: reason, At: time.Now()}:
	default:
		// A pending event already describes the loss.
	}
}

func (c *Client) current() (*tele.Bot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.bot == nil {
		return nil, transport.ErrNotConnected
	}
	return c.bot, nil
}

func (c *Client) SendMessage(ctx context.Context, dest transport.Destination, text string, replyTo string) (transport.SendResult, error) {
	b, err := c.current()
	if err != nil {
		return transport.SendResult{}, err
	}
	to, err := recipient(dest)
	if err != nil {
		return transport.SendResult{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return transport.SendResult{}, err
	}

	opts := &tele.SendOptions{}
	if replyTo != "" {
		if id, err := strconv.Atoi(replyTo); err == nil {
			opts.ReplyTo = &tele.Message{ID: id}
		}
	}

	msg, err := b.Send(to, text, opts)
	if err != nil {
		return transport.SendResult{}, c.classify(err)
	}
	return transport.SendResult{
		MessageID: strconv.Itoa(msg.ID),
		SentAt:    msg.Time(),
	}, nil
}

func (c *Client) UpdatePresence(ctx context.Context, dest transport.Destination, state transport.PresenceState) error {
	_ = ctx
	b, err := c.current()
	if err != nil {
		return err
	}
	to, err := recipient(dest)
	if err != nil {
		return err
	}
	switch state {
	case transport.PresenceTyping:
		return c.classify(b.Notify(to, tele.Typing))
	default:
		// Telegram has no explicit available/paused signal for bots;
		// dropping the action is the correct translation.
		return nil
	}
}

func (c *Client) SubscribePresence(ctx context.Context, dest transport.Destination) error {
	_ = ctx
	_ = dest
	// Bot API exposes no contact presence stream.
	return transport.ErrUnsupported
}

// classify maps telebot errors onto the engine's coarse taxonomy.
func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return errors.Join(transport.ErrRateLimited, err)
	}
	if errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrNotStartedByUser) {
		return errors.Join(transport.ErrBlocked, err)
	}
	return err
}

func recipient(dest transport.Destination) (tele.Recipient, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(string(dest)), 10, 64)
	if err != nil {
		return nil, errors.New("telegram destination must be a numeric chat id: " + string(dest))
	}
	return &tele.Chat{ID: id}, nil
}
