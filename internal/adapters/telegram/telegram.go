package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"dutybot/internal/kit"
	logx "dutybot/pkg/logx"
)

type Config struct {
	Token string

	// SendTimeout bounds one provider call. The scheduler adds no timeout of
	// its own; a timed-out call simply counts as a failed attempt.
	SendTimeout time.Duration
}

// Client is the delivery client for the Telegram Bot API.
//
// It is constructed offline: a missing or invalid token surfaces at send time
// (classified ErrNotConfigured / ErrRejected), never at construction.
type Client struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	http *http.Client
}

var errNoToken = errors.New("telegram token is empty")

func New(cfg Config, log logx.Logger) (*Client, error) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	c := &Client{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: 8 * time.Second},
	}
	if strings.TrimSpace(cfg.Token) != "" {
		// Offline keeps NewBot from calling getMe; availability is probed
		// separately so a bad token doesn't fail construction.
		b, err := tele.NewBot(tele.Settings{
			Token:   cfg.Token,
			Offline: true,
			Client:  &http.Client{Timeout: cfg.SendTimeout},
		})
		if err != nil {
			return nil, err
		}
		c.bot = b
	}
	return c, nil
}

// Send performs exactly one sendMessage call.
func (c *Client) Send(ctx context.Context, to kit.ChatTarget, text string) (kit.SendResult, error) {
	if c.bot == nil {
		return kit.SendResult{}, errNoToken
	}
	chat := &tele.Chat{ID: to.ChatID}
	opt := &tele.SendOptions{ThreadID: to.ThreadID}

	msg, err := c.bot.Send(chat, text, opt)
	if err != nil {
		return kit.SendResult{}, err
	}
	return kit.SendResult{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// CheckAvailability probes provider reachability and credential validity via
// getMe. Best-effort: any failure reads as unavailable, never as an error.
func (c *Client) CheckAvailability(ctx context.Context) bool {
	token := strings.TrimSpace(c.cfg.Token)
	if token == "" {
		return false
	}

	url := "https://api.telegram.org/bot" + token + "/getMe"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("availability probe failed", logx.Err(err))
		return false
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode/100 != 2 || !out.OK {
		c.log.Debug("availability probe rejected",
			logx.Int("http", resp.StatusCode),
			logx.Int("code", out.ErrorCode),
			logx.String("desc", out.Description))
		return false
	}
	return true
}

// Classify maps a Send error into the small failure taxonomy. The kind only
// drives suggestion text; every failure is retried the same way.
func (c *Client) Classify(err error) kit.ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, errNoToken) {
		return kit.ErrNotConfigured
	}

	var flood *tele.FloodError
	if errors.As(err, &flood) {
		// Flood control is a provider-side rejection of this particular send.
		return kit.ErrRejected
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 404:
			// Unauthorized / bot not found: the token is wrong.
			return kit.ErrNotConfigured
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return kit.ErrRejected
		case apiErr.Code >= 500:
			return kit.ErrUnreachable
		}
		return kit.ErrUnknown
	}

	// No structured provider error: almost always transport-level.
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return kit.ErrUnreachable
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "network") {
		return kit.ErrUnreachable
	}
	return kit.ErrUnknown
}

var _ kit.Delivery = (*Client)(nil)
