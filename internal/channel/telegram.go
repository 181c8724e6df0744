package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/vnorme/vnorme-bot/internal/bus"
	"github.com/vnorme/vnorme-bot/internal/config"
	"github.com/vnorme/vnorme-bot/internal/logging"
)

const (
	telegramChannelName = "telegram"

	// MaxMessageRunes keeps each chunk below Telegram's 4096 character limit
	// with room for HTML entities.
	MaxMessageRunes = 3800

	maxUpdateBytes   = 1 << 20
	maxDownloadBytes = 20 << 20
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return w.bot.GetFile(config)
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel receives updates through a webhook and replies through the
// Bot API. It implements http.Handler for the webhook route.
type TelegramChannel struct {
	BaseChannel
	token      string
	webhookURL string
	route      string
	bot        TelegramBot
	httpClient *http.Client
	botFactory BotFactory
	logger     *log.Logger
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		route:       cfg.WebhookRoute(),
		httpClient:  http.DefaultClient,
		botFactory:  factory,
		logger:      logging.For(telegramChannelName),
	}
	if strings.TrimSpace(cfg.PublicURL) != "" {
		ch.webhookURL = cfg.WebhookURL()
	}
	return ch, nil
}

// Route is the path the webhook handler must be mounted on.
func (t *TelegramChannel) Route() string { return t.route }

func (t *TelegramChannel) initBot() error {
	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, t.httpClient)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.logger.Info("authorized", "bot", "@"+bot.GetSelf().UserName)
	return nil
}

// Start authorizes the bot and points the Telegram webhook at this process.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.webhookURL == "" {
		return fmt.Errorf("telegram public url is required for webhook mode")
	}
	if err := t.initBot(); err != nil {
		return err
	}

	wh, err := tgbotapi.NewWebhook(t.webhookURL)
	if err != nil {
		return fmt.Errorf("build webhook: %w", err)
	}
	if _, err := t.bot.Request(wh); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	t.logger.Info("webhook registered", "route", t.route)
	return nil
}

// Stop leaves the webhook registered so updates queue on Telegram's side
// while the process restarts.
func (t *TelegramChannel) Stop() error {
	t.logger.Info("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

func (t *TelegramChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBytes)).Decode(&update); err != nil {
		t.logger.Warn("bad update payload", "err", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := t.handleUpdate(r.Context(), update); err != nil {
		t.logger.Error("enqueue update failed", "update", update.UpdateID, "err", err)
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil {
		return nil
	}
	return t.handleMessage(ctx, update.Message)
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil || msg.Chat == nil {
		return nil
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.IsAllowed(senderID) {
		t.logger.Warn("rejected sender", "sender", senderID, "user", msg.From.UserName)
		return nil
	}

	in := bus.InboundMessage{
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Timestamp: time.Unix(int64(msg.Date), 0),
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
			"message_id": msg.MessageID,
		},
	}

	switch {
	case msg.Voice != nil:
		in.Kind = bus.KindVoice
		in.Voice = t.attachment(msg.Voice.FileID, "voice.ogg", msg.Voice.MimeType, msg.Voice.FileSize)
	case msg.Audio != nil:
		in.Kind = bus.KindVoice
		in.Voice = t.attachment(msg.Audio.FileID, msg.Audio.FileName, msg.Audio.MimeType, msg.Audio.FileSize)
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		in.Kind = bus.KindPhoto
		in.Content = msg.Caption
		in.Photo = t.attachment(largest.FileID, "", "", largest.FileSize)
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		in.Kind = bus.KindPhoto
		in.Content = msg.Caption
		in.Photo = t.attachment(msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType, msg.Document.FileSize)
	case strings.TrimSpace(msg.Text) != "":
		in.Kind = bus.KindText
		in.Content = msg.Text
	case unsupportedMedia(msg):
		// Empty text makes the assistant answer with the unsupported-input hint.
		in.Kind = bus.KindText
	default:
		return nil
	}

	return t.bus.PublishInbound(ctx, in)
}

func unsupportedMedia(msg *tgbotapi.Message) bool {
	return msg.Sticker != nil || msg.Video != nil || msg.VideoNote != nil ||
		msg.Animation != nil || msg.Document != nil || msg.Location != nil || msg.Contact != nil
}

// attachment defers the download until the assistant asks for the bytes.
func (t *TelegramChannel) attachment(fileID, name, mimeType string, size int) *bus.Attachment {
	return &bus.Attachment{
		FileID:   fileID,
		FileName: name,
		MimeType: mimeType,
		Size:     size,
		Fetch: func(ctx context.Context) ([]byte, error) {
			return t.downloadFileData(ctx, fileID)
		},
	}
}

func (t *TelegramChannel) downloadFileData(ctx context.Context, fileID string) ([]byte, error) {
	if t.bot == nil {
		return nil, fmt.Errorf("telegram bot not initialized")
	}

	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get telegram file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(t.token), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download telegram file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read telegram file body: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("telegram file exceeds %d bytes", maxDownloadBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("telegram file is empty")
	}
	return data, nil
}

// Send delivers a reply in chunks. Each chunk goes out as HTML first and is
// resent as plain text if Telegram rejects the markup.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)

	chunks := SplitMessage(msg.Content, MaxMessageRunes)
	if len(chunks) == 0 {
		return errors.New("empty message")
	}
	for i, chunk := range chunks {
		tgMsg := tgbotapi.NewMessage(chatID, toTelegramHTML(chunk))
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if i == 0 {
			tgMsg.ReplyToMessageID = replyTo
		}
		if _, err := t.bot.Send(tgMsg); err != nil {
			t.logger.Debug("html rejected, resending as plain text", "chat", msg.ChatID, "err", err)
			tgMsg.ParseMode = ""
			tgMsg.Text = chunk
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message (part %d/%d): %w", i+1, len(chunks), err2)
			}
		}
	}
	return nil
}

// SplitMessage cuts text into pieces of at most limit runes, preferring line
// breaks, then spaces, then a hard cut.
func SplitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}

	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		cut := splitPoint(text, limit)
		if chunk := strings.TrimRightFunc(text[:cut], unicode.IsSpace); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimLeftFunc(text[cut:], unicode.IsSpace)
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func splitPoint(text string, limit int) int {
	end := len(text)
	n := 0
	for i := range text {
		if n == limit {
			end = i
			break
		}
		n++
	}
	window := text[:end]
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i
	}
	if i := strings.LastIndexFunc(window, unicode.IsSpace); i > 0 {
		return i
	}
	return end
}

var (
	htmlEscaper   = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	codeBlockRe   = regexp.MustCompile("(?s)```(?:[\\w+-]*\\n)?(.*?)```")
	inlineCodeRe  = regexp.MustCompile("`([^`\\n]+)`")
	headingRe     = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+)$`)
	bulletRe      = regexp.MustCompile(`(?m)^([ \t]*)[*-][ \t]+`)
	boldRe        = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	italicRe      = regexp.MustCompile(`(^|[^*\w])\*([^*\s](?:[^*\n]*[^*\s])?)\*`)
	placeholderRe = regexp.MustCompile("\x00(\\d+)\x00")
)

// toTelegramHTML converts the markdown subset models usually produce into
// Telegram HTML. Code spans are protected from the other rules.
func toTelegramHTML(s string) string {
	s = htmlEscaper.Replace(s)

	var stash []string
	keep := func(html string) string {
		stash = append(stash, html)
		return "\x00" + strconv.Itoa(len(stash)-1) + "\x00"
	}
	s = codeBlockRe.ReplaceAllStringFunc(s, func(m string) string {
		return keep("<pre>" + codeBlockRe.FindStringSubmatch(m)[1] + "</pre>")
	})
	s = inlineCodeRe.ReplaceAllStringFunc(s, func(m string) string {
		return keep("<code>" + m[1:len(m)-1] + "</code>")
	})

	s = headingRe.ReplaceAllString(s, "<b>$1</b>")
	s = bulletRe.ReplaceAllString(s, "$1• ")
	s = boldRe.ReplaceAllString(s, "<b>$1</b>")
	s = italicRe.ReplaceAllString(s, "$1<i>$2</i>")

	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		i, _ := strconv.Atoi(m[1 : len(m)-1])
		return stash[i]
	})
}
