package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Telegram publishes deal posts through the internal bot API and reads
// back the live post text from the public t.me embed page.
type Telegram struct {
	botBaseURL string
	httpClient *http.Client
	log        *zap.Logger
}

func NewTelegram(botBaseURL string, log *zap.Logger) *Telegram {
	return &Telegram{
		botBaseURL: strings.TrimRight(botBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

type postRequest struct {
	DealID string `json:"deal_id"`
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type postResult struct {
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	PostURL   string `json:"post_url"`
}

// Publish posts text into the destination chat and returns the resulting
// message id.
func (t *Telegram) Publish(ctx context.Context, chatID int64, dealID uuid.UUID, text string) (int64, error) {
	body, err := json.Marshal(postRequest{DealID: dealID.String(), ChatID: chatID, Text: text})
	if err != nil {
		return 0, err
	}

	url := fmt.Sprintf("%s/internal/deals/%s/post", t.botBaseURL, dealID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("bot service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("bot service returned %d: %s", resp.StatusCode, string(b))
	}

	var result postResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

type accessResult struct {
	IsAdmin         bool `json:"is_admin"`
	CanPostMessages bool `json:"can_post_messages"`
}

// HasAccess reports whether the bot still holds posting rights on the
// channel.
func (t *Telegram) HasAccess(ctx context.Context, channelUsername string) (bool, error) {
	url := fmt.Sprintf("%s/internal/channels/%s/access", t.botBaseURL, channelUsername)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("bot service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("bot service returned %d: %s", resp.StatusCode, string(b))
	}

	var result accessResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, err
	}
	return result.IsAdmin && result.CanPostMessages, nil
}

// FetchLiveText loads the public embed page of a post and extracts its
// text. exists=false means the post is gone.
func (t *Telegram) FetchLiveText(ctx context.Context, channelUsername string, messageID int64) (string, bool, error) {
	url := fmt.Sprintf("https://t.me/%s/%d?embed=1", channelUsername, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", false, err
	}

	text := strings.TrimSpace(doc.Find(".tgme_widget_message_text").Text())
	if text == "" && doc.Find(".tgme_widget_message").Length() == 0 {
		// No widget at all: deleted post.
		return "", false, nil
	}
	return text, true, nil
}
