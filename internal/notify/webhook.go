// Package notify sends Discord/Telegram alerts for solution and
// upstream-health events, subscribed off internal/events rather than
// called directly by the code that observed them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/events"
	"github.com/tos-network/tos-miner/internal/mining"
	"github.com/tos-network/tos-miner/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier handles sending notifications
type Notifier struct {
	cfg    config.NotifyConfig
	client *http.Client
}

// NewNotifier creates a new notifier
func NewNotifier(cfg config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Subscribe consumes events off bus until ctx is cancelled, firing
// alerts for solutions and network-down conditions.
func (n *Notifier) Subscribe(ctx context.Context, bus *events.Bus) {
	if !n.cfg.Enabled {
		return
	}

	ch, unsubscribe := bus.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				n.handleEvent(ev)
			}
		}
	}()
}

func (n *Notifier) handleEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindSolution:
		cand, ok := ev.Data.(mining.SolutionCandidate)
		if !ok {
			return
		}
		n.NotifySolutionFound(cand.Address, cand.Snapshot.ChallengeID, cand.Hash)
	case events.KindDevFeeTriggered:
		m, ok := ev.Data.(map[string]interface{})
		if !ok {
			return
		}
		address, _ := m["address"].(string)
		challengeID, _ := m["challenge_id"].(string)
		n.NotifyDevFeeTriggered(address, challengeID)
	case events.KindError:
		msg, ok := ev.Data.(string)
		if !ok {
			return
		}
		n.NotifyNetworkDown(msg)
	}
}

// NotifySolutionFound sends notifications when a solution is accepted.
func (n *Notifier) NotifySolutionFound(address, challengeID, hash string) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordSolutionNotification(address, challengeID, hash)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramSolutionNotification(address, challengeID, hash)
	}
}

// NotifyDevFeeTriggered sends notifications when a dev-fee cohort is
// mined to cover an owed obligation.
func (n *Notifier) NotifyDevFeeTriggered(address, challengeID string) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordDevFeeNotification(address, challengeID)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramDevFeeNotification(address, challengeID)
	}
}

// NotifyNetworkDown sends notifications when the poll-failure breaker
// trips into a NetworkDown condition.
func (n *Notifier) NotifyNetworkDown(detail string) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordNetworkDownNotification(detail)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramNetworkDownNotification(detail)
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscordSolutionNotification(address, challengeID, hash string) {
	embed := DiscordEmbed{
		Title:       "Solution Found",
		Description: fmt.Sprintf("**%s** found a solution", n.name()),
		Color:       0x00FF00, // Green
		Fields: []DiscordField{
			{Name: "Address", Value: truncateAddress(address), Inline: true},
			{Name: "Challenge", Value: challengeID, Inline: true},
			{Name: "Hash", Value: truncateHash(hash), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: n.name()},
	}

	n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordDevFeeNotification(address, challengeID string) {
	embed := DiscordEmbed{
		Title:       "Dev-Fee Cohort Triggered",
		Description: fmt.Sprintf("**%s** started a dev-fee cohort", n.name()),
		Color:       0x3498DB, // Blue
		Fields: []DiscordField{
			{Name: "Address", Value: truncateAddress(address), Inline: true},
			{Name: "Challenge", Value: challengeID, Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: n.name()},
	}

	n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordNetworkDownNotification(detail string) {
	embed := DiscordEmbed{
		Title:       "Network Down",
		Description: fmt.Sprintf("**%s** lost connectivity to every configured upstream", n.name()),
		Color:       0xFF0000, // Red
		Fields: []DiscordField{
			{Name: "Detail", Value: detail, Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: n.name()},
	}

	n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, then 4s (MaxRetries attempts in all)
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return // Success
		}

		// Rate limited - wait longer
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegramSolutionNotification(address, challengeID, hash string) {
	text := fmt.Sprintf(
		"*Solution Found*\n\n"+
			"Address: `%s`\n"+
			"Challenge: `%s`\n"+
			"Hash: `%s`",
		truncateAddress(address), challengeID, truncateHash(hash),
	)

	n.sendTelegramMessageWithRetry(text)
}

func (n *Notifier) sendTelegramDevFeeNotification(address, challengeID string) {
	text := fmt.Sprintf(
		"*Dev-Fee Cohort Triggered*\n\n"+
			"Address: `%s`\n"+
			"Challenge: `%s`",
		truncateAddress(address), challengeID,
	)

	n.sendTelegramMessageWithRetry(text)
}

func (n *Notifier) sendTelegramNetworkDownNotification(detail string) {
	text := fmt.Sprintf(
		"*Network Down*\n\n"+
			"Detail: `%s`",
		detail,
	)

	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return // Success
		}

		// Rate limited
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", MaxRetries, lastErr)
	}
}

func (n *Notifier) name() string {
	if n.cfg.MinerName != "" {
		return n.cfg.MinerName
	}
	return "tos-miner"
}

// truncateAddress returns a shortened address for display
func truncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
