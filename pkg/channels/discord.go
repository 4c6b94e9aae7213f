package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

const (
	sendTimeout    = 10 * time.Second
	typingInterval = 8 * time.Second
	// Discord caps messages at 2000 characters.
	chunkLimit = 1500
	codeFence  = "```"
)

// DiscordChannel runs a persona as a Discord bot. Each Discord channel id is
// a chat, so everyone in it talks to the same locked persona.
type DiscordChannel struct {
	*surface
	session *discordgo.Session
	typing  *typingTracker
}

func NewDiscordChannel(cfg config.DiscordConfig, mb *bus.MessageBus) (*DiscordChannel, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("channels.discord.token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	c := &DiscordChannel{
		surface: newSurface("discord", mb, cfg.AllowFrom),
		session: session,
	}
	c.typing = newTypingTracker(func(chatID string) {
		if err := session.ChannelTyping(chatID); err != nil {
			logger.DebugCF("discord", "Typing indicator failed", map[string]interface{}{"error": err.Error()})
		}
	})
	return c, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(c.onMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.running.Store(true)

	fields := map[string]interface{}{}
	if u := c.session.State.User; u != nil {
		fields["username"], fields["user_id"] = u.Username, u.ID
	}
	logger.InfoCF("discord", "Discord bot connected", fields)
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.running.Store(false)
	c.typing.stopAll()
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

// Send posts a persona reply, split into Discord-sized chunks.
func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("discord channel id is empty")
	}
	defer c.typing.end(msg.ChatID)

	chunks := splitMessage(msg.Content, chunkLimit)
	logger.DebugCF("discord", "Sending persona reply", map[string]interface{}{
		"channel_id": msg.ChatID,
		"construct":  msg.ConstructKey,
		"chunks":     len(chunks),
	})
	for _, chunk := range chunks {
		if err := c.post(ctx, msg.ChatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) post(ctx context.Context, channelID, content string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSend(channelID, content)
		errc <- err
	}()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send discord message: %w", ctx.Err())
	}
}

func (c *DiscordChannel) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	// The engine is text only; attachments are named inline so the persona
	// can acknowledge them.
	lines := []string{strings.TrimSpace(m.Content)}
	media := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		media = append(media, a.URL)
		lines = append(lines, "[attachment: "+a.Filename+"]")
	}
	content := strings.TrimSpace(strings.Join(lines, "\n"))
	if content == "" {
		return
	}

	display := m.Author.Username
	if d := m.Author.Discriminator; d != "" && d != "0" {
		display += "#" + d
	}
	meta := map[string]string{
		"message_id":   m.ID,
		"user_id":      m.Author.ID,
		"username":     m.Author.Username,
		"display_name": display,
		"guild_id":     m.GuildID,
		"channel_id":   m.ChannelID,
		"is_dm":        strconv.FormatBool(m.GuildID == ""),
	}

	c.typing.begin(m.ChannelID)
	if !c.publish(m.Author.ID, m.ChannelID, content, media, meta) {
		c.typing.end(m.ChannelID)
		logger.DebugCF("discord", "Message not forwarded", map[string]interface{}{
			"user_id": m.Author.ID,
			"preview": preview(content, 50),
		})
	}
}

// typingTracker keeps a typing indicator alive per chat while replies are
// pending. Nested begin calls are counted.
type typingTracker struct {
	ping    func(chatID string)
	mu      sync.Mutex
	pending map[string]*typingEntry
}

type typingEntry struct {
	count  int
	cancel context.CancelFunc
}

func newTypingTracker(ping func(string)) *typingTracker {
	return &typingTracker{ping: ping, pending: map[string]*typingEntry{}}
}

func (t *typingTracker) begin(chatID string) {
	if chatID == "" {
		return
	}
	t.mu.Lock()
	if e, ok := t.pending[chatID]; ok {
		e.count++
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.pending[chatID] = &typingEntry{count: 1, cancel: cancel}
	t.mu.Unlock()

	t.ping(chatID)
	go func() {
		tick := time.NewTicker(typingInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				t.ping(chatID)
			}
		}
	}()
}

func (t *typingTracker) end(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[chatID]
	if !ok {
		return
	}
	if e.count--; e.count > 0 {
		return
	}
	delete(t.pending, chatID)
	e.cancel()
}

func (t *typingTracker) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.pending {
		e.cancel()
		delete(t.pending, id)
	}
}

// splitMessage breaks content into chunks of at most limit bytes, preferring
// line then word boundaries. A chunk cut inside a code block is closed with a
// fence and the next chunk reopens it with the same info string.
func splitMessage(content string, limit int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= limit {
		return []string{content}
	}

	budget := limit - len(codeFence) - 1
	var (
		chunks    []string
		cur       []string
		size      int
		openFence string // opening line of the block we are in, "" outside
		openAt    int
	)
	push := func(line string) {
		cur = append(cur, line)
		size += len(line) + 1
	}
	flush := func() {
		lines := cur
		if openFence != "" {
			if openAt == len(lines)-1 {
				// The block just opened; move its fence to the next chunk.
				lines = lines[:openAt]
			} else {
				lines = append(lines, codeFence)
			}
		}
		if text := strings.TrimSpace(strings.Join(lines, "\n")); text != "" {
			chunks = append(chunks, text)
		}
		cur, size = nil, 0
		if openFence != "" {
			push(openFence)
			openAt = 0
		}
	}

	for _, line := range strings.Split(content, "\n") {
		fence := strings.HasPrefix(strings.TrimSpace(line), codeFence)
		room := budget
		if fence && openFence != "" {
			room = limit
		}
		for _, piece := range wrapLine(line, budget-len(openFence)-1) {
			if len(cur) > 0 && size+len(piece)+1 > room {
				flush()
			}
			push(piece)
		}
		if fence {
			if openFence == "" {
				openFence, openAt = strings.TrimSpace(line), len(cur)-1
			} else {
				openFence = ""
			}
		}
	}
	flush()
	return chunks
}

// wrapLine cuts line into pieces of at most width bytes at spaces, falling
// back to a rune boundary.
func wrapLine(line string, width int) []string {
	if width < 1 {
		width = 1
	}
	var out []string
	for len(line) > width {
		cut := strings.LastIndexAny(line[:width+1], " \t")
		if cut <= 0 {
			cut = width
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = width
			}
		}
		out = append(out, strings.TrimRight(line[:cut], " \t"))
		line = strings.TrimLeft(line[cut:], " \t")
	}
	return append(out, line)
}
