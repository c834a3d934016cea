// Package discord implements platform.ChatPlatform on top of the Discord
// gateway. It also feeds guild membership, role and emoji events into the
// per-guild info payload caches.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/sourcebridge/sourcebridge/internal/config"
	"github.com/sourcebridge/sourcebridge/internal/infopayload"
	"github.com/sourcebridge/sourcebridge/internal/platform"
)

// Platform is the Discord backend. It implements platform.ChatPlatform and
// server.Service.
type Platform struct {
	session *discordgo.Session
	payload *infopayload.Registry
	logger  *zap.Logger
	handler platform.MessageHandler
	done    chan struct{}
}

// New creates a Discord platform from a bot token. The session is not opened
// until Start.
func New(cfg config.DiscordConfig, payload *infopayload.Registry, logger *zap.Logger) (*Platform, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMembers |
		discordgo.IntentGuildMessages |
		discordgo.IntentGuildEmojis |
		discordgo.IntentMessageContent
	session.StateEnabled = true

	p := &Platform{
		session: session,
		payload: payload,
		logger:  logger,
		done:    make(chan struct{}),
	}
	session.AddHandler(p.onReady)
	session.AddHandler(p.onGuildCreate)
	session.AddHandler(p.onMessageCreate)
	session.AddHandler(p.onMemberAdd)
	session.AddHandler(p.onMemberUpdate)
	session.AddHandler(p.onMemberRemove)
	session.AddHandler(p.onRoleCreate)
	session.AddHandler(p.onRoleUpdate)
	session.AddHandler(p.onRoleDelete)
	session.AddHandler(p.onEmojisUpdate)
	return p, nil
}

// OnMessage registers the inbound message handler.
//
// Precondition: called before Start.
func (p *Platform) OnMessage(handler platform.MessageHandler) {
	p.handler = handler
}

// Start opens the gateway session and blocks until Stop.
func (p *Platform) Start() error {
	if err := p.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}
	<-p.done
	return nil
}

// Stop closes the gateway session and unblocks Start.
func (p *Platform) Stop() {
	if err := p.session.Close(); err != nil {
		p.logger.Warn("closing discord session", zap.Error(err))
	}
	close(p.done)
}

// Post sends content to a channel and returns the created message id.
func (p *Platform) Post(ctx context.Context, channelID, content string) (string, error) {
	msg, err := p.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("posting to channel %s: %w", channelID, err)
	}
	return msg.ID, nil
}

// Edit replaces the content of an earlier Post.
func (p *Platform) Edit(ctx context.Context, channelID, messageID, content string) error {
	if _, err := p.session.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("editing message %s: %w", messageID, err)
	}
	return nil
}

// NotifyUser opens (or reuses) a DM channel and delivers content.
func (p *Platform) NotifyUser(ctx context.Context, userID, content string) error {
	ch, err := p.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		if isGone(err) {
			return platform.ErrUnresolvableRecipient
		}
		return fmt.Errorf("opening dm channel for %s: %w", userID, err)
	}
	if _, err := p.session.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx)); err != nil {
		if isGone(err) {
			return platform.ErrUnresolvableRecipient
		}
		return fmt.Errorf("sending dm to %s: %w", userID, err)
	}
	return nil
}

// ResolveMember looks userID up in every guild the bot is in, hitting the
// REST API when the state cache misses.
func (p *Platform) ResolveMember(ctx context.Context, userID string) (platform.Member, error) {
	for _, guild := range p.session.State.Guilds {
		member, err := p.session.State.Member(guild.ID, userID)
		if err != nil {
			member, err = p.session.GuildMember(guild.ID, userID, discordgo.WithContext(ctx))
		}
		if err == nil {
			return platform.Member{ID: member.User.ID, Name: displayName(member)}, nil
		}
	}
	return platform.Member{}, platform.ErrUnresolvableRecipient
}

// isGone reports whether err is a REST rejection meaning the target user or
// channel no longer exists or cannot be messaged.
func isGone(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return false
	}
	switch restErr.Response.StatusCode {
	case http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func (p *Platform) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	p.logger.Info("discord session ready",
		zap.String("user", r.User.Username),
		zap.Int("guilds", len(r.Guilds)),
	)
}

func (p *Platform) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	cache := p.payload.Guild(g.Guild.ID)
	for _, role := range g.Roles {
		cache.UpdateRole(payloadRole(role))
	}
	for _, member := range g.Members {
		cache.UpdateMember(p.payloadMember(g.Guild.ID, member))
	}
	cache.SetEmojis(payloadEmojis(g.Emojis))
	p.logger.Info("guild loaded",
		zap.String("guild", g.Name),
		zap.Int("members", len(g.Members)),
		zap.Int("roles", len(g.Roles)),
	)
}

func (p *Platform) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}
	if p.handler == nil {
		return
	}

	colour, topRole := p.memberStyle(m.GuildID, m.Member)
	name := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		name = m.Member.Nick
	}
	p.handler(context.Background(), platform.Message{
		ChannelID:    m.ChannelID,
		GuildID:      m.GuildID,
		MessageID:    m.ID,
		AuthorID:     m.Author.ID,
		AuthorName:   name,
		AuthorColour: colour,
		TopRole:      topRole,
		Content:      m.Content,
		CleanContent: m.ContentWithMentionsReplaced(),
		FromBot:      false,
	})
}

func (p *Platform) onMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	p.payload.Guild(m.GuildID).UpdateMember(p.payloadMember(m.GuildID, m.Member))
}

func (p *Platform) onMemberUpdate(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
	p.payload.Guild(m.GuildID).UpdateMember(p.payloadMember(m.GuildID, m.Member))
}

func (p *Platform) onMemberRemove(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
	p.payload.Guild(m.GuildID).RemoveMember(m.User.ID)
}

func (p *Platform) onRoleCreate(_ *discordgo.Session, r *discordgo.GuildRoleCreate) {
	p.payload.Guild(r.GuildID).UpdateRole(payloadRole(r.Role))
}

func (p *Platform) onRoleUpdate(_ *discordgo.Session, r *discordgo.GuildRoleUpdate) {
	p.payload.Guild(r.GuildID).UpdateRole(payloadRole(r.Role))
}

func (p *Platform) onRoleDelete(_ *discordgo.Session, r *discordgo.GuildRoleDelete) {
	p.payload.Guild(r.GuildID).RemoveRole(r.RoleID)
}

func (p *Platform) onEmojisUpdate(_ *discordgo.Session, e *discordgo.GuildEmojisUpdate) {
	p.payload.Guild(e.GuildID).SetEmojis(payloadEmojis(e.Emojis))
}

// memberStyle returns the hex colour and name of the member's highest role
// that carries a colour.
func (p *Platform) memberStyle(guildID string, member *discordgo.Member) (string, string) {
	if member == nil || guildID == "" {
		return "", ""
	}
	roles := p.sortedRoles(guildID, member.Roles)
	colour, topRole := "", ""
	if len(roles) > 0 {
		topRole = roles[0].Name
	}
	for _, role := range roles {
		if role.Color != 0 {
			colour = colourHex(role.Color)
			break
		}
	}
	return colour, topRole
}

// sortedRoles resolves role ids against the state cache, highest position
// first.
func (p *Platform) sortedRoles(guildID string, roleIDs []string) []*discordgo.Role {
	roles := make([]*discordgo.Role, 0, len(roleIDs))
	for _, id := range roleIDs {
		role, err := p.session.State.Role(guildID, id)
		if err != nil {
			continue
		}
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Position > roles[j].Position })
	return roles
}

func (p *Platform) payloadMember(guildID string, member *discordgo.Member) infopayload.Member {
	colour, topRole := p.memberStyle(guildID, member)
	return infopayload.Member{
		ID:      member.User.ID,
		Name:    member.User.Username,
		Nick:    member.Nick,
		TopRole: topRole,
		Colour:  colour,
		Avatar:  member.User.AvatarURL(""),
	}
}

func payloadRole(role *discordgo.Role) infopayload.Role {
	return infopayload.Role{
		ID:       role.ID,
		Name:     role.Name,
		Colour:   colourHex(role.Color),
		Position: role.Position,
	}
}

func payloadEmojis(emojis []*discordgo.Emoji) []infopayload.Emoji {
	out := make([]infopayload.Emoji, 0, len(emojis))
	for _, e := range emojis {
		out = append(out, infopayload.Emoji{
			ID:   e.ID,
			Name: e.Name,
			URL:  discordgo.EndpointEmoji(e.ID),
		})
	}
	return out
}

func displayName(member *discordgo.Member) string {
	if member.Nick != "" {
		return member.Nick
	}
	return member.User.Username
}

func colourHex(c int) string {
	if c == 0 {
		return ""
	}
	return fmt.Sprintf("#%06x", c)
}
