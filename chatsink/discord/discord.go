// Package discord is the concrete chatsink.ChatSink binding over
// github.com/bwmarrin/discordgo, the one place in the repository that
// imports discordgo directly.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/chatsink"
	"github.com/kizaibot/kizaibot/log"
	"github.com/kizaibot/kizaibot/reservation"
	"github.com/kizaibot/kizaibot/router"
)

var logger = log.SubLogger("discord")

// Sink adapts a live discordgo.Session to chatsink.ChatSink, and wires
// that same session's InteractionCreate events to the InteractionRouter
// — the two halves of the one bwmarrin/discordgo session this
// repository keeps, symmetric with how the teacher's exchange wrapper
// owns both the outbound REST client and the inbound websocket callback
// over a single connection.
type Sink struct {
	session *discordgo.Session
	router  *router.Router
}

// New opens a discordgo session authenticated with token, registers the
// InteractionRouter as its InteractionCreate handler, and starts the
// gateway connection.
func New(token string, rt *router.Router) (*Sink, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, "discord: create session")
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
	sink := &Sink{session: s, router: rt}
	s.AddHandler(sink.handleInteraction)
	if err := s.Open(); err != nil {
		return nil, errors.Wrap(err, "discord: open gateway")
	}
	return sink, nil
}

// EnsureSetupCommand registers the global (not guild-scoped) `/setup` slash command
// the InteractionRouter's setup wizard expects, idempotently (discordgo
// overwrites an existing command of the same name on create).
func (s *Sink) EnsureSetupCommand() error {
	me, err := s.session.User("@me")
	if err != nil {
		return errors.Wrap(err, "discord: fetch bot user")
	}
	_, err = s.session.ApplicationCommandCreate(me.ID, "", &discordgo.ApplicationCommand{
		Name:        router.SetupCommandName,
		Description: "Configure equipment reservations in this channel.",
	})
	return errors.Wrap(err, "discord: register /setup command")
}

// handleInteraction is the single InteractionCreate callback: it
// extracts the acting user, the namespaced custom ID (or slash-command
// name), and any submitted modal fields, dispatches to the
// InteractionRouter, and responds with the resulting ephemeral Reply.
func (s *Sink) handleInteraction(session *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx := context.Background()
	actor := actorFromInteraction(i)
	guildID, channelID := i.GuildID, i.ChannelID

	var (
		reply router.Reply
		err   error
	)
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		if data.Name != router.SetupCommandName {
			return
		}
		reply, err = s.router.HandleSetupCommand(ctx, actor, guildID, channelID)
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		reply, err = s.router.HandleButton(ctx, actor, guildID, channelID, customID)
	case discordgo.InteractionModalSubmit:
		data := i.ModalSubmitData()
		reply, err = s.router.HandleModal(ctx, actor, guildID, channelID, data.CustomID, modalFields(data))
	default:
		return
	}
	if err != nil {
		logger.Warnf("interaction %s failed: %v", i.ID, err)
	}
	respond(session, i.Interaction, reply)
}

// actorFromInteraction extracts the router.Actor the interaction was
// issued by. Guild interactions carry the caller's member info (native
// Administrator bit and configured role IDs); DM interactions never
// reach admin-gated handlers, so i.User is only a fallback for UserID.
func actorFromInteraction(i *discordgo.InteractionCreate) router.Actor {
	var userID string
	var isAdmin bool
	var roleIDs []string
	switch {
	case i.Member != nil:
		if i.Member.User != nil {
			userID = i.Member.User.ID
		}
		isAdmin = i.Member.Permissions&discordgo.PermissionAdministrator != 0
		roleIDs = i.Member.Roles
	case i.User != nil:
		userID = i.User.ID
	}
	return router.Actor{
		Actor:         reservation.Actor{UserID: userID, IsAdmin: isAdmin},
		MemberRoleIDs: roleIDs,
	}
}

// modalFields flattens a submitted modal's text-input components into
// the field-name → value map the router's handlers expect.
func modalFields(data discordgo.ModalSubmitInteractionData) map[string]string {
	fields := make(map[string]string)
	for _, row := range data.Components {
		actionsRow, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, comp := range actionsRow.Components {
			if input, ok := comp.(*discordgo.TextInput); ok {
				fields[input.CustomID] = input.Value
			}
		}
	}
	return fields
}

// respond sends reply back as the interaction's initial, ephemeral
// response, attaching reply.Attachment (e.g. the CSV export) as a file
// when present.
func respond(session *discordgo.Session, interaction *discordgo.Interaction, reply router.Reply) {
	data := &discordgo.InteractionResponseData{
		Content: reply.Content,
		Flags:   discordgo.MessageFlagsEphemeral,
	}
	if reply.Attachment != nil {
		data.Files = []*discordgo.File{{
			Name:        reply.AttachmentName,
			ContentType: "text/csv",
			Reader:      bytes.NewReader(reply.Attachment),
		}}
	}
	err := session.InteractionRespond(interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		logger.Errorf("interaction respond failed: %v", err)
	}
}

// Close shuts the gateway connection down.
func (s *Sink) Close() error {
	return s.session.Close()
}

var _ chatsink.ChatSink = (*Sink)(nil)

// SendMessage posts content to channelID.
func (s *Sink) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	msg, err := s.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	return msg.ID, nil
}

// EditMessage replaces a message's content in place.
func (s *Sink) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	_, err := s.session.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx))
	return classify(err)
}

// DeleteMessage removes a message.
func (s *Sink) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return classify(s.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)))
}

// SendDM opens (or reuses) a DM channel with userID and sends content.
func (s *Sink) SendDM(ctx context.Context, userID, content string) (string, error) {
	ch, err := s.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	msg, err := s.session.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	return msg.ID, nil
}

// ListChannelMessages returns messages posted at or after since, oldest
// first, paging backward through the channel history until it crosses
// since or runs out of messages.
func (s *Sink) ListChannelMessages(ctx context.Context, channelID string, since time.Time) ([]chatsink.Message, error) {
	var out []chatsink.Message
	before := ""
	for {
		page, err := s.session.ChannelMessages(channelID, 100, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, classify(err)
		}
		if len(page) == 0 {
			break
		}
		done := false
		for _, m := range page {
			ts := m.Timestamp
			if ts.Before(since) {
				done = true
				continue
			}
			out = append(out, chatsink.Message{
				ID: m.ID, ChannelID: m.ChannelID, AuthorID: authorID(m),
				Content: m.Content, IsBot: isBot(m), CreatedAt: ts,
			})
		}
		before = page[len(page)-1].ID
		if done || len(page) < 100 {
			break
		}
	}
	reverse(out)
	return out, nil
}

func authorID(m *discordgo.Message) string {
	if m.Author == nil {
		return ""
	}
	return m.Author.ID
}

func isBot(m *discordgo.Message) bool {
	return m.Author != nil && m.Author.Bot
}

func reverse(msgs []chatsink.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// Mention renders a Discord user mention.
func (s *Sink) Mention(userID string) string {
	return fmt.Sprintf("<@%s>", userID)
}

// IsBotUser looks the user up and reports whether the account is a bot.
func (s *Sink) IsBotUser(userID string) bool {
	u, err := s.session.User(userID)
	if err != nil {
		logger.Warnf("lookup user %s failed: %v", userID, err)
		return false
	}
	return u.Bot
}

// classify maps a discordgo REST error onto the taxonomy the rest of
// the system reasons about (TransportRateLimited vs TransportFailed),
// per the error handling design.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode == 429 {
		return errors.Wrap(ErrRateLimited, err.Error())
	}
	return errors.Wrap(ErrTransportFailed, err.Error())
}

// ErrRateLimited and ErrTransportFailed are the sentinel wrappers the
// rest of the system classifies chat-API failures against.
var (
	ErrRateLimited     = errors.New("discord: rate limited")
	ErrTransportFailed = errors.New("discord: transport failed")
)
