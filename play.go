package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
)

func init() {
	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music playback",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a track from a URL or search query",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "URL or song name (separate multiple with ; or ,)",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and clear the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "leave",
				Description: "Leave the voice channel",
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
}

func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	sub := ""
	if data.SubCommandName != nil {
		sub = *data.SubCommandName
	}

	if event.GuildID() == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Not in a guild.", Flags: discord.MessageFlagEphemeral})
		return
	}

	switch sub {
	case "play":
		handleMusicPlay(event, data)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "skip":
		handleMusicSkip(event)
	case "stop":
		handleMusicStop(event)
	case "queue":
		handleMusicQueue(event)
	case "leave":
		handleMusicLeave(event)
	}
}

func respondEdit(event *events.ApplicationCommandInteractionCreate, content string) {
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.MessageUpdate{Content: strPtr(content)})
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query, _ := data.OptString("query")
	guildID := *event.GuildID()

	_ = event.DeferCreateMessage(false)

	vs, ok := event.Client().Caches.VoiceState(guildID, event.User().ID)
	if !ok || vs.ChannelID == nil {
		respondEdit(event, ErrPlayerNotInVoice)
		return
	}

	LogVoice("User %s (%s) requested playback in guild %s: %s", event.User().Username, event.User().ID, guildID, query)

	items := splitQueryInput(query, maxQueryItems)
	if len(items) == 0 {
		respondEdit(event, fmt.Sprintf(ErrPlayerNoResults, query))
		return
	}

	sess, err := GetVoiceManager().Join(context.Background(), event.Client(), guildID, *vs.ChannelID)
	if err != nil {
		respondEdit(event, fmt.Sprintf(ErrPlayerJoinFail, err))
		return
	}
	sess.SetTextChannel(event.Channel().ID())

	tracks, err := tracksForQueries(context.Background(), items)
	if err != nil {
		respondEdit(event, fmt.Sprintf(ErrPlayerNoResults, query))
		return
	}

	for _, t := range tracks {
		t.RequestedBy = event.User().Username
		t.RequestedByID = event.User().ID.String()
		if _, err := sess.Enqueue(context.Background(), t); err != nil {
			respondEdit(event, fmt.Sprintf(ErrPlayerEnqueueFail, err))
			return
		}
	}

	if len(tracks) == 1 {
		respondEdit(event, fmt.Sprintf(MsgPlayerQueued, tracks[0].DisplayTitle()))
	} else {
		respondEdit(event, fmt.Sprintf(MsgPlayerQueuedMany, len(tracks)))
	}
}

// tracksForQueries turns each input item into a track: direct links pass
// through, free text goes through search and the best match wins.
func tracksForQueries(ctx context.Context, items []string) ([]*Track, error) {
	tracks := make([]*Track, 0, len(items))
	for _, item := range items {
		if strings.HasPrefix(item, "http://") || strings.HasPrefix(item, "https://") {
			if strings.Contains(strings.ToLower(item), "soundcloud.com") {
				tracks = append(tracks, &Track{URL: item, Title: item, Source: SourceSoundCloud})
			} else {
				t := NewTrackFromURL(item)
				enrichTrackMetadata(ctx, t)
				tracks = append(tracks, t)
			}
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		results, err := Search(sctx, item, 5)
		cancel()
		if err != nil || len(results) == 0 {
			continue
		}
		if best, ok := pickBestVideo(results, item); ok {
			tracks = append(tracks, trackFromSearchResult(best))
		}
	}
	if len(tracks) == 0 {
		return nil, errors.New("no playable tracks found")
	}
	return tracks, nil
}

// enrichTrackMetadata fills in title/channel/duration for a pasted link,
// trying the cheap scrape lookup before spawning the extraction tool. Both
// paths are fail-soft: a bare URL still queues fine.
func enrichTrackMetadata(ctx context.Context, t *Track) {
	if t.VideoID == "" {
		return
	}

	fctx, fcancel := context.WithTimeout(ctx, 3*time.Second)
	title, channel, d, err := fastResolveMetadata(fctx, t.VideoID)
	fcancel()
	if err != nil {
		mctx, mcancel := context.WithTimeout(ctx, 8*time.Second)
		title, channel, d, err = ytdlpResolveMetadata(mctx, t.URL)
		mcancel()
	}
	if err != nil {
		LogSearch("Metadata lookup failed for %s: %v", t.URL, err)
		return
	}

	if title != "" {
		t.Title = title
	}
	if channel != "" {
		t.Channel = channel
	}
	if label := formatDurationLabel(d); label != "" {
		t.DurationLabel = label
	}
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: ErrPlayerNothingPlaying})
		return
	}
	_ = event.CreateMessage(discord.MessageCreate{Content: pauseMessage(s.Pause())})
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: ErrPlayerNothingPlaying})
		return
	}
	_ = event.CreateMessage(discord.MessageCreate{Content: resumeMessage(s.Resume())})
}

// pauseMessage/resumeMessage pick the reply for a pause or resume attempt, so
// a no-op reports as one rather than claiming a state change.
func pauseMessage(changed bool) string {
	if changed {
		return MsgPlayerPaused
	}
	return ErrPlayerAlreadyPaused
}

func resumeMessage(changed bool) string {
	if changed {
		return MsgPlayerResumed
	}
	return ErrPlayerNotPaused
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	guildID := *event.GuildID()
	s := GetVoiceManager().GetSession(guildID)
	if s == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: ErrPlayerNothingPlaying})
		return
	}

	start := time.Now()
	title, err := s.Skip()
	if err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: ErrPlayerNothingPlaying})
		return
	}
	LogVoice("Skip success after %v in guild %s: %s", time.Since(start), guildID, title)
	_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf(MsgPlayerSkipped, title)})
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: ErrPlayerNothingPlaying})
		return
	}
	LogVoice("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, *event.GuildID())
	GetVoiceManager().Leave(context.Background(), *event.GuildID(), true)
	_ = event.CreateMessage(discord.MessageCreate{Content: MsgPlayerStopped})
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: ErrPlayerQueueEmpty, Flags: discord.MessageFlagEphemeral})
		return
	}

	current, pending := s.QueueSnapshot()
	if current == nil && len(pending) == 0 {
		_ = event.CreateMessage(discord.MessageCreate{Content: ErrPlayerQueueEmpty, Flags: discord.MessageFlagEphemeral})
		return
	}

	var sb strings.Builder
	if current != nil {
		sb.WriteString(fmt.Sprintf(MsgPlayerNowPlaying, current.DisplayTitle()))
		sb.WriteString("\n")
	}
	if len(pending) > 0 {
		sb.WriteString(fmt.Sprintf(MsgPlayerQueueHeader, len(pending)))
		for i, t := range pending {
			if i >= 10 {
				sb.WriteString(fmt.Sprintf("*...and %d more*\n", len(pending)-10))
				break
			}
			label := t.DisplayTitle()
			if t.DurationLabel != "" {
				label += " (" + t.DurationLabel + ")"
			}
			sb.WriteString(fmt.Sprintf("`%d.` %s\n", i+1, label))
		}
	}
	_ = event.CreateMessage(discord.MessageCreate{Content: sb.String(), Flags: discord.MessageFlagEphemeral})
}

func handleMusicLeave(event *events.ApplicationCommandInteractionCreate) {
	guildID := *event.GuildID()
	if GetVoiceManager().GetSession(guildID) == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: ErrPlayerNothingPlaying})
		return
	}
	GetVoiceManager().Leave(context.Background(), guildID, false)
	_ = event.CreateMessage(discord.MessageCreate{Content: MsgPlayerLeft})
}

// handleMusicAutocomplete suggests search results while the user types.
func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := strings.TrimSpace(f.String())
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2800*time.Millisecond)
	defer cancel()

	rs, err := Search(ctx, q, maxSearchResults)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}

	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= 25 {
			break
		}
		n := r.Title
		if r.ChannelName != "" {
			n += " · " + r.ChannelName
		}
		n = TruncateCenter(n, 100)
		v := r.URL
		if len(v) > 100 {
			v = TruncateCenter(r.Title, 100)
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}
