package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)

	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogVoice, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				if VoiceManager != nil {
					LogVoice("Shutting down Voice Manager...")
					VoiceManager.Shutdown(context.Background())
				}
			}
		})

		vm := GetVoiceManager()
		RegisterVoiceStateUpdateHandler(vm.onVoiceStateUpdate)
	})
}

var (
	VoiceManager *VoiceSystem
	OnceVoice    sync.Once
)

// VoiceSystem manages all voice sessions across guilds
type VoiceSystem struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*VoiceSession
}

// VoiceSession is the playback engine for one guild: a FIFO queue backed by
// the durable store, a single active stream, and the idle-disconnect timer.
type VoiceSession struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	channelMu sync.RWMutex

	TextChannelID snowflake.ID
	textMu        sync.Mutex

	Conn   voice.Conn
	client *bot.Client

	queue         []*Track
	queueMu       sync.Mutex
	queueUpdate   chan struct{}
	currentTrack  *Track
	streamCancel  context.CancelFunc
	provider      *StreamProvider
	handlingError bool
	queueLoaded   bool
	loading       chan struct{}

	joined   sync.Once // queue loop starts on first successful join
	joinedOk bool
	joinedMu sync.Mutex

	pauseChan chan struct{}
	pauseMu   sync.RWMutex

	leaveTimer *time.Timer
	leaveMu    sync.Mutex

	cancelCtx   context.Context
	cancelFunc  context.CancelFunc
	goroutineWg sync.WaitGroup

	// Injection points so the queue loop is testable without a gateway.
	resolve        func(ctx context.Context, t *Track) (io.ReadCloser, error)
	play           func(t *Track, r io.ReadCloser) error
	fallbackLookup func(ctx context.Context, t *Track) (SearchResult, error)
}

// GetVoiceManager returns the singleton VoiceSystem instance
func GetVoiceManager() *VoiceSystem {
	OnceVoice.Do(func() {
		VoiceManager = &VoiceSystem{sessions: make(map[snowflake.ID]*VoiceSession)}
	})
	return VoiceManager
}

// GetSession retrieves the voice session for a guild
func (vs *VoiceSystem) GetSession(guildID snowflake.ID) *VoiceSession {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.sessions[guildID]
}

// Prepare creates or retrieves a voice session for a guild
func (vs *VoiceSystem) Prepare(client *bot.Client, guildID, channelID snowflake.ID) *VoiceSession {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if sess, ok := vs.sessions[guildID]; ok {
		// If session is dead (canceled), discard it and create a new one
		if sess.cancelCtx.Err() != nil {
			delete(vs.sessions, guildID)
		} else {
			sess.channelMu.Lock()
			if sess.ChannelID != channelID {
				sess.ChannelID = channelID
			}
			sess.channelMu.Unlock()
			return sess
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &VoiceSession{
		GuildID:     guildID,
		ChannelID:   channelID,
		cancelCtx:   ctx,
		cancelFunc:  cancel,
		queue:       make([]*Track, 0),
		client:      client,
		queueUpdate: make(chan struct{}, 1),
		pauseChan:   make(chan struct{}),
	}
	if client != nil {
		sess.Conn = client.VoiceManager.CreateConn(guildID)
	}
	sess.resolve = resolveStream
	sess.play = sess.streamTrack
	sess.fallbackLookup = chooseFallbackTrack

	close(sess.pauseChan)
	vs.sessions[guildID] = sess
	return sess
}

// Join connects the bot to a voice channel and starts the queue loop.
func (vs *VoiceSystem) Join(ctx context.Context, client *bot.Client, guildID, channelID snowflake.ID) (*VoiceSession, error) {
	sess := vs.Prepare(client, guildID, channelID)

	sess.joinedMu.Lock()
	alreadyJoined := sess.joinedOk
	sess.joinedMu.Unlock()
	if alreadyJoined {
		sess.channelMu.RLock()
		same := sess.ChannelID == channelID
		sess.channelMu.RUnlock()
		if same {
			return sess, nil
		}
	}

	LogVoice("Joining channel %s in guild %s", channelID, guildID)

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			LogVoice("Retrying voice connection in %v (Attempt %d/5)", backoff, i+1)
			time.Sleep(backoff)
		}
		if err := sess.Conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogVoice("Failed to connect to voice in guild %s after 5 attempts: %v", guildID, lastErr)
		sess.Conn.Close(ctx)
		return nil, lastErr
	}

	sess.joinedMu.Lock()
	sess.joinedOk = true
	sess.joinedMu.Unlock()

	sess.joined.Do(func() {
		sess.goroutineWg.Add(1)
		safeGo(func() {
			defer sess.goroutineWg.Done()
			sess.processQueue()
		})
	})
	return sess, nil
}

// Leave disconnects the bot from a voice channel. Durable queue rows survive
// unless clearDurable is set, so a restart can pick the queue back up.
// The registry entry is removed rather than reset in place; Prepare lazily
// recreates a fresh session for the guild on the next command.
func (vs *VoiceSystem) Leave(ctx context.Context, guildID snowflake.ID, clearDurable bool) {
	vs.mu.Lock()
	sess, ok := vs.sessions[guildID]
	if !ok {
		vs.mu.Unlock()
		return
	}
	delete(vs.sessions, guildID)
	vs.mu.Unlock()

	sess.channelMu.RLock()
	channelID := sess.ChannelID
	sess.channelMu.RUnlock()

	if sess.client != nil {
		route := rest.NewEndpoint(http.MethodPut, "/channels/"+channelID.String()+"/voice-status")
		_ = sess.client.Rest.Do(route.Compile(nil), map[string]string{"status": ""}, nil)
	}

	sess.cancelLeaveTimer()
	sess.stop(ctx, clearDurable)
	sess.cancelFunc()
	sess.joinedMu.Lock()
	sess.joinedOk = false
	sess.joinedMu.Unlock()
	if sess.Conn != nil {
		sess.Conn.Close(ctx)
	}
}

// Shutdown gracefully stops all voice sessions and clears their status
func (vs *VoiceSystem) Shutdown(ctx context.Context) {
	vs.mu.Lock()
	guildIDs := make([]snowflake.ID, 0, len(vs.sessions))
	for id := range vs.sessions {
		guildIDs = append(guildIDs, id)
	}
	vs.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range guildIDs {
		wg.Add(1)
		go func(guildID snowflake.ID) {
			defer wg.Done()
			vs.Leave(ctx, guildID, false)
		}(id)
	}
	wg.Wait()
}

// ===========================
// Queue
// ===========================

// ensureQueueLoaded hydrates the in-memory queue from the durable store
// exactly once. Concurrent callers wait for the first load; rows are merged
// only when nothing was queued or playing in the meantime.
func (s *VoiceSession) ensureQueueLoaded(ctx context.Context) {
	s.queueMu.Lock()
	if s.queueLoaded {
		s.queueMu.Unlock()
		return
	}
	if s.loading != nil {
		ch := s.loading
		s.queueMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
		case <-s.cancelCtx.Done():
		}
		return
	}
	ch := make(chan struct{})
	s.loading = ch
	s.queueMu.Unlock()

	var items []*Track
	if DB != nil {
		loaded, err := LoadQueueItems(ctx, s.GuildID)
		if err != nil {
			LogVoice("Failed to load stored queue for guild %s: %v", s.GuildID, err)
		} else {
			items = loaded
		}
	}

	s.queueMu.Lock()
	if len(items) > 0 && len(s.queue) == 0 && s.currentTrack == nil {
		s.queue = items
		LogVoice("Restored %d queued track(s) for guild %s", len(items), s.GuildID)
		select {
		case s.queueUpdate <- struct{}{}:
		default:
		}
	}
	s.queueLoaded = true
	s.loading = nil
	close(ch)
	s.queueMu.Unlock()
}

// Enqueue appends a track, persists it, and returns its queue position
// (1 = next up).
func (s *VoiceSession) Enqueue(ctx context.Context, t *Track) (int, error) {
	s.ensureQueueLoaded(ctx)

	if DB != nil {
		id, err := AppendQueueItem(ctx, s.GuildID, t)
		if err != nil {
			return 0, err
		}
		t.QueueItemID = id
	}

	s.queueMu.Lock()
	s.queue = append(s.queue, t)
	pos := len(s.queue)
	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}
	s.queueMu.Unlock()

	s.cancelLeaveTimer()
	LogVoice("Queued track in guild %s (Position %d): %s", s.GuildID, pos, t.DisplayTitle())
	return pos, nil
}

// QueueSnapshot returns the current track (may be nil) and a copy of the
// pending queue.
func (s *VoiceSession) QueueSnapshot() (*Track, []*Track) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	pending := make([]*Track, len(s.queue))
	copy(pending, s.queue)
	return s.currentTrack, pending
}

// processQueue pops tracks in order and plays them until the session dies.
func (s *VoiceSession) processQueue() {
	s.ensureQueueLoaded(s.cancelCtx)
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.currentTrack = nil
			s.queueMu.Unlock()
			select {
			case <-s.queueUpdate:
				continue
			case <-s.cancelCtx.Done():
				return
			}
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.currentTrack = t
		s.queueMu.Unlock()

		// A YouTube-sourced entry whose link yields no video id can never
		// resolve; drop it and its row rather than hammering the chain.
		if t.Source == SourceYouTube && t.VideoID == "" && isYouTubeURL(t.URL) {
			LogVoice("Dropping unresolvable track in guild %s: %s", s.GuildID, t.URL)
			s.dropQueueRow(t)
			continue
		}

		rctx, rcancel := context.WithTimeout(s.cancelCtx, 60*time.Second)
		rc, err := s.resolve(rctx, t)
		rcancel()
		if err != nil {
			s.handlePlaybackFailure(t, err)
			continue
		}

		err = s.play(t, rc)
		_ = rc.Close()

		if s.cancelCtx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.handlePlaybackFailure(t, err)
			continue
		}

		// Clean finish or skip: the track is consumed.
		s.dropQueueRow(t)
	}
}

// dropQueueRow removes a track's durable row without blocking the loop.
func (s *VoiceSession) dropQueueRow(t *Track) {
	if t.QueueItemID == 0 || DB == nil {
		return
	}
	rowID := t.QueueItemID
	safeGo(func() {
		RemoveQueueItem(context.Background(), s.GuildID, rowID)
	})
}

// handlePlaybackFailure decides what to do with a track that failed to
// resolve or stream. A YouTube track hitting the login wall gets exactly one
// cross-provider substitution; everything else is dropped. The guard keeps
// overlapping failure events from double-processing the same track.
func (s *VoiceSession) handlePlaybackFailure(t *Track, cause error) {
	s.queueMu.Lock()
	if s.handlingError {
		s.queueMu.Unlock()
		return
	}
	s.handlingError = true
	s.queueMu.Unlock()
	defer func() {
		s.queueMu.Lock()
		s.handlingError = false
		s.queueMu.Unlock()
	}()

	LogVoice("Playback failed in guild %s for %s: %v", s.GuildID, t.DisplayTitle(), cause)

	if t.Source == SourceYouTube && !t.FallbackAttempted && isLoginRequiredError(cause) {
		fctx, fcancel := context.WithTimeout(s.cancelCtx, 15*time.Second)
		candidate, err := s.fallbackLookup(fctx, t)
		fcancel()
		if err == nil {
			if s.applyFallbackTrack(t, candidate) {
				LogVoice("Substituted login-walled track in guild %s: %s", s.GuildID, t.DisplayTitle())
				return
			}
		} else {
			LogVoice("Fallback search failed in guild %s for %s: %v", s.GuildID, t.DisplayTitle(), err)
		}
	}

	s.dropQueueRow(t)
}

// applyFallbackTrack rewrites the track in place with the substitute's
// identity, keeping who requested it and its durable row, and puts it back
// at the head of the queue. The track must still be the one being played:
// a Stop or teardown landing during the fallback search clears the current
// track, and the substitute must not resurrect a cleared queue.
func (s *VoiceSession) applyFallbackTrack(t *Track, candidate SearchResult) bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.cancelCtx.Err() != nil || s.currentTrack != t {
		return false
	}
	t.VideoID = candidate.VideoID
	t.URL = candidate.URL
	t.Title = candidate.Title
	t.Channel = candidate.ChannelName
	t.Thumbnail = candidate.Thumbnail
	t.DurationLabel = candidate.DurationLabel
	t.Source = SourceSoundCloud
	t.FallbackAttempted = true
	s.queue = append([]*Track{t}, s.queue...)
	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}
	return true
}

// ===========================
// Playback controls
// ===========================

// Pause gates the frame provider. Reports whether state changed.
func (s *VoiceSession) Pause() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	select {
	case <-s.pauseChan:
		s.pauseChan = make(chan struct{})
		return true
	default:
		return false
	}
}

// Resume reopens the gate. Reports whether state changed.
func (s *VoiceSession) Resume() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	select {
	case <-s.pauseChan:
		return false
	default:
		close(s.pauseChan)
		return true
	}
}

func (s *VoiceSession) Paused() bool {
	s.pauseMu.RLock()
	defer s.pauseMu.RUnlock()
	select {
	case <-s.pauseChan:
		return false
	default:
		return true
	}
}

// Skip cancels the active stream; the queue loop moves on.
func (s *VoiceSession) Skip() (string, error) {
	s.queueMu.Lock()
	if s.currentTrack == nil {
		s.queueMu.Unlock()
		return "", errors.New("nothing playing")
	}
	title := s.currentTrack.DisplayTitle()
	cancel := s.streamCancel
	s.queueMu.Unlock()

	s.Resume()
	if cancel != nil {
		cancel()
	}
	return title, nil
}

// Stop halts playback and clears the queue, memory and store both, while
// staying connected.
func (s *VoiceSession) Stop(ctx context.Context) {
	s.stop(ctx, true)
}

func (s *VoiceSession) stop(ctx context.Context, clearDurable bool) {
	s.queueMu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
	}
	s.queue = nil
	s.currentTrack = nil
	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}
	s.queueMu.Unlock()

	s.Resume()
	if s.Conn != nil {
		s.setOpusFrameProviderSafe(nil)
		s.setSpeakingSafe(0)
	}

	if clearDurable && DB != nil {
		ClearQueueItems(ctx, s.GuildID)
	}
}

// ===========================
// Streaming
// ===========================

// streamTrack runs one track through the transcoder into the voice
// connection and blocks until it finishes, is skipped, or errors out.
func (s *VoiceSession) streamTrack(t *Track, r io.ReadCloser) error {
	s.queueMu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
	}
	p := NewStreamProvider(s)
	s.provider = p
	done := make(chan struct{})
	p.OnFinish = func() {
		close(done)
	}
	ctx, cancel := context.WithCancel(s.cancelCtx)
	s.streamCancel = cancel
	p.SetContext(ctx)
	s.queueMu.Unlock()
	defer cancel()

	var errMu sync.Mutex
	var transcodeErr error
	setErr := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		errMu.Lock()
		if transcodeErr == nil {
			transcodeErr = err
		}
		errMu.Unlock()
	}

	safeGo(func() {
		defer p.PushFrame(nil)
		tr := NewAstiavTranscoder()
		defer tr.Close()
		if err := tr.OpenInput(r); err != nil {
			LogVoice("Transcoder OpenInput failed: %v", err)
			setErr(err)
			return
		}
		if err := tr.SetupDecoder(); err != nil {
			LogVoice("Transcoder SetupDecoder failed: %v", err)
			setErr(err)
			return
		}
		if err := tr.SetupEncoder(); err != nil {
			LogVoice("Transcoder SetupEncoder failed: %v", err)
			setErr(err)
			return
		}
		if err := tr.Transcode(ctx, p.PushFrame); err != nil {
			LogVoice("Transcoder finished for %s (Err: %v)", t.URL, err)
			setErr(err)
		}
	})

	if s.Conn != nil {
		s.setOpusFrameProviderSafe(p)
		s.setSpeakingSafe(voice.SpeakingFlagMicrophone)
	}
	LogVoice("Playing track in guild %s: %s (%s)", s.GuildID, t.DisplayTitle(), t.URL)
	s.setVoiceStatus(TruncateWithPreserve(t.DisplayTitle(), 128, "⏸️ ", channelSuffix(t)))

	select {
	case <-done:
		LogVoice("Playback finished: %s", t.DisplayTitle())
	case <-ctx.Done():
		LogVoice("Playback stopped: %s", t.DisplayTitle())
	case <-s.cancelCtx.Done():
		LogVoice("Global session canceled for: %s", t.DisplayTitle())
		cancel()
	}

	s.queueMu.Lock()
	mine := s.provider == p
	if mine {
		s.provider = nil
	}
	s.queueMu.Unlock()
	if mine {
		s.setVoiceStatus("")
		if s.Conn != nil {
			s.setOpusFrameProviderSafe(nil)
			s.setSpeakingSafe(0)
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-s.cancelCtx.Done():
		}
	}

	errMu.Lock()
	defer errMu.Unlock()
	return transcodeErr
}

func channelSuffix(t *Track) string {
	if t.Channel == "" {
		return ""
	}
	return " · " + t.Channel
}

// setVoiceStatus updates the voice channel status message, fire and forget.
func (s *VoiceSession) setVoiceStatus(status string) {
	if s.client == nil {
		return
	}
	s.channelMu.RLock()
	channelID := s.ChannelID
	s.channelMu.RUnlock()
	if channelID == 0 {
		return
	}
	safeGo(func() {
		route := rest.NewEndpoint(http.MethodPut, "/channels/"+channelID.String()+"/voice-status")
		if err := s.client.Rest.Do(route.Compile(nil), map[string]string{"status": status}, nil); err != nil {
			LogVoice("Failed to update status for %s: %v", channelID, err)
		}
	})
}

// setOpusFrameProviderSafe sets the opus frame provider, recovering from
// panics during connection churn.
func (s *VoiceSession) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	if s.cancelCtx.Err() != nil || s.Conn == nil {
		return
	}
	for i := range 3 {
		if s.trySetOpusFrameProvider(provider) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-s.cancelCtx.Done():
				return
			}
		}
		if s.cancelCtx.Err() != nil {
			return
		}
	}
	LogVoice("Exhausted retries for SetOpusFrameProvider in guild %s", s.GuildID)
}

func (s *VoiceSession) trySetOpusFrameProvider(provider voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	s.Conn.SetOpusFrameProvider(provider)
	return true
}

func (s *VoiceSession) setSpeakingSafe(flags voice.SpeakingFlags) {
	if s.cancelCtx.Err() != nil || s.Conn == nil {
		return
	}
	for i := range 3 {
		if s.trySetSpeaking(flags) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-s.cancelCtx.Done():
				return
			}
		}
		if s.cancelCtx.Err() != nil {
			return
		}
	}
	LogVoice("Exhausted retries for SetSpeaking in guild %s", s.GuildID)
}

func (s *VoiceSession) trySetSpeaking(flags voice.SpeakingFlags) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	s.Conn.SetSpeaking(s.cancelCtx, flags)
	return true
}

// SetTextChannel records where playback notices (like the idle-leave notice)
// should go.
func (s *VoiceSession) SetTextChannel(id snowflake.ID) {
	s.textMu.Lock()
	s.TextChannelID = id
	s.textMu.Unlock()
}

// ===========================
// Voice state / idle disconnect
// ===========================

// onVoiceStateUpdate handles voice state changes and auto-disconnect
func (vs *VoiceSystem) onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	vs.mu.Lock()
	s, ok := vs.sessions[event.VoiceState.GuildID]
	vs.mu.Unlock()

	if event.VoiceState.UserID == event.Client().ID() {
		vs.handleBotVoiceStateUpdate(event, s, ok)
		return
	}

	if ok {
		s.updateIdleState(event)
	}
}

func (vs *VoiceSystem) handleBotVoiceStateUpdate(event *events.GuildVoiceStateUpdate, s *VoiceSession, ok bool) {
	if event.VoiceState.ChannelID == nil {
		// Kicked or dropped externally. The stored queue stays so a fresh
		// join can pick it back up.
		if ok {
			LogVoice("Bot disconnected by external event in guild %s", event.VoiceState.GuildID)
			vs.Leave(context.Background(), event.VoiceState.GuildID, false)
		}
		return
	}

	if !ok {
		return
	}

	s.channelMu.Lock()
	moved := s.ChannelID != *event.VoiceState.ChannelID
	if moved {
		LogVoice("Bot moved from %s to %s in guild %s", s.ChannelID, *event.VoiceState.ChannelID, event.VoiceState.GuildID)
		s.ChannelID = *event.VoiceState.ChannelID
	}
	s.channelMu.Unlock()

	if moved {
		s.updateIdleState(event)
	}
}

// updateIdleState arms the leave timer when the bot is alone and disarms it
// the moment a human (not deafened, not a bot) is present.
func (s *VoiceSession) updateIdleState(event *events.GuildVoiceStateUpdate) {
	if s.countHumans(event.Client()) == 0 {
		s.startLeaveTimer()
	} else {
		s.cancelLeaveTimer()
	}
}

func (s *VoiceSession) countHumans(client *bot.Client) int {
	s.channelMu.RLock()
	currentChannelID := s.ChannelID
	s.channelMu.RUnlock()
	if currentChannelID == 0 || client == nil {
		return 0
	}

	humanCount := 0
	for state := range client.Caches.VoiceStates(s.GuildID) {
		if state.ChannelID != nil && *state.ChannelID == currentChannelID && state.UserID != client.ID() {
			if state.SelfDeaf {
				continue
			}
			if m, ok := client.Caches.Member(s.GuildID, state.UserID); !ok || !m.User.Bot {
				humanCount++
			}
		}
	}
	return humanCount
}

func (s *VoiceSession) startLeaveTimer() {
	timeout := getIdleTimeout()
	if timeout <= 0 {
		return
	}

	s.channelMu.RLock()
	armedChannel := s.ChannelID
	s.channelMu.RUnlock()

	s.leaveMu.Lock()
	defer s.leaveMu.Unlock()
	if s.leaveTimer != nil {
		return
	}
	LogVoice("Alone in guild %s, leaving in %v unless someone joins", s.GuildID, timeout)
	s.leaveTimer = time.AfterFunc(timeout, func() {
		s.onLeaveTimerExpired(armedChannel)
	})
}

func (s *VoiceSession) cancelLeaveTimer() {
	s.leaveMu.Lock()
	defer s.leaveMu.Unlock()
	if s.leaveTimer != nil {
		s.leaveTimer.Stop()
		s.leaveTimer = nil
	}
}

// onLeaveTimerExpired re-checks before acting: the bot may have been moved
// to a different channel, or someone may have slipped in between the last
// state event and now.
func (s *VoiceSession) onLeaveTimerExpired(armedChannel snowflake.ID) {
	s.leaveMu.Lock()
	s.leaveTimer = nil
	s.leaveMu.Unlock()

	if s.cancelCtx.Err() != nil {
		return
	}

	s.channelMu.RLock()
	currentChannel := s.ChannelID
	s.channelMu.RUnlock()
	if currentChannel != armedChannel {
		return
	}
	if s.countHumans(s.client) > 0 {
		return
	}

	LogVoice("Idle timeout reached in guild %s, disconnecting", s.GuildID)
	s.notifyText(MsgPlayerIdleLeft)
	GetVoiceManager().Leave(context.Background(), s.GuildID, true)
}

// notifyText posts a short notice to the session's text channel, if known.
func (s *VoiceSession) notifyText(content string) {
	s.textMu.Lock()
	channelID := s.TextChannelID
	s.textMu.Unlock()
	if channelID == 0 || s.client == nil {
		return
	}
	safeGo(func() {
		if _, err := s.client.Rest.CreateMessage(channelID, discord.MessageCreate{Content: content}); err != nil {
			LogVoice("Failed to send notice to channel %s: %v", channelID, err)
		}
	})
}
