package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSession builds a gateway-less session. The queue loop is started by
// each test directly since there is no voice connection to join.
func newTestSession(t *testing.T, guildID snowflake.ID) *VoiceSession {
	t.Helper()
	sess := GetVoiceManager().Prepare(nil, guildID, guildID+1)
	t.Cleanup(func() {
		GetVoiceManager().Leave(context.Background(), guildID, false)
	})
	return sess
}

func silentReader() io.ReadCloser {
	return io.NopCloser(strings.NewReader(""))
}

func TestQueueProcessesInOrder(t *testing.T) {
	s := newTestSession(t, 20001)

	var mu sync.Mutex
	var played []string
	playedCh := make(chan struct{}, 8)
	s.resolve = func(ctx context.Context, tr *Track) (io.ReadCloser, error) {
		return silentReader(), nil
	}
	s.play = func(tr *Track, r io.ReadCloser) error {
		mu.Lock()
		played = append(played, tr.Title)
		mu.Unlock()
		playedCh <- struct{}{}
		return nil
	}

	ctx := context.Background()
	for i, title := range []string{"one", "two", "three"} {
		pos, err := s.Enqueue(ctx, &Track{Title: title, URL: "https://soundcloud.com/a/" + title, Source: SourceSoundCloud})
		require.NoError(t, err)
		assert.Equal(t, i+1, pos)
	}

	go s.processQueue()

	for range 3 {
		select {
		case <-playedCh:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for playback")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, played)
}

func TestPlaybackFailureDropsTrackAndContinues(t *testing.T) {
	s := newTestSession(t, 20002)

	var fallbackCalls atomic.Int32
	s.fallbackLookup = func(ctx context.Context, tr *Track) (SearchResult, error) {
		fallbackCalls.Add(1)
		return SearchResult{}, errors.New("should not be consulted")
	}
	s.resolve = func(ctx context.Context, tr *Track) (io.ReadCloser, error) {
		if tr.Title == "broken" {
			return nil, errors.New("dial tcp: i/o timeout")
		}
		return silentReader(), nil
	}
	playedCh := make(chan string, 8)
	s.play = func(tr *Track, r io.ReadCloser) error {
		playedCh <- tr.Title
		return nil
	}

	ctx := context.Background()
	_, err := s.Enqueue(ctx, &Track{Title: "broken", URL: "https://soundcloud.com/a/broken", Source: SourceSoundCloud})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, &Track{Title: "fine", URL: "https://soundcloud.com/a/fine", Source: SourceSoundCloud})
	require.NoError(t, err)

	go s.processQueue()

	select {
	case title := <-playedCh:
		assert.Equal(t, "fine", title)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the surviving track")
	}
	// A plain failure is not a login wall.
	assert.Equal(t, int32(0), fallbackCalls.Load())
}

func TestLoginWallFallbackSubstitutesTrack(t *testing.T) {
	s := newTestSession(t, 20003)

	var fallbackCalls atomic.Int32
	s.resolve = func(ctx context.Context, tr *Track) (io.ReadCloser, error) {
		if tr.Source == SourceYouTube {
			return nil, errors.New("Sign in to confirm you're not a bot")
		}
		return silentReader(), nil
	}
	s.fallbackLookup = func(ctx context.Context, tr *Track) (SearchResult, error) {
		fallbackCalls.Add(1)
		return SearchResult{
			VideoID:     "sub123",
			URL:         "https://soundcloud.com/artist/substitute",
			Title:       "Substitute",
			ChannelName: "Artist",
		}, nil
	}
	playedCh := make(chan *Track, 1)
	s.play = func(tr *Track, r io.ReadCloser) error {
		playedCh <- tr
		return nil
	}

	orig := &Track{
		VideoID:       "dQw4w9WgXcQ",
		URL:           "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Title:         "Original",
		Source:        SourceYouTube,
		RequestedBy:   "alice",
		RequestedByID: "111",
	}
	_, err := s.Enqueue(context.Background(), orig)
	require.NoError(t, err)

	go s.processQueue()

	select {
	case played := <-playedCh:
		assert.Equal(t, SourceSoundCloud, played.Source)
		assert.True(t, played.FallbackAttempted)
		assert.Equal(t, "Substitute", played.Title)
		assert.Equal(t, "https://soundcloud.com/artist/substitute", played.URL)
		assert.Equal(t, "alice", played.RequestedBy)
		assert.Equal(t, "111", played.RequestedByID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the substituted track")
	}
	assert.Equal(t, int32(1), fallbackCalls.Load())
}

func TestLoginWallFallbackHappensOnlyOnce(t *testing.T) {
	s := newTestSession(t, 20004)

	var fallbackCalls, resolveCalls atomic.Int32
	s.resolve = func(ctx context.Context, tr *Track) (io.ReadCloser, error) {
		resolveCalls.Add(1)
		return nil, errors.New("playability login_required: sign in to confirm you're not a bot")
	}
	s.fallbackLookup = func(ctx context.Context, tr *Track) (SearchResult, error) {
		fallbackCalls.Add(1)
		return SearchResult{VideoID: "sub", URL: "https://soundcloud.com/a/sub", Title: "Sub"}, nil
	}
	s.play = func(tr *Track, r io.ReadCloser) error { return nil }

	_, err := s.Enqueue(context.Background(), &Track{
		VideoID: "dQw4w9WgXcQ",
		URL:     "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Title:   "Original",
		Source:  SourceYouTube,
	})
	require.NoError(t, err)

	go s.processQueue()

	// The substitute fails too, but once the source flipped there is no
	// second lookup: the track is dropped and the queue drains.
	require.Eventually(t, func() bool {
		current, pending := s.QueueSnapshot()
		return resolveCalls.Load() == 2 && current == nil && len(pending) == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), fallbackCalls.Load())
}

func TestFailureHandlingGuard(t *testing.T) {
	s := newTestSession(t, 20005)

	var fallbackCalls atomic.Int32
	s.fallbackLookup = func(ctx context.Context, tr *Track) (SearchResult, error) {
		fallbackCalls.Add(1)
		return SearchResult{}, nil
	}

	s.queueMu.Lock()
	s.handlingError = true
	s.queueMu.Unlock()

	s.handlePlaybackFailure(
		&Track{Title: "x", URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", VideoID: "dQw4w9WgXcQ", Source: SourceYouTube},
		errors.New("Sign in to confirm you're not a bot"),
	)
	assert.Equal(t, int32(0), fallbackCalls.Load())
}

func TestQueueHydrationFromStore(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()
	guildID := snowflake.ID(20006)

	id1, err := AppendQueueItem(ctx, guildID, &Track{Title: "stored one", URL: "https://soundcloud.com/a/1", Source: SourceSoundCloud})
	require.NoError(t, err)
	_, err = AppendQueueItem(ctx, guildID, &Track{Title: "stored two", URL: "https://soundcloud.com/a/2", Source: SourceSoundCloud})
	require.NoError(t, err)

	s := newTestSession(t, guildID)
	s.ensureQueueLoaded(ctx)

	current, pending := s.QueueSnapshot()
	assert.Nil(t, current)
	require.Len(t, pending, 2)
	assert.Equal(t, "stored one", pending[0].Title)
	assert.Equal(t, id1, pending[0].QueueItemID)
	assert.Equal(t, "stored two", pending[1].Title)
}

func TestQueueHydrationSkippedWhenBusy(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()
	guildID := snowflake.ID(20007)

	_, err := AppendQueueItem(ctx, guildID, &Track{Title: "stored", URL: "https://soundcloud.com/a/x", Source: SourceSoundCloud})
	require.NoError(t, err)

	s := newTestSession(t, guildID)
	s.queueMu.Lock()
	s.queue = append(s.queue, &Track{Title: "live", URL: "https://soundcloud.com/a/live", Source: SourceSoundCloud})
	s.queueMu.Unlock()

	s.ensureQueueLoaded(ctx)

	_, pending := s.QueueSnapshot()
	require.Len(t, pending, 1)
	assert.Equal(t, "live", pending[0].Title)
}

func TestPauseResumeToggles(t *testing.T) {
	s := newTestSession(t, 20008)

	assert.False(t, s.Paused())
	assert.False(t, s.Resume(), "resuming while playing is a no-op")

	assert.True(t, s.Pause())
	assert.True(t, s.Paused())
	assert.False(t, s.Pause(), "pausing twice is a no-op")

	assert.True(t, s.Resume())
	assert.False(t, s.Paused())
}

func TestSkipWithNothingPlaying(t *testing.T) {
	s := newTestSession(t, 20009)
	_, err := s.Skip()
	assert.Error(t, err)
}

func TestStopClearsMemoryAndStore(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()
	guildID := snowflake.ID(20010)

	s := newTestSession(t, guildID)
	_, err := s.Enqueue(ctx, &Track{Title: "a", URL: "https://soundcloud.com/a/a", Source: SourceSoundCloud})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, &Track{Title: "b", URL: "https://soundcloud.com/a/b", Source: SourceSoundCloud})
	require.NoError(t, err)

	s.Stop(ctx)

	current, pending := s.QueueSnapshot()
	assert.Nil(t, current)
	assert.Empty(t, pending)

	items, err := LoadQueueItems(ctx, guildID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestStopDuringFallbackKeepsQueueCleared(t *testing.T) {
	newTestDB(t)
	s := newTestSession(t, 20017)

	tr := &Track{
		VideoID: "dQw4w9WgXcQ",
		URL:     "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Title:   "Original",
		Source:  SourceYouTube,
	}
	s.queueMu.Lock()
	s.currentTrack = tr
	s.queueMu.Unlock()

	// Stop lands while the substitution search is still in flight; the
	// substitute must not end up back in the emptied queue.
	s.fallbackLookup = func(ctx context.Context, _ *Track) (SearchResult, error) {
		s.Stop(ctx)
		return SearchResult{VideoID: "sub", URL: "https://soundcloud.com/a/sub", Title: "Sub"}, nil
	}

	s.handlePlaybackFailure(tr, errors.New("Sign in to confirm you're not a bot"))

	current, pending := s.QueueSnapshot()
	assert.Nil(t, current)
	assert.Empty(t, pending)
}

func TestLeaveKeepsStoredQueue(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()
	guildID := snowflake.ID(20011)

	s := newTestSession(t, guildID)
	_, err := s.Enqueue(ctx, &Track{Title: "survivor", URL: "https://soundcloud.com/a/s", Source: SourceSoundCloud})
	require.NoError(t, err)

	GetVoiceManager().Leave(ctx, guildID, false)

	assert.Nil(t, GetVoiceManager().GetSession(guildID))
	items, err := LoadQueueItems(ctx, guildID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "survivor", items[0].Title)
}

func TestIdleTimerDisconnects(t *testing.T) {
	oldCfg := GlobalConfig
	GlobalConfig = &Config{IdleTimeout: 20 * time.Millisecond}
	t.Cleanup(func() { GlobalConfig = oldCfg })

	guildID := snowflake.ID(20012)
	s := newTestSession(t, guildID)
	s.startLeaveTimer()

	require.Eventually(t, func() bool {
		return s.cancelCtx.Err() != nil && GetVoiceManager().GetSession(guildID) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleTimerCanceledByActivity(t *testing.T) {
	oldCfg := GlobalConfig
	GlobalConfig = &Config{IdleTimeout: 20 * time.Millisecond}
	t.Cleanup(func() { GlobalConfig = oldCfg })

	guildID := snowflake.ID(20013)
	s := newTestSession(t, guildID)
	s.startLeaveTimer()
	s.cancelLeaveTimer()

	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, s.cancelCtx.Err())
	assert.NotNil(t, GetVoiceManager().GetSession(guildID))
}

func TestIdleTimerIgnoresStaleChannel(t *testing.T) {
	guildID := snowflake.ID(20014)
	s := newTestSession(t, guildID)

	// Armed for a channel the bot has since moved away from.
	s.onLeaveTimerExpired(s.ChannelID + 42)

	assert.NoError(t, s.cancelCtx.Err())
	assert.NotNil(t, GetVoiceManager().GetSession(guildID))
}

func TestPrepareReplacesDeadSession(t *testing.T) {
	guildID := snowflake.ID(20015)
	s := newTestSession(t, guildID)
	s.cancelFunc()

	fresh := GetVoiceManager().Prepare(nil, guildID, guildID+1)
	require.NotSame(t, s, fresh)
	assert.NoError(t, fresh.cancelCtx.Err())
}

func TestUnresolvableYouTubeLinkIsDropped(t *testing.T) {
	s := newTestSession(t, 20016)

	var resolveCalls atomic.Int32
	s.resolve = func(ctx context.Context, tr *Track) (io.ReadCloser, error) {
		resolveCalls.Add(1)
		return silentReader(), nil
	}
	playedCh := make(chan string, 2)
	s.play = func(tr *Track, r io.ReadCloser) error {
		playedCh <- tr.Title
		return nil
	}

	ctx := context.Background()
	_, err := s.Enqueue(ctx, &Track{Title: "no id", URL: "https://www.youtube.com/@somechannel", Source: SourceYouTube})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, &Track{Title: "ok", URL: "https://soundcloud.com/a/ok", Source: SourceSoundCloud})
	require.NoError(t, err)

	go s.processQueue()

	select {
	case title := <-playedCh:
		assert.Equal(t, "ok", title)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for playback")
	}
	assert.Equal(t, int32(1), resolveCalls.Load())
}
