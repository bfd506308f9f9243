package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kkdai/youtube/v2"
	"github.com/lrstanley/go-ytdlp"
)

// Stream resolution walks a fixed provider chain. The subprocess tool is the
// strongest extractor but may be missing from the host; the library paths
// keep playback alive without it.

const maxStderrTail = 4000

var (
	ytdlpProbeOnce sync.Once
	ytdlpProbeErr  error

	innertubeClient = &http.Client{Timeout: 30 * time.Second}

	// No timeout: this client carries audio bodies that play for minutes.
	streamClient = &http.Client{}
)

// ensureYtdlpAvailable probes the extraction tool exactly once per process.
// Without an explicit YTDLP_PATH it lazily installs a managed copy, guarded
// so concurrent resolutions share the one download.
func ensureYtdlpAvailable(ctx context.Context) error {
	ytdlpProbeOnce.Do(func() {
		if GlobalConfig != nil && GlobalConfig.YtdlpPath != "" {
			if _, err := os.Stat(GlobalConfig.YtdlpPath); err != nil {
				ytdlpProbeErr = fmt.Errorf("YTDLP_PATH is not usable: %w", err)
			}
			return
		}
		if _, err := ytdlp.Install(ctx, nil); err != nil {
			ytdlpProbeErr = fmt.Errorf("yt-dlp install failed: %w", err)
		}
	})
	return ytdlpProbeErr
}

func newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if GlobalConfig != nil {
		if GlobalConfig.YtdlpPath != "" {
			cmd.SetExecutable(GlobalConfig.YtdlpPath)
		}
		if GlobalConfig.YoutubeProxy != "" {
			cmd.Proxy(GlobalConfig.YoutubeProxy)
		}
	}
	return cmd
}

// resolveStream returns a readable audio stream for a track, dispatching on
// its content source.
func resolveStream(ctx context.Context, t *Track) (io.ReadCloser, error) {
	if t.Source == SourceSoundCloud {
		rc, err := soundcloudStream(ctx, t.URL)
		if err != nil {
			return nil, fmt.Errorf("soundcloud stream failed for %s: %w", t.URL, err)
		}
		return rc, nil
	}
	return resolveYouTubeStream(ctx, t)
}

func resolveYouTubeStream(ctx context.Context, t *Track) (io.ReadCloser, error) {
	var chainErrs []error

	// 1. Subprocess extraction tool
	if err := ensureYtdlpAvailable(ctx); err != nil {
		LogResolver("yt-dlp unavailable, falling through: %v", err)
		chainErrs = append(chainErrs, err)
	} else {
		rc, err := ytdlpStream(ctx, t.URL)
		if err == nil {
			return rc, nil
		}
		LogResolver("yt-dlp stream failed for %s: %v", t.URL, err)
		chainErrs = append(chainErrs, err)
	}

	// 2. Library extraction
	rc, err := libraryStream(ctx, t)
	if err == nil {
		return rc, nil
	}
	LogResolver("library stream failed for %s: %v", t.URL, err)
	chainErrs = append(chainErrs, err)

	// 3. Direct player API request
	rc, err = innertubeStream(ctx, t)
	if err == nil {
		return rc, nil
	}
	LogResolver("player API stream failed for %s: %v", t.URL, err)
	chainErrs = append(chainErrs, err)

	return nil, fmt.Errorf("all providers failed for %s: %w", t.URL, errors.Join(chainErrs...))
}

// ytdlpStream spawns the extraction tool writing raw audio to stdout. Exit
// errors caused by the reader going away ("broken pipe", "signal: killed")
// are normal teardown, not failures.
func ytdlpStream(ctx context.Context, u string) (io.ReadCloser, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	args := []string{
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--socket-timeout", "30",
		"--retries", "3",
	}

	// The child must outlive the resolve deadline; it dies when the stream
	// is closed, not when ctx expires.
	execCmd := newYtdlp().
		Format("bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best").
		Output("-").
		NoSimulate().
		NoPart().
		NoPlaylist().
		NoCheckCertificates().
		BuildCommand(context.WithoutCancel(ctx), append(args, u)...)

	pr, pw := io.Pipe()
	execCmd.Stdout = pw
	execCmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	if GlobalConfig != nil && GlobalConfig.YoutubeProxy != "" {
		proxy := GlobalConfig.YoutubeProxy
		execCmd.Env = append(execCmd.Env, "http_proxy="+proxy, "https_proxy="+proxy, "all_proxy="+proxy)
	}
	execCmd.WaitDelay = 0

	var stderr bytes.Buffer
	execCmd.Stderr = &stderr

	if err := execCmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to start yt-dlp: %w", err)
	}

	go func() {
		err := execCmd.Wait()
		if err != nil {
			tail := stderr.String()
			if len(tail) > maxStderrTail {
				tail = tail[len(tail)-maxStderrTail:]
			}
			msg := strings.ToLower(err.Error() + tail)
			if strings.Contains(msg, "broken pipe") || strings.Contains(msg, "signal: killed") {
				pw.Close()
				return
			}
			pw.CloseWithError(fmt.Errorf("yt-dlp exited: %v: %s", err, tail))
			return
		}
		pw.Close()
	}()

	return &processStream{ReadCloser: pr, kill: func() {
		if execCmd.Process != nil {
			_ = execCmd.Process.Kill()
		}
	}}, nil
}

// processStream kills the child when the consumer closes the stream, so a
// skip doesn't leave the tool downloading into a dead pipe.
type processStream struct {
	io.ReadCloser
	kill func()
	once sync.Once
}

func (p *processStream) Close() error {
	p.once.Do(p.kill)
	return p.ReadCloser.Close()
}

// libraryStream extracts a stream URL in-process.
func libraryStream(ctx context.Context, t *Track) (io.ReadCloser, error) {
	if t.VideoID == "" {
		return nil, errors.New("no video id for library extraction")
	}

	client := youtube.Client{}
	video, err := client.GetVideoContext(ctx, t.URL)
	if err != nil {
		return nil, fmt.Errorf("video lookup failed: %w", err)
	}

	formats := video.Formats.WithAudioChannels()
	if len(formats) == 0 {
		return nil, errors.New("no audio formats available")
	}
	sort.SliceStable(formats, func(i, j int) bool {
		return formats[i].Bitrate > formats[j].Bitrate
	})

	// The stream body outlives the resolve deadline.
	rc, _, err := client.GetStreamContext(context.WithoutCancel(ctx), video, &formats[0])
	if err != nil {
		return nil, fmt.Errorf("stream open failed: %w", err)
	}
	return rc, nil
}

// innertubeStream asks the player API directly with an android client
// context, the same trick the extraction tool uses under the hood.
func innertubeStream(ctx context.Context, t *Track) (io.ReadCloser, error) {
	if t.VideoID == "" {
		return nil, errors.New("no video id for player API request")
	}
	if err := apiLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":        "ANDROID",
				"clientVersion":     "19.09.37",
				"androidSdkVersion": 30,
				"hl":                "en",
			},
		},
		"videoId": t.VideoID,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://www.youtube.com/youtubei/v1/player?prettyPrint=false", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "com.google.android.youtube/19.09.37 (Linux; U; Android 11) gzip")

	resp, err := innertubeClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("player API returned status %d", resp.StatusCode)
	}

	var player struct {
		PlayabilityStatus struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		} `json:"playabilityStatus"`
		StreamingData struct {
			AdaptiveFormats []struct {
				MimeType string `json:"mimeType"`
				Bitrate  int    `json:"bitrate"`
				URL      string `json:"url"`
			} `json:"adaptiveFormats"`
		} `json:"streamingData"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&player); err != nil {
		return nil, fmt.Errorf("failed to decode player response: %w", err)
	}

	if status := player.PlayabilityStatus.Status; status != "" && status != "OK" {
		return nil, fmt.Errorf("playability %s: %s", strings.ToLower(status), player.PlayabilityStatus.Reason)
	}

	streamURL := ""
	bestBitrate := -1
	for _, f := range player.StreamingData.AdaptiveFormats {
		if strings.HasPrefix(f.MimeType, "audio/") && f.URL != "" && f.Bitrate > bestBitrate {
			streamURL, bestBitrate = f.URL, f.Bitrate
		}
	}
	if streamURL == "" {
		return nil, errors.New("no audio stream url in player response")
	}

	streamReq, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, err
	}
	streamResp, err := streamClient.Do(streamReq)
	if err != nil {
		return nil, err
	}
	if streamResp.StatusCode != http.StatusOK && streamResp.StatusCode != http.StatusPartialContent {
		streamResp.Body.Close()
		return nil, fmt.Errorf("audio stream returned status %d", streamResp.StatusCode)
	}
	return streamResp.Body, nil
}

// ytdlpResolveMetadata fills in title/channel/duration for a bare URL.
func ytdlpResolveMetadata(ctx context.Context, u string) (title, uploader string, d time.Duration, err error) {
	if err = ensureYtdlpAvailable(ctx); err != nil {
		return "", "", 0, err
	}

	res, err := newYtdlp().
		Print("%(title)s\t%(uploader)s\t%(duration)s").
		SkipDownload().
		NoPlaylist().
		IgnoreConfig().
		NoWarnings().
		Run(ctx, u)
	if err != nil {
		return "", "", 0, err
	}

	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 3 {
			continue
		}
		d, _ := time.ParseDuration(ps[2] + "s")
		return ps[0], ps[1], d, nil
	}
	return "", "", 0, errors.New("failed to parse metadata")
}
