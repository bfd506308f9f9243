package main

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// The extraction tool and the library paths all surface YouTube's bot-check
// wall with slightly different wording. Matching happens on a lowercased,
// apostrophe-stripped rendering of the error text.
var loginErrorMarkers = []string{
	"sign in to confirm",
	"login_required",
	"not a bot",
	"confirm youre not a bot",
	"confirm you are not a bot",
}

const noiseTokenPattern = `official\s+video|official\s+audio|video\s+oficial|audio\s+oficial|lyrics?|lyric\s+video|mv|hd|4k`

var (
	noiseBracketRegex = regexp.MustCompile(`(?i)[(\[{]\s*(` + noiseTokenPattern + `)\s*[)\]}]`)
	noiseWordRegex    = regexp.MustCompile(`(?i)\b(` + noiseTokenPattern + `)\b`)
	topicSuffixRegex  = regexp.MustCompile(`(?i)\s*-\s*topic\s*$`)
	whitespaceCollide = regexp.MustCompile(`\s+`)

	separatorRunRegex   = regexp.MustCompile(`[_\-]+`)
	officialMarkerRegex = regexp.MustCompile(`\b(official|oficial|vevo)\b`)
	topicWordRegex      = regexp.MustCompile(`\btopic\b`)
)

// isLoginRequiredError reports whether an error looks like YouTube demanding
// an authenticated session rather than a transient failure.
func isLoginRequiredError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	msg = strings.NewReplacer("’", "", "‘", "", "'", "").Replace(msg)
	for _, marker := range loginErrorMarkers {
		if strings.Contains(msg, strings.ReplaceAll(marker, "'", "")) {
			return true
		}
	}
	return false
}

// cleanQueryText strips decoration tokens, bracketed or bare.
func cleanQueryText(value string) string {
	cleaned := noiseBracketRegex.ReplaceAllString(value, " ")
	cleaned = noiseWordRegex.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(whitespaceCollide.ReplaceAllString(cleaned, " "))
}

func cleanChannelText(value string) string {
	return cleanQueryText(topicSuffixRegex.ReplaceAllString(value, " "))
}

// buildSoundCloudQuery turns a YouTube title/channel pair into a query that
// stands a chance on SoundCloud: decoration like "(Official Video)" and the
// auto-generated "- Topic" channel suffix only hurt there.
func buildSoundCloudQuery(title, channel string) string {
	cleanTitle := cleanQueryText(title)
	cleanChannel := cleanChannelText(channel)

	switch {
	case cleanTitle == "":
		return cleanChannel
	case cleanChannel == "":
		return cleanTitle
	}
	return cleanTitle + " " + cleanChannel
}

// normalizeCompareText lowercases and flattens underscore/hyphen runs so
// "Artist-VEVO" and "Video_Oficial" compare as words.
func normalizeCompareText(value string) string {
	v := strings.ToLower(value)
	v = separatorRunRegex.ReplaceAllString(v, " ")
	return strings.TrimSpace(whitespaceCollide.ReplaceAllString(v, " "))
}

// scoreVideoForQuery ranks a search result against the query the user typed.
func scoreVideoForQuery(r SearchResult, query string) int {
	q := normalizeCompareText(query)
	if q == "" {
		return 0
	}
	title := normalizeCompareText(r.Title)
	channel := normalizeCompareText(r.ChannelName)

	score := 0
	if title == q {
		score += 5
	}
	if strings.Contains(title, q) {
		score += 3
	}
	if strings.Contains(channel, q) {
		score += 2
	}
	if officialMarkerRegex.MatchString(title) {
		score += 6
	}
	if officialMarkerRegex.MatchString(channel) {
		score += 4
	}
	if topicWordRegex.MatchString(channel) {
		score += 1
	}
	return score
}

// pickBestVideo returns the highest scoring result; ties keep the first seen.
func pickBestVideo(results []SearchResult, query string) (SearchResult, bool) {
	if len(results) == 0 {
		return SearchResult{}, false
	}
	best := results[0]
	bestScore := scoreVideoForQuery(best, query)
	for _, r := range results[1:] {
		if s := scoreVideoForQuery(r, query); s > bestScore {
			best, bestScore = r, s
		}
	}
	return best, true
}

// chooseFallbackTrack finds the SoundCloud candidate to substitute for a
// login-walled YouTube track.
func chooseFallbackTrack(ctx context.Context, t *Track) (SearchResult, error) {
	query := buildSoundCloudQuery(t.Title, t.Channel)
	if query == "" {
		query = t.Title
	}
	if query == "" {
		return SearchResult{}, errors.New("no usable query for fallback search")
	}

	results, err := soundcloudSearch(ctx, query, 5)
	if err != nil {
		return SearchResult{}, err
	}

	best, ok := pickBestVideo(results, query)
	if !ok {
		return SearchResult{}, errors.New("no fallback candidates found")
	}
	return best, nil
}
