// Package media keeps the room's "now playing" video in step across the
// participants that opted into sync.
package media

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const KindEmbeddableVideo = "embeddable-video"

var ErrUnsupportedSource = errors.New("unsupported media source")

var videoID = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Source is a validated, canonical media source.
type Source struct {
	URL     string
	Kind    string
	VideoID string
	Start   int
}

// ParseSource accepts the YouTube URL shapes people paste and returns the
// canonical embed URL. Anything else is ErrUnsupportedSource.
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, fmt.Errorf("%w: empty", ErrUnsupportedSource)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Source{}, fmt.Errorf("%w: scheme %q", ErrUnsupportedSource, u.Scheme)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	q := u.Query()

	var id string
	switch host {
	case "youtu.be":
		id = segs[0]
	case "youtube.com", "m.youtube.com", "music.youtube.com", "youtube-nocookie.com":
		switch {
		case len(segs) == 1 && segs[0] == "watch":
			id = q.Get("v")
		case len(segs) == 2 && (segs[0] == "embed" || segs[0] == "shorts" || segs[0] == "live" || segs[0] == "v"):
			id = segs[1]
		}
	default:
		return Source{}, fmt.Errorf("%w: host %q", ErrUnsupportedSource, u.Hostname())
	}
	if !videoID.MatchString(id) {
		return Source{}, fmt.Errorf("%w: no video id", ErrUnsupportedSource)
	}

	start := parseStart(q.Get("t"))
	if start == 0 {
		start = parseStart(q.Get("start"))
	}
	canonical := "https://www.youtube.com/embed/" + id
	if start > 0 {
		canonical += "?start=" + strconv.Itoa(start)
	}
	return Source{URL: canonical, Kind: KindEmbeddableVideo, VideoID: id, Start: start}, nil
}

// parseStart reads "90", "90s" or "1h2m3s" offsets.
func parseStart(v string) int {
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return int(d / time.Second)
	}
	return 0
}
