// Package playlist implements the Playlist Analyzer (§4.A): fetching a
// URL, classifying it as a master or media HLS playlist, and extracting
// variants / segments / the optional AES key reference.
//
// Master/media line parsing is grounded on the teacher's
// internal/downloader/hls/hls.go (parseMediaPlaylistLines,
// selectBestStream); the "scan a non-playlist page for embedded .m3u8
// URLs" sub-algorithm is supplemented from original_source's
// src/core/url_extractor.py, which this package folds in as FindPlaylistURLs.
package playlist

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// EncryptionKind is the closed set of content-key schemes §4.A / §6
// recognize.
type EncryptionKind int

const (
	EncryptionNone EncryptionKind = iota
	EncryptionAES128
	EncryptionSampleAES
	EncryptionCustom
)

// Variant is one stream of a master playlist.
type Variant struct {
	Resolution string
	Bandwidth  int
	Codec      string
	URL        string
}

// MasterResult is returned when the fetched playlist is a master playlist.
type MasterResult struct {
	Variants []Variant
}

// MediaResult is returned when the fetched playlist is a media playlist.
type MediaResult struct {
	Segments   []string
	Duration   float64
	Encryption EncryptionKind
	KeyURL     string
	IVHex      string
}

// Result is the discriminated union Analyze returns: exactly one of
// Master or Media is non-nil.
type Result struct {
	Master *MasterResult
	Media  *MediaResult
}

// Config holds the HTTP-fetch parameters §4.A takes as input.
type Config struct {
	UserAgent      string
	VerifySSL      bool
	Proxy          string
	RequestTimeout time.Duration
}

// Analyzer fetches and classifies HLS playlists.
type Analyzer struct {
	cfg    Config
	client *http.Client
}

// New creates an Analyzer using client for fetches; client should come
// from the shared internal/pool so host pooling and TLS policy are
// consistent with the rest of the engine.
func New(cfg Config, client *http.Client) *Analyzer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Analyzer{cfg: cfg, client: client}
}

func (a *Analyzer) fetch(ctx context.Context, rawurl string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if a.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", a.cfg.UserAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch failed: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Analyze fetches rawurl and classifies it per §4.A. If the body is not
// itself an HLS playlist (no #EXTM3U header), it falls back to scanning
// the page for embedded .m3u8 URLs, following at most one hop.
func (a *Analyzer) Analyze(ctx context.Context, rawurl string) (*Result, error) {
	body, err := a.fetch(ctx, rawurl)
	if err != nil {
		return nil, err
	}

	if !hasM3U8Header(body) {
		candidates := FindPlaylistURLs(string(body), rawurl)
		if len(candidates) == 0 {
			return nil, errors.New("no #EXTM3U header and no embedded playlist URL found")
		}
		// One-hop only: re-fetch the first candidate and require it to
		// be a direct playlist this time.
		body, err = a.fetch(ctx, candidates[0])
		if err != nil {
			return nil, err
		}
		rawurl = candidates[0]
		if !hasM3U8Header(body) {
			return nil, errors.New("embedded candidate URL is not a playlist")
		}
	}

	lines := splitLines(body)
	if isMaster(lines) {
		variants := parseMasterLines(lines, rawurl)
		if len(variants) == 0 {
			return nil, errors.New("master playlist has no variants")
		}
		return &Result{Master: &MasterResult{Variants: variants}}, nil
	}

	media, err := parseMediaLines(lines, rawurl)
	if err != nil {
		return nil, err
	}
	if len(media.Segments) == 0 {
		return nil, errors.New("media playlist has no segments")
	}
	return &Result{Media: media}, nil
}

func hasM3U8Header(body []byte) bool {
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		return strings.HasPrefix(line, "#EXTM3U")
	}
	return false
}

func splitLines(body []byte) []string {
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	return lines
}

func isMaster(lines []string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, "#EXT-X-STREAM-INF:") {
			return true
		}
	}
	return false
}

var bandwidthRe = regexp.MustCompile(`BANDWIDTH=(\d+)`)
var resolutionRe = regexp.MustCompile(`RESOLUTION=(\d+x\d+)`)
var codecsRe = regexp.MustCompile(`CODECS="([^"]*)"`)

func resolveURL(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

func parseMasterLines(lines []string, baseURL string) []Variant {
	var variants []Variant
	for i, line := range lines {
		if !strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			continue
		}
		v := Variant{}
		if m := bandwidthRe.FindStringSubmatch(line); len(m) > 1 {
			v.Bandwidth, _ = strconv.Atoi(m[1])
		}
		if m := resolutionRe.FindStringSubmatch(line); len(m) > 1 {
			v.Resolution = m[1]
		}
		if m := codecsRe.FindStringSubmatch(line); len(m) > 1 {
			v.Codec = m[1]
		}
		for j := i + 1; j < len(lines); j++ {
			next := lines[j]
			if next == "" {
				continue
			}
			if strings.HasPrefix(next, "#") {
				break
			}
			v.URL = resolveURL(baseURL, next)
			break
		}
		if v.URL != "" {
			variants = append(variants, v)
		}
	}
	return variants
}

func parseMediaLines(lines []string, baseURL string) (*MediaResult, error) {
	media := &MediaResult{Encryption: EncryptionNone}
	var pendingDuration float64
	havePending := false

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs := parseAttributeList(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			switch strings.ToUpper(attrs["METHOD"]) {
			case "AES-128":
				media.Encryption = EncryptionAES128
			case "SAMPLE-AES":
				media.Encryption = EncryptionSampleAES
			case "NONE":
				media.Encryption = EncryptionNone
			default:
				if attrs["METHOD"] != "" {
					media.Encryption = EncryptionCustom
				}
			}
			if uri := attrs["URI"]; uri != "" {
				media.KeyURL = resolveURL(baseURL, uri)
			}
			if iv := attrs["IV"]; iv != "" {
				media.IVHex = normalizeIV(iv)
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			infLine := strings.TrimPrefix(line, "#EXTINF:")
			parts := strings.SplitN(infLine, ",", 2)
			d, _ := strconv.ParseFloat(strings.TrimRight(parts[0], ", "), 64)
			pendingDuration = d
			havePending = true
		case line == "" || strings.HasPrefix(line, "#"):
			// ignore unrecognized tags (§6)
		default:
			if havePending {
				media.Segments = append(media.Segments, resolveURL(baseURL, line))
				media.Duration += pendingDuration
				havePending = false
			}
		}
	}
	return media, nil
}

func normalizeIV(iv string) string {
	iv = strings.TrimPrefix(iv, "0x")
	iv = strings.TrimPrefix(iv, "0X")
	if _, err := hex.DecodeString(iv); err != nil {
		return ""
	}
	return iv
}

func parseAttributeList(s string) map[string]string {
	out := make(map[string]string)
	var key strings.Builder
	var val strings.Builder
	inQuotes := false
	inKey := true
	flush := func() {
		k := strings.TrimSpace(key.String())
		v := strings.Trim(strings.TrimSpace(val.String()), `"`)
		if k != "" {
			out[strings.ToUpper(k)] = v
		}
		key.Reset()
		val.Reset()
		inKey = true
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			if inKey {
				key.WriteRune(r)
			} else {
				val.WriteRune(r)
			}
		case r == ',' && !inQuotes:
			flush()
		case r == '=' && inKey && !inQuotes:
			inKey = false
		case inKey:
			key.WriteRune(r)
		default:
			val.WriteRune(r)
		}
	}
	flush()
	return out
}

// FindPlaylistURLs scans a non-playlist page body for embedded .m3u8
// URLs: direct references, URLs inside a small fixed set of JSON key
// names, and one-hop /api/ sibling endpoints derived from pageURL,
// supplementing §4.A from original_source's url_extractor.py.
func FindPlaylistURLs(body, pageURL string) []string {
	var found []string
	seen := make(map[string]bool)
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		found = append(found, u)
	}

	directRe := regexp.MustCompile(`https?://[^\s"'<>]+\.m3u8[^\s"'<>]*`)
	for _, m := range directRe.FindAllString(body, -1) {
		add(m)
	}

	for _, key := range []string{"url", "src", "file", "playlist"} {
		jsonRe := regexp.MustCompile(fmt.Sprintf(`"%s"\s*:\s*"([^"]+\.m3u8[^"]*)"`, key))
		for _, m := range jsonRe.FindAllStringSubmatch(body, -1) {
			if len(m) > 1 {
				add(resolveURL(pageURL, strings.ReplaceAll(m[1], `\/`, "/")))
			}
		}
	}

	if u, err := url.Parse(pageURL); err == nil {
		apiCandidate := fmt.Sprintf("%s://%s/api%s", u.Scheme, u.Host, u.Path)
		add(apiCandidate)
	}

	return found
}
