package playlist

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeMasterPlaylistExtractsVariants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=1280x720,CODECS=\"avc1.4d401f\"\n" +
			"720p/index.m3u8\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=300000,RESOLUTION=640x360\n" +
			"360p/index.m3u8\n"))
	}))
	defer srv.Close()

	a := New(Config{}, srv.Client())
	res, err := a.Analyze(t.Context(), srv.URL+"/master.m3u8")
	require.NoError(t, err)
	require.NotNil(t, res.Master)
	require.Len(t, res.Master.Variants, 2)
	assert.Equal(t, 800000, res.Master.Variants[0].Bandwidth)
	assert.Equal(t, "1280x720", res.Master.Variants[0].Resolution)
	assert.Equal(t, "avc1.4d401f", res.Master.Variants[0].Codec)
	assert.Equal(t, srv.URL+"/720p/index.m3u8", res.Master.Variants[0].URL)
}

func TestAnalyzeMediaPlaylistExtractsSegmentsAndKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n" +
			"#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\",IV=0x00000000000000000000000000000001\n" +
			"#EXTINF:10.0,\n" +
			"seg_0.ts\n" +
			"#EXTINF:9.5,\n" +
			"seg_1.ts\n" +
			"#EXT-X-ENDLIST\n"))
	}))
	defer srv.Close()

	a := New(Config{}, srv.Client())
	res, err := a.Analyze(t.Context(), srv.URL+"/index.m3u8")
	require.NoError(t, err)
	require.NotNil(t, res.Media)
	assert.Equal(t, EncryptionAES128, res.Media.Encryption)
	assert.Equal(t, srv.URL+"/key.bin", res.Media.KeyURL)
	assert.Len(t, res.Media.Segments, 2)
	assert.InDelta(t, 19.5, res.Media.Duration, 0.001)
}

func TestAnalyzeFallsBackToEmbeddedPlaylistURL(t *testing.T) {
	var playlistPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/watch" {
			_, _ = w.Write([]byte(`<html><script>var src="` + playlistPath + `";</script></html>`))
			return
		}
		_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:5,\nseg_0.ts\n"))
	}))
	defer srv.Close()
	playlistPath = srv.URL + "/stream.m3u8"

	a := New(Config{}, srv.Client())
	res, err := a.Analyze(t.Context(), srv.URL+"/watch")
	require.NoError(t, err)
	require.NotNil(t, res.Media)
	assert.Len(t, res.Media.Segments, 1)
}

func TestAnalyzeFailsWhenNoPlaylistFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>nothing here</html>`))
	}))
	defer srv.Close()

	a := New(Config{}, srv.Client())
	_, err := a.Analyze(t.Context(), srv.URL+"/watch")
	assert.Error(t, err)
}

func TestAnalyzeFailsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := New(Config{}, srv.Client())
	_, err := a.Analyze(t.Context(), srv.URL+"/gone.m3u8")
	assert.Error(t, err)
}

func TestParseAttributeListHandlesQuotedCommas(t *testing.T) {
	attrs := parseAttributeList(`METHOD=AES-128,URI="https://host/key,with,commas.bin",IV=0x1`)
	assert.Equal(t, "AES-128", attrs["METHOD"])
	assert.Equal(t, "https://host/key,with,commas.bin", attrs["URI"])
	assert.Equal(t, "0x1", attrs["IV"])
}

func TestNormalizeIVRejectsNonHex(t *testing.T) {
	assert.Equal(t, "", normalizeIV("not-hex"))
	assert.Equal(t, "0102", normalizeIV("0x0102"))
}

func TestResolveURLKeepsAbsoluteURLsUnchanged(t *testing.T) {
	assert.Equal(t, "https://other/seg.ts", resolveURL("https://cdn.example/index.m3u8", "https://other/seg.ts"))
	assert.Equal(t, "https://cdn.example/segs/seg.ts", resolveURL("https://cdn.example/index.m3u8", "segs/seg.ts"))
}

func TestFindPlaylistURLsExtractsDirectAndJSONReferences(t *testing.T) {
	body := `{"file": "https:\/\/cdn.example\/hls\/index.m3u8"} and a stray https://other.example/raw.m3u8?x=1 link`
	urls := FindPlaylistURLs(body, "https://page.example/watch")
	assert.Contains(t, urls, "https://cdn.example/hls/index.m3u8")
	assert.Contains(t, urls, "https://other.example/raw.m3u8?x=1")
}

func TestNewAppliesDefaultRequestTimeout(t *testing.T) {
	a := New(Config{}, http.DefaultClient)
	assert.Equal(t, 30*time.Second, a.cfg.RequestTimeout)
}
