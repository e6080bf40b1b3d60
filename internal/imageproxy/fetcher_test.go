package imageproxy

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// permissiveValidator は検証を素通しするテスト用のSSRFValidator。
// httptestサーバーはループバックで待ち受けるため、本物のガードは使えない。
type permissiveValidator struct {
	validateErr   error
	validateCalls int
}

func (v *permissiveValidator) ValidateURL(_ string) error {
	v.validateCalls++
	return v.validateErr
}

func (v *permissiveValidator) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func newTestFetcher(validator SSRFValidator, maxSize int64) *Fetcher {
	return NewFetcher(validator, newTestLogger(), nil, 5*time.Second, maxSize)
}

func TestIsSupportedMime(t *testing.T) {
	cases := []struct {
		mimeType string
		want     bool
	}{
		{"image/png", true},
		{"image/jpeg", true},
		{"image/jpg", true},
		{"image/gif", true},
		{"image/webp", true},
		{"IMAGE/PNG", true},
		{"video/mp4", false},
		{"image/svg+xml", false},
		{"", false},
	}

	for _, tc := range cases {
		if got := IsSupportedMime(tc.mimeType); got != tc.want {
			t.Errorf("IsSupportedMime(%q) = %v, want %v", tc.mimeType, got, tc.want)
		}
	}
}

func TestFetchBase64_UnsupportedMimeSkipsNetwork(t *testing.T) {
	validator := &permissiveValidator{}
	f := newTestFetcher(validator, 1024)

	got := f.FetchBase64(context.Background(), "https://cdn.example.com/video.mp4", "video/mp4")

	if got != "" {
		t.Errorf("非対応MIMEは空文字列を返すべき: %q", got)
	}
	// 取得自体を行わないこと
	if validator.validateCalls != 0 {
		t.Error("非対応MIMEでネットワーク処理が開始された")
	}
}

func TestFetchBase64_Success(t *testing.T) {
	payload := []byte{0x89, 0x50, 0x4e, 0x47}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer srv.Close()

	f := newTestFetcher(&permissiveValidator{}, 1024)

	got := f.FetchBase64(context.Background(), srv.URL, "image/png")

	want := base64.StdEncoding.EncodeToString(payload)
	if got != want {
		t.Errorf("FetchBase64 = %q, want %q", got, want)
	}
	// data URIプレフィックスを付与しないこと
	if strings.HasPrefix(got, "data:") {
		t.Error("data URIプレフィックスが付与されている")
	}
}

func TestFetchBase64_FailuresSwallowToEmpty(t *testing.T) {
	errorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer errorSrv.Close()

	cases := []struct {
		name      string
		validator SSRFValidator
		url       string
	}{
		{"URL検証失敗", &permissiveValidator{validateErr: errors.New("blocked")}, "https://169.254.169.254/meta"},
		{"HTTPエラー", &permissiveValidator{}, errorSrv.URL},
		{"接続失敗", &permissiveValidator{}, "http://127.0.0.1:1/nothing"},
		{"空URL", &permissiveValidator{}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newTestFetcher(tc.validator, 1024)

			if got := f.FetchBase64(context.Background(), tc.url, "image/jpeg"); got != "" {
				t.Errorf("失敗は空文字列に吸収されるべき: %q", got)
			}
		})
	}
}

func TestFetch_SizeLimitExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	f := newTestFetcher(&permissiveValidator{}, 99)

	_, _, err := f.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("サイズ上限超過はエラーを返すべき")
	}
}

func TestFetch_RejectsNonImageContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html>not an image</html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(&permissiveValidator{}, 1024)

	_, _, err := f.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("画像以外のContent-Typeはエラーを返すべき")
	}
}

func TestFetch_ReturnsDataAndContentType(t *testing.T) {
	payload := []byte{0x47, 0x49, 0x46}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// charset付きでもメディアタイプのみ抽出されること
		w.Header().Set("Content-Type", "IMAGE/GIF; charset=binary")
		w.Write(payload)
	}))
	defer srv.Close()

	f := newTestFetcher(&permissiveValidator{}, 1024)

	data, contentType, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch がエラーを返した: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("data = %v, want %v", data, payload)
	}
	if contentType != "image/gif" {
		t.Errorf("contentType = %q, want image/gif", contentType)
	}
}

func TestExtractMimeType(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"image/png", "image/png"},
		{"image/jpeg; charset=binary", "image/jpeg"},
		{" Image/GIF ", "image/gif"},
		{"", ""},
	}

	for _, tc := range cases {
		if got := extractMimeType(tc.in); got != tc.want {
			t.Errorf("extractMimeType(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
