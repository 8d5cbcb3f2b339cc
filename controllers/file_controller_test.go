package controllers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cppla/imgconv/config"
	"github.com/cppla/imgconv/storage"
)

type testEnv struct {
	cfg    config.AppConfig
	areas  storage.Areas
	svc    Services
	router *gin.Engine
}

func newTestEnv(t *testing.T, mutate func(*config.AppConfig), ledger *Ledger) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	cfg := config.Default()
	cfg.UploadDir = filepath.Join(root, "uploads")
	cfg.ConvertedDir = filepath.Join(root, "converted")
	cfg.DownloadDeleteDelaySec = 1
	if mutate != nil {
		mutate(&cfg)
	}

	areas := storage.NewAreas(cfg.UploadDir, cfg.ConvertedDir)
	if err := areas.Ensure(); err != nil {
		t.Fatalf("ensure areas: %v", err)
	}
	svc := Services{
		Areas:     areas,
		Locks:     storage.NewLockTable(),
		Scheduler: storage.NewScheduler(),
		Ledger:    ledger,
	}
	t.Cleanup(func() { svc.Scheduler.Stop() })

	fc := NewFileController(cfg, svc)
	r := gin.New()
	r.POST("/api/upload", fc.Upload)
	r.POST("/api/convert/image", fc.Convert)
	r.GET("/api/download/:filename", fc.Download)

	return &testEnv{cfg: cfg, areas: areas, svc: svc, router: r}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func (e *testEnv) upload(t *testing.T, field, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	} else if err := mw.WriteField("note", "no file here"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) convert(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/convert/image", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return m
}

func expectFailure(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["success"] != false {
		t.Errorf("expected success=false, got %v", body["success"])
	}
	if msg, _ := body["error"].(string); msg == "" {
		t.Errorf("expected an error message, got %v", body)
	}
}

func waitGone(t *testing.T, path string, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s still exists after %v", path, within)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func uploadPNG(t *testing.T, e *testEnv, w, h int) (string, []byte) {
	t.Helper()
	data := pngBytes(t, w, h)
	resp := e.upload(t, "file", "photo.png", "image/png", data)
	if resp.Code != http.StatusOK {
		t.Fatalf("upload failed: %d %s", resp.Code, resp.Body.String())
	}
	id, _ := decodeBody(t, resp)["fileId"].(string)
	if id == "" {
		t.Fatal("expected a fileId")
	}
	return id, data
}

func TestUploadConvertDownloadScenario(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	data := pngBytes(t, 500, 500)

	// upload
	resp := e.upload(t, "file", "photo.png", "image/png", data)
	if resp.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	up := decodeBody(t, resp)
	fileID, _ := up["fileId"].(string)
	if up["success"] != true || up["fileName"] != "photo.png" || up["fileType"] != "image" {
		t.Errorf("unexpected upload response %v", up)
	}
	if size, _ := up["fileSize"].(float64); int(size) != len(data) {
		t.Errorf("expected fileSize %d, got %v", len(data), up["fileSize"])
	}
	if !strings.HasSuffix(fileID, ".png") {
		t.Errorf("fileId should keep the extension, got %q", fileID)
	}
	intake := filepath.Join(e.areas.Intake, fileID)
	stored, err := os.ReadFile(intake)
	if err != nil {
		t.Fatalf("intake file missing: %v", err)
	}
	if !bytes.Equal(stored, data) {
		t.Error("stored upload differs from the input")
	}

	// convert
	resp = e.convert(t, fmt.Sprintf(`{"fileId":%q,"format":"jpg","quality":80,"width":250}`, fileID))
	if resp.Code != http.StatusOK {
		t.Fatalf("convert: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	conv := decodeBody(t, resp)
	name, _ := conv["fileName"].(string)
	if !regexp.MustCompile(`^converted-\d+\.jpg$`).MatchString(name) {
		t.Fatalf("unexpected output name %q", name)
	}
	if conv["downloadUrl"] != "/api/download/"+name {
		t.Errorf("unexpected downloadUrl %v", conv["downloadUrl"])
	}
	if _, err := os.Stat(intake); !os.IsNotExist(err) {
		t.Error("intake file should be consumed by the conversion")
	}

	output := filepath.Join(e.areas.Output, name)
	f, err := os.Open(output)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	cfg, format, err := image.DecodeConfig(f)
	f.Close()
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "jpeg" || cfg.Width > 250 || cfg.Height != 250 {
		t.Errorf("unexpected output %s %dx%d", format, cfg.Width, cfg.Height)
	}

	// download
	want, _ := os.ReadFile(output)
	resp = e.get(t, "/api/download/"+name)
	if resp.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", resp.Code)
	}
	if cd := resp.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") || !strings.Contains(cd, name) {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
	if !bytes.Equal(resp.Body.Bytes(), want) {
		t.Error("downloaded bytes differ from the output file")
	}
	if e.svc.Scheduler.Pending() != 1 {
		t.Errorf("expected one pending deletion, got %d", e.svc.Scheduler.Pending())
	}

	// still there right after the transfer, gone after the delay
	if _, err := os.Stat(output); err != nil {
		t.Errorf("output should survive until the delay elapses: %v", err)
	}
	waitGone(t, output, 5*time.Second)
}

func TestUploadWithoutFile(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	expectFailure(t, e.upload(t, "", "", "", nil), http.StatusBadRequest)

	// wrong field name is the same as no file
	expectFailure(t, e.upload(t, "attachment", "a.png", "image/png", []byte("x")), http.StatusBadRequest)

	entries, _ := os.ReadDir(e.areas.Intake)
	if len(entries) != 0 {
		t.Errorf("nothing should be stored, found %d files", len(entries))
	}
}

func TestUploadTooLarge(t *testing.T) {
	e := newTestEnv(t, func(c *config.AppConfig) { c.MaxUploadMB = 1 }, nil)
	big := bytes.Repeat([]byte{0xAB}, 1536*1024)

	expectFailure(t, e.upload(t, "file", "big.png", "image/png", big), http.StatusRequestEntityTooLarge)
	entries, _ := os.ReadDir(e.areas.Intake)
	if len(entries) != 0 {
		t.Errorf("oversized upload must not be kept, found %d files", len(entries))
	}
}

func TestUploadTypeDetection(t *testing.T) {
	e := newTestEnv(t, nil, nil)

	resp := e.upload(t, "file", "notes.txt", "text/plain", []byte("hello"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got := decodeBody(t, resp)["fileType"]; got != "unknown" {
		t.Errorf("expected unknown, got %v", got)
	}

	resp = e.upload(t, "file", "scan.BMP", "application/octet-stream", []byte("BM"))
	if got := decodeBody(t, resp)["fileType"]; got != "image" {
		t.Errorf("extension fallback should give image, got %v", got)
	}

	resp = e.upload(t, "file", "<img src=x>x.png", "image/png", []byte("x"))
	if got := decodeBody(t, resp)["fileName"]; got != "x.png" {
		t.Errorf("file name should be sanitized, got %v", got)
	}
}

func TestConvertBadRequests(t *testing.T) {
	e := newTestEnv(t, nil, nil)

	expectFailure(t, e.convert(t, `{"format":"png"}`), http.StatusBadRequest)
	expectFailure(t, e.convert(t, `{"fileId":"abc.png"}`), http.StatusBadRequest)
	expectFailure(t, e.convert(t, `{"fileId":"  ","format":"png"}`), http.StatusBadRequest)
	expectFailure(t, e.convert(t, `{not json`), http.StatusBadRequest)
}

func TestConvertUnknownFile(t *testing.T) {
	e := newTestEnv(t, nil, nil)

	expectFailure(t, e.convert(t, `{"fileId":"1700000000000-deadbeef0000.png","format":"png"}`), http.StatusNotFound)
	expectFailure(t, e.convert(t, `{"fileId":"../converted/secret.png","format":"png"}`), http.StatusNotFound)
}

func TestConvertUnsupportedFormatKeepsIntake(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	fileID, data := uploadPNG(t, e, 20, 20)

	w := e.convert(t, fmt.Sprintf(`{"fileId":%q,"format":"bmp"}`, fileID))
	expectFailure(t, w, http.StatusInternalServerError)
	if msg := decodeBody(t, w)["error"].(string); !strings.Contains(msg, "unsupported format") {
		t.Errorf("unexpected message %q", msg)
	}

	stored, err := os.ReadFile(filepath.Join(e.areas.Intake, fileID))
	if err != nil || !bytes.Equal(stored, data) {
		t.Errorf("intake file must be untouched: %v", err)
	}
	entries, _ := os.ReadDir(e.areas.Output)
	if len(entries) != 0 {
		t.Errorf("no output expected, found %d files", len(entries))
	}
}

func TestConvertIsSingleUse(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	fileID, _ := uploadPNG(t, e, 30, 30)
	payload := fmt.Sprintf(`{"fileId":%q,"format":"PNG","quality":"abc"}`, fileID)

	w := e.convert(t, payload)
	if w.Code != http.StatusOK {
		t.Fatalf("first conversion: %d %s", w.Code, w.Body.String())
	}
	if name := decodeBody(t, w)["fileName"].(string); !strings.HasSuffix(name, ".png") {
		t.Errorf("format should be normalised to lower case, got %q", name)
	}
	expectFailure(t, e.convert(t, payload), http.StatusNotFound)
}

func TestConvertConcurrentIsSingleUse(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	const workers = 8

	for round := 0; round < 5; round++ {
		fileID, _ := uploadPNG(t, e, 600, 600)
		payload := fmt.Sprintf(`{"fileId":%q,"format":"jpg"}`, fileID)

		codes := make(chan int, workers)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				req := httptest.NewRequest(http.MethodPost, "/api/convert/image", strings.NewReader(payload))
				req.Header.Set("Content-Type", "application/json")
				w := httptest.NewRecorder()
				e.router.ServeHTTP(w, req)
				codes <- w.Code
			}()
		}
		close(start)
		wg.Wait()
		close(codes)

		ok := 0
		for code := range codes {
			switch code {
			case http.StatusOK:
				ok++
			case http.StatusNotFound:
			default:
				t.Errorf("round %d: unexpected status %d", round, code)
			}
		}
		if ok != 1 {
			t.Fatalf("round %d: expected exactly one successful conversion, got %d", round, ok)
		}
		if _, err := os.Stat(filepath.Join(e.areas.Intake, fileID)); !os.IsNotExist(err) {
			t.Errorf("round %d: upload should be consumed", round)
		}
	}

	entries, _ := os.ReadDir(e.areas.Output)
	if len(entries) != 5 {
		t.Errorf("expected one output per upload, found %d files", len(entries))
	}
	if e.svc.Locks.Len() != 0 {
		t.Errorf("all marks should be released, %d held", e.svc.Locks.Len())
	}
}

func TestConvertInvalidOptionsKeepsIntake(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	fileID, _ := uploadPNG(t, e, 20, 20)

	for _, extra := range []string{`"quality":150`, `"quality":-3`, `"width":-5`, `"height":"-1"`} {
		w := e.convert(t, fmt.Sprintf(`{"fileId":%q,"format":"jpg",%s}`, fileID, extra))
		expectFailure(t, w, http.StatusInternalServerError)
		if msg := decodeBody(t, w)["error"].(string); !strings.Contains(msg, "invalid options") {
			t.Errorf("%s: unexpected message %q", extra, msg)
		}
	}
	if _, err := os.Stat(filepath.Join(e.areas.Intake, fileID)); err != nil {
		t.Errorf("intake file must survive rejected options: %v", err)
	}
	entries, _ := os.ReadDir(e.areas.Output)
	if len(entries) != 0 {
		t.Errorf("no output expected, found %d files", len(entries))
	}
}

func TestConvertAllFormats(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	for _, format := range []string{"jpg", "jpeg", "png", "webp", "gif"} {
		fileID, _ := uploadPNG(t, e, 40, 20)
		w := e.convert(t, fmt.Sprintf(`{"fileId":%q,"format":%q,"height":"10"}`, fileID, format))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", format, w.Code, w.Body.String())
		}
		name := decodeBody(t, w)["fileName"].(string)
		if !strings.HasSuffix(name, "."+format) {
			t.Errorf("%s: unexpected name %q", format, name)
		}
		f, err := os.Open(filepath.Join(e.areas.Output, name))
		if err != nil {
			t.Fatalf("%s: output missing: %v", format, err)
		}
		cfg, _, err := image.DecodeConfig(f)
		f.Close()
		if err != nil {
			t.Fatalf("%s: decode: %v", format, err)
		}
		if cfg.Width != 20 || cfg.Height != 10 {
			t.Errorf("%s: expected 20x10, got %dx%d", format, cfg.Width, cfg.Height)
		}
	}
}

func TestConvertDecodeFailureKeepsIntake(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	resp := e.upload(t, "file", "fake.png", "image/png", []byte("definitely not a png"))
	fileID := decodeBody(t, resp)["fileId"].(string)

	expectFailure(t, e.convert(t, fmt.Sprintf(`{"fileId":%q,"format":"jpg"}`, fileID)), http.StatusInternalServerError)
	if _, err := os.Stat(filepath.Join(e.areas.Intake, fileID)); err != nil {
		t.Errorf("intake file should remain for retry or janitor: %v", err)
	}
	entries, _ := os.ReadDir(e.areas.Output)
	if len(entries) != 0 {
		t.Errorf("failed conversion must not leave output, found %d files", len(entries))
	}
}

func TestDownloadMissing(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	expectFailure(t, e.get(t, "/api/download/converted-1.jpg"), http.StatusNotFound)
	expectFailure(t, e.get(t, "/api/download/.."), http.StatusNotFound)
	if e.svc.Scheduler.Pending() != 0 {
		t.Error("nothing should be scheduled for a failed download")
	}
}
