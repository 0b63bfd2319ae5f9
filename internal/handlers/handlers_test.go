package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/digit-api/internal/ingest"
	"github.com/Brownie44l1/digit-api/internal/middleware"
	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/model/modeltest"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
	"github.com/Brownie44l1/digit-api/internal/service"
	"github.com/go-playground/validator/v10"
)

var sevenDistribution = []float32{0.01, 0, 0, 0, 0, 0, 0, 0.9, 0.05, 0.04}

type testApp struct {
	app        *fiber.App
	handler    *Handler
	classifier *modeltest.Classifier
}

func newTestApp(t *testing.T, reqRate float64, burst int) *testApp {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	classifier := modeltest.New(sevenDistribution...)
	svc := service.NewPredictService(preprocess.New(), classifier, time.Second)
	mw := middleware.New(log, reqRate, burst)
	errHandler := NewErrorHandler(log)

	app := fiber.New(fiber.Config{ErrorHandler: errHandler.FiberErrorHandler})
	app.Use(mw.NewRequestIDMiddleware())

	h := New(log, validator.New(), mw, errHandler, svc, preprocess.PolicyInvert, 1<<20)
	h.Start(app)

	return &testApp{app: app, handler: h, classifier: classifier}
}

func (a *testApp) do(t *testing.T, req *http.Request) (int, string) {
	t.Helper()
	resp, err := a.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func sevenPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 140, 140))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	for y := 30; y < 40; y++ {
		for x := 30; x < 110; x++ {
			img.Set(x, y, color.White)
		}
	}
	for y := 40; y < 120; y++ {
		x := 110 - (y-40)/2
		for dx := -5; dx < 5; dx++ {
			img.Set(x+dx, y, color.White)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func sevenDataURL(t *testing.T) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(sevenPNG(t))
}

// multipartRequest builds a POST with the given form values and at most one file.
func multipartRequest(t *testing.T, target string, values map[string]string, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range values {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	if field != "" {
		fw, err := w.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestHomeRendersForm(t *testing.T) {
	a := newTestApp(t, 0, 0)

	status, body := a.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	for _, want := range []string{"canvas_image", "/predict_upload", "28x28", "invert"} {
		if !strings.Contains(body, want) {
			t.Errorf("home page does not contain %q", want)
		}
	}
}

func TestPredictUpload(t *testing.T) {
	tests := []struct {
		name       string
		values     map[string]string
		field      string
		filename   string
		data       []byte
		wantStatus int
		wantBody   []string
		wantCalls  int
	}{
		{
			name:       "nothing submitted",
			wantStatus: http.StatusBadRequest,
			wantBody:   []string{"No image provided."},
		},
		{
			name:       "file field without a name",
			field:      "file",
			filename:   "",
			data:       []byte("ignored"),
			wantStatus: http.StatusBadRequest,
			wantBody:   []string{"No image provided."},
		},
		{
			name:       "garbage file",
			field:      "file",
			filename:   "noise.png",
			data:       []byte("definitely not an image"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   []string{"Image could not be decoded."},
		},
		{
			name:       "valid canvas",
			values:     map[string]string{"canvas_image": sevenDataURL(t)},
			wantStatus: http.StatusOK,
			wantBody: []string{
				"The image is predicted to be digit 7 with 90.00% confidence.",
				"&#34;predicted_class&#34;: 7",
				"data:image/png;base64,",
			},
			wantCalls: 1,
		},
		{
			name:       "valid upload",
			field:      "file",
			filename:   "seven.png",
			data:       sevenPNG(t),
			wantStatus: http.StatusOK,
			wantBody:   []string{"digit 7"},
			wantCalls:  1,
		},
		{
			name:       "canvas wins over file",
			values:     map[string]string{"canvas_image": sevenDataURL(t)},
			field:      "file",
			filename:   "noise.png",
			data:       []byte("definitely not an image"),
			wantStatus: http.StatusOK,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestApp(t, 0, 0)
			req := multipartRequest(t, "/predict_upload", tt.values, tt.field, tt.filename, tt.data)

			status, body := a.do(t, req)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", status, tt.wantStatus, body)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(body, want) {
					t.Errorf("body does not contain %q:\n%s", want, body)
				}
			}
			if got := a.classifier.Calls(); got != tt.wantCalls {
				t.Errorf("classifier called %d times, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestPredictRawArray(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid", `{"image":[` + strings.TrimSuffix(strings.Repeat("0.5,", 784), ",") + `]}`, http.StatusOK},
		{"missing image", `{}`, http.StatusBadRequest},
		{"wrong length", `{"image":[0.1,0.2]}`, http.StatusBadRequest},
		{"out of range", `{"image":[` + strings.TrimSuffix(strings.Repeat("2,", 784), ",") + `]}`, http.StatusBadRequest},
		{"not json", `{"image":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestApp(t, 0, 0)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/predict", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")

			status, body := a.do(t, req)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", status, tt.wantStatus, body)
			}
			if tt.wantStatus == http.StatusOK {
				var resp model.PredictionResponse
				if err := json.Unmarshal([]byte(body), &resp); err != nil {
					t.Fatalf("decode response: %v", err)
				}
				if resp.PredictedClass != 7 || resp.Predictions["7"] != 0.9 {
					t.Errorf("response = %+v", resp)
				}
			}
		})
	}
}

func TestPredictImageAPI(t *testing.T) {
	for _, field := range []string{"file", "image"} {
		t.Run(field, func(t *testing.T) {
			a := newTestApp(t, 0, 0)
			req := multipartRequest(t, "/api/v1/predict/image", nil, field, "seven.png", sevenPNG(t))

			status, body := a.do(t, req)
			if status != http.StatusOK {
				t.Fatalf("status = %d, want 200; body: %s", status, body)
			}

			var resp PredictImageResponse
			if err := json.Unmarshal([]byte(body), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.PredictedClass != 7 {
				t.Errorf("predicted_class = %d, want 7", resp.PredictedClass)
			}
			if resp.Source != "upload" || resp.Policy != "invert" {
				t.Errorf("source/policy = %s/%s, want upload/invert", resp.Source, resp.Policy)
			}
			if !strings.HasPrefix(resp.Image, "data:image/png;base64,") {
				t.Errorf("image = %.40q, want a PNG data URL", resp.Image)
			}
		})
	}
}

func TestPredictCanvasAPI(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"valid", `{"canvas_image":"` + sevenDataURL(t) + `"}`, http.StatusOK, ""},
		{"empty", `{"canvas_image":""}`, http.StatusBadRequest, "NO_IMAGE_PROVIDED"},
		{"bad base64", `{"canvas_image":"data:image/png;base64,@@@"}`, http.StatusInternalServerError, "IMAGE_DECODE_ERROR"},
		{"no comma", `{"canvas_image":"data:image/png;base64"}`, http.StatusInternalServerError, "IMAGE_DECODE_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestApp(t, 0, 0)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/predict/canvas", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")

			status, body := a.do(t, req)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", status, tt.wantStatus, body)
			}
			if tt.wantCode == "" {
				return
			}
			var resp ErrorResponse
			if err := json.Unmarshal([]byte(body), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
			if tt.wantCode == "IMAGE_DECODE_ERROR" && resp.Error != "Image could not be decoded." {
				t.Errorf("error = %q, want the fixed decode message without decoder detail", resp.Error)
			}
			if resp.RequestID == "" {
				t.Error("error response has no request_id")
			}
		})
	}
}

func TestInferenceFailureHidesDetail(t *testing.T) {
	a := newTestApp(t, 0, 0)
	a.classifier.Err = errors.Join(model.ErrInference, errors.New("onnxruntime: secret detail"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/predict/canvas",
		strings.NewReader(`{"canvas_image":"`+sevenDataURL(t)+`"}`))
	req.Header.Set("Content-Type", "application/json")

	status, body := a.do(t, req)
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", status)
	}
	if strings.Contains(body, "secret detail") {
		t.Errorf("internal detail leaked to the client: %s", body)
	}
	if !strings.Contains(body, "trace_id") {
		t.Errorf("body has no trace_id: %s", body)
	}
}

func TestHealth(t *testing.T) {
	a := newTestApp(t, 0, 0)

	status, body := a.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !strings.Contains(body, `"status":"healthy"`) {
		t.Errorf("body = %s", body)
	}
}

func TestRateLimiter(t *testing.T) {
	a := newTestApp(t, 0.001, 1)

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/predict/canvas",
			strings.NewReader(`{"canvas_image":"`+sevenDataURL(t)+`"}`))
		req.Header.Set("Content-Type", "application/json")
		return req
	}

	if status, body := a.do(t, newReq()); status != http.StatusOK {
		t.Fatalf("first request status = %d; body: %s", status, body)
	}
	if status, _ := a.do(t, newReq()); status != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", status)
	}
	if got := a.classifier.Calls(); got != 1 {
		t.Errorf("classifier called %d times, want 1", got)
	}
}

func TestDashboardPageAndUpgrade(t *testing.T) {
	a := newTestApp(t, 0, 0)

	status, body := a.do(t, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if status != http.StatusOK || !strings.Contains(body, "/ws/dashboard") {
		t.Fatalf("dashboard status = %d", status)
	}

	status, _ = a.do(t, httptest.NewRequest(http.MethodGet, "/ws/dashboard", nil))
	if status != http.StatusUpgradeRequired {
		t.Errorf("plain GET on the socket: status = %d, want 426", status)
	}
}

func TestDashboardPredict(t *testing.T) {
	pixels := make([]byte, 28*28*4)
	for i := 3; i < len(pixels); i += 4 {
		pixels[i] = 255
	}
	pixelMsg, err := json.Marshal(dashboardRequest{Method: "draw", Width: 28, Height: 28, Pixels: pixels})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		message     string
		wantStatus  string
		wantMessage string
		wantCalls   int
	}{
		{
			name:        "draw pixels",
			message:     string(pixelMsg),
			wantStatus:  "success",
			wantMessage: "Predicted digit: 7 with 90.00% confidence.",
			wantCalls:   1,
		},
		{
			name:        "draw data URL",
			message:     `{"method":"draw","data":"` + sevenDataURL(t) + `"}`,
			wantStatus:  "success",
			wantMessage: "Predicted digit: 7",
			wantCalls:   1,
		},
		{
			name:        "upload data URL",
			message:     `{"method":"upload","filename":"seven.png","data":"` + sevenDataURL(t) + `"}`,
			wantStatus:  "success",
			wantMessage: "Predicted digit: 7",
			wantCalls:   1,
		},
		{
			name:        "upload nothing",
			message:     `{"method":"upload","filename":"","data":""}`,
			wantStatus:  "error",
			wantMessage: "No image provided.",
		},
		{
			name:       "wrong pixel count",
			message:    `{"method":"draw","width":28,"height":28,"pixels":"AAAA"}`,
			wantStatus: "error",
		},
		{
			name:       "size overflowing the buffer check",
			message:    `{"method":"draw","width":4611686018427387905,"height":1,"pixels":"AAAAAA=="}`,
			wantStatus: "error",
		},
		{
			name:        "upload above the size limit",
			message:     `{"method":"upload","filename":"big.png","data":"` + strings.Repeat("A", 2<<20) + `"}`,
			wantStatus:  "error",
			wantMessage: "Image could not be decoded.",
		},
		{
			name:       "unknown method",
			message:    `{"method":"telepathy"}`,
			wantStatus: "error",
		},
		{
			name:        "not json",
			message:     `{`,
			wantStatus:  "error",
			wantMessage: "Invalid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestApp(t, 0, 0)

			reply := a.handler.dashboardPredict(context.Background(), "test", []byte(tt.message))
			if reply.Status != tt.wantStatus {
				t.Fatalf("status = %q, want %q (message %q)", reply.Status, tt.wantStatus, reply.Message)
			}
			if !strings.Contains(reply.Message, tt.wantMessage) {
				t.Errorf("message = %q, want it to contain %q", reply.Message, tt.wantMessage)
			}
			if tt.wantStatus == "success" {
				if reply.Result == nil || reply.Result.PredictedClass != 7 {
					t.Errorf("result = %+v", reply.Result)
				}
				if !strings.HasPrefix(reply.Image, "data:image/") {
					t.Errorf("image = %.40q, want a data URL", reply.Image)
				}
			}
			if got := a.classifier.Calls(); got != tt.wantCalls {
				t.Errorf("classifier called %d times, want %d", got, tt.wantCalls)
			}
		})
	}
}

// panickingPredictor fails the way a bug deep in a decoder would.
type panickingPredictor struct {
	service.IPredictService
}

func (panickingPredictor) Predict(context.Context, ingest.Source) (*service.Prediction, error) {
	panic("decoder bug")
}

func TestDashboardPredictRecoversFromPanic(t *testing.T) {
	a := newTestApp(t, 0, 0)
	a.handler.predictor = panickingPredictor{a.handler.predictor}

	reply := a.handler.dashboardPredict(context.Background(), "test", []byte(`{"method":"draw","data":"`+sevenDataURL(t)+`"}`))
	if reply.Status != "error" {
		t.Fatalf("status = %q, want error", reply.Status)
	}
	if reply.Message != "Prediction failed." || reply.TraceID == "" {
		t.Errorf("reply = %+v, want the generic failure with a trace ID", reply)
	}
	if strings.Contains(reply.Message, "decoder bug") {
		t.Errorf("panic value leaked to the client: %q", reply.Message)
	}
}

func TestDashboardReadLimit(t *testing.T) {
	if got := dashboardReadLimit(0); got != 0 {
		t.Errorf("dashboardReadLimit(0) = %d, want 0", got)
	}
	// A file of exactly maxUpload bytes, base64 encoded, must fit in one frame.
	const maxUpload = 1 << 20
	if got, encoded := dashboardReadLimit(maxUpload), int64(base64.StdEncoding.EncodedLen(maxUpload)); got <= encoded {
		t.Errorf("dashboardReadLimit(%d) = %d, want more than %d", maxUpload, got, encoded)
	}
}

func TestUploadBytes(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"data URL any media type", "data:application/octet-stream;base64,aGk=", "hi", nil},
		{"bare base64", "aGk=", "hi", nil},
		{"unpadded", "aGk", "hi", nil},
		{"empty", "", "", ingest.ErrNoImageProvided},
		{"empty payload", "data:image/png;base64,", "", ingest.ErrNoImageProvided},
		{"no comma", "data:image/png;base64", "", ingest.ErrImageDecode},
		{"bad base64", "@@@", "", ingest.ErrImageDecode},
		{"above the limit", "data:image/png;base64," + base64.StdEncoding.EncodeToString(make([]byte, 65)), "", ingest.ErrImageDecode},
		{"at the limit", base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 64))), strings.Repeat("x", 64), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := uploadBytes(tt.in, 64)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("uploadBytes() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("uploadBytes() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("uploadBytes() = %q, want %q", got, tt.want)
			}
		})
	}
}
