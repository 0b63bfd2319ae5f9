package handlers

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/Brownie44l1/digit-api/internal/ingest"
	"github.com/Brownie44l1/digit-api/internal/logger"
	"github.com/Brownie44l1/digit-api/internal/middleware"
	"github.com/Brownie44l1/digit-api/internal/model"
)

const (
	dashboardReadTimeout  = 60 * time.Second
	dashboardWriteTimeout = 10 * time.Second
	// dashboardFrameOverhead leaves room for the JSON around a base64 payload.
	dashboardFrameOverhead = 64 << 10
)

// dashboardRequest is one prediction request sent by the dashboard page.
// Method "upload" carries a file as a data URL (or bare base64) in Data.
// Method "draw" carries the canvas either as RGBA Pixels or as a data URL in Data.
type dashboardRequest struct {
	Method   string `json:"method"`
	Filename string `json:"filename"`
	Data     string `json:"data"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Pixels   []byte `json:"pixels"`
}

type dashboardReply struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Image   string       `json:"image,omitempty"`
	Result  *resultBlock `json:"result,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

func (h *Handler) Dashboard(ctx *fiber.Ctx) error {
	return render(ctx, fiber.StatusOK, "dashboard.html", nil)
}

func (h *Handler) handleDashboardWebSocket(c *websocket.Conn) {
	requestID, _ := c.Locals(middleware.RequestIDKey).(string)
	clientIP, _ := c.Locals(clientIPKey).(string)
	log := h.log.WithField(logger.RequestIDKey, requestID)

	if limit := dashboardReadLimit(h.maxUpload); limit > 0 {
		c.SetReadLimit(limit)
	}

	log.Info("Dashboard WebSocket client connected")
	defer log.Info("Dashboard WebSocket client disconnected")

	c.SetPingHandler(func(data string) error {
		log.Debug("Received ping, sending pong")
		if err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second)); err != nil {
			log.Errorf("Error sending pong: %v", err)
		}
		return nil
	})

	reqCtx := context.WithValue(context.Background(), logger.RequestIDKey, requestID)

	for {
		if err := c.SetReadDeadline(time.Now().Add(dashboardReadTimeout)); err != nil {
			log.Errorf("Error setting read deadline: %v", err)
			break
		}

		messageType, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Errorf("Dashboard WebSocket error: %v", err)
			} else {
				log.Info("Dashboard WebSocket connection closed")
			}
			break
		}

		if messageType != websocket.TextMessage {
			log.Warnf("Received unexpected message type: %d", messageType)
			continue
		}

		var reply dashboardReply
		if h.middleware.Allow(clientIP) {
			reply = h.dashboardPredict(reqCtx, requestID, message)
		} else {
			log.Warnf("too many dashboard messages for IP %s", clientIP)
			reply = h.dashboardError(requestID, middleware.ErrTooManyRequests)
		}

		if err := c.SetWriteDeadline(time.Now().Add(dashboardWriteTimeout)); err != nil {
			log.Errorf("Error setting write deadline: %v", err)
			break
		}

		if err := c.WriteJSON(reply); err != nil {
			log.Errorf("Error writing JSON response: %v", err)
			break
		}

		if err := c.SetWriteDeadline(time.Time{}); err != nil {
			log.Errorf("Error resetting write deadline: %v", err)
			break
		}
	}
}

// dashboardPredict runs one dashboard message through the pipeline. Failures,
// panics included, become an error reply; the connection stays open. The socket
// goroutine is outside Fiber's recover middleware.
func (h *Handler) dashboardPredict(ctx context.Context, requestID string, message []byte) (reply dashboardReply) {
	defer func() {
		if r := recover(); r != nil {
			reply = h.dashboardError(requestID, fmt.Errorf("%w: panic: %v", model.ErrInference, r))
		}
	}()

	var req dashboardRequest
	if err := json.Unmarshal(message, &req); err != nil {
		return h.dashboardError(requestID, fiber.NewError(fiber.StatusBadRequest, "Invalid JSON"))
	}

	src, err := dashboardSource(req, h.maxUpload)
	if err != nil {
		return h.dashboardError(requestID, err)
	}

	prediction, err := h.predictor.Predict(ctx, src)
	if err != nil {
		return h.dashboardError(requestID, err)
	}

	block := newResultBlock(prediction.Result)
	return dashboardReply{
		Status:  "success",
		Message: fmt.Sprintf("Predicted digit: %s with %.2f%% confidence.", prediction.Result.Label, prediction.Result.Confidence),
		Image:   prediction.Image,
		Result:  &block,
	}
}

func (h *Handler) dashboardError(requestID string, err error) dashboardReply {
	_, body := h.errHandler.Resolve(requestID, err, "/ws/dashboard", "dashboard_predict")
	return dashboardReply{
		Status:  "error",
		Message: body.Error,
		TraceID: body.TraceID,
	}
}

// dashboardReadLimit is the largest frame accepted: a base64 upload of
// maxUpload bytes plus the JSON around it.
func dashboardReadLimit(maxUpload int64) int64 {
	if maxUpload <= 0 {
		return 0
	}
	return int64(base64.StdEncoding.EncodedLen(int(maxUpload))) + dashboardFrameOverhead
}

func dashboardSource(req dashboardRequest, maxBytes int64) (ingest.Source, error) {
	switch req.Method {
	case "draw":
		if len(req.Pixels) > 0 {
			return ingest.PixelSource{Width: req.Width, Height: req.Height, Pixels: req.Pixels}, nil
		}
		if strings.TrimSpace(req.Data) == "" {
			return nil, ingest.ErrNoImageProvided
		}
		return ingest.CanvasSource{DataURL: req.Data}, nil

	case "upload":
		data, err := uploadBytes(req.Data, maxBytes)
		if err != nil {
			return nil, err
		}
		return ingest.UploadSource{Filename: req.Filename, Data: data}, nil

	default:
		return nil, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("Unknown input method %q", req.Method))
	}
}

// uploadBytes accepts what FileReader.readAsDataURL produces, whatever media
// type the browser guessed, or bare base64. Like form uploads, the file may not
// exceed maxBytes; zero means no limit.
func uploadBytes(s string, maxBytes int64) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, fmt.Errorf("%w: malformed data URL", ingest.ErrImageDecode)
		}
		s = s[comma+1:]
	}
	if s == "" {
		return nil, ingest.ErrNoImageProvided
	}

	if maxBytes > 0 && int64(base64.RawStdEncoding.DecodedLen(len(strings.TrimRight(s, "=")))) > maxBytes {
		return nil, fmt.Errorf("%w: upload exceeds %d bytes", ingest.ErrImageDecode, maxBytes)
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("%w: invalid base64 payload", ingest.ErrImageDecode)
		}
	}
	return data, nil
}
