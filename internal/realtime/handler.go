package realtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"codex/internal/common/http/middleware"
	"codex/internal/execution/model"
	"codex/internal/execution/repository"
	appErr "codex/pkg/errors"
	"codex/pkg/utils/logger"
	"codex/pkg/utils/response"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	statusEvent  = "status"
	writeTimeout = 10 * time.Second
)

// SubmissionReader loads a submission for the ownership check.
type SubmissionReader interface {
	GetByID(ctx context.Context, submissionID string) (*model.Submission, error)
}

// Handler serves the SSE and WebSocket status streams.
type Handler struct {
	notifier    *Notifier
	submissions SubmissionReader
	upgrader    websocket.Upgrader
}

func NewHandler(notifier *Notifier, submissions SubmissionReader) *Handler {
	return &Handler{
		notifier:    notifier,
		submissions: submissions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Streams are authorized by bearer token, not cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the stream routes on an authenticated group.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.GET("/submissions/:id/events", h.StreamSSE)
	group.GET("/submissions/:id/ws", h.StreamWS)
}

type wsFrame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// open subscribes before reading the current status so that no change
// between the read and the subscription is lost.
func (h *Handler) open(c *gin.Context) (*Subscription, model.Status, bool) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return nil, "", false
	}
	sub := h.notifier.Subscribe(submissionID)
	submission, err := h.submissions.GetByID(c.Request.Context(), submissionID)
	if err != nil {
		sub.Close()
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			response.Error(c, appErr.New(appErr.SubmissionNotFound))
			return nil, "", false
		}
		response.Error(c, appErr.Wrapf(err, appErr.DatabaseError, "load submission failed"))
		return nil, "", false
	}
	if submission.UserID != middleware.UserID(c) {
		sub.Close()
		response.Error(c, appErr.New(appErr.SubmissionAccessDenied).WithMessage("You are not authorized to view this submission's events"))
		return nil, "", false
	}
	return sub, submission.Status, true
}

// StreamSSE streams "status" events until a terminal status, idle timeout or
// client disconnect. A submission that is already finished gets its status
// once.
func (h *Handler) StreamSSE(c *gin.Context) {
	sub, current, ok := h.open(c)
	if !ok {
		return
	}
	defer sub.Close()
	ctx := c.Request.Context()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	if current.IsTerminal() {
		c.SSEvent(statusEvent, current.String())
		c.Writer.Flush()
		return
	}

	logger.Info(ctx, "sse stream opened", zap.String("submission_id", sub.SubmissionID))
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case status, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(statusEvent, status.String())
			return !status.IsTerminal()
		}
	})
	logger.Info(ctx, "sse stream closed", zap.String("submission_id", sub.SubmissionID))
}

// StreamWS sends {"event":"status","data":"<STATUS>"} frames with the same
// lifecycle as StreamSSE.
func (h *Handler) StreamWS(c *gin.Context) {
	sub, current, ok := h.open(c)
	if !ok {
		return
	}
	defer sub.Close()
	ctx := c.Request.Context()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if current.IsTerminal() {
		if err := writeFrame(conn, current); err == nil {
			closeNormally(conn)
		}
		return
	}

	// The reader only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case status, ok := <-sub.Events():
			if !ok {
				closeNormally(conn)
				return
			}
			if err := writeFrame(conn, status); err != nil {
				logger.Warn(ctx, "websocket write failed", zap.Error(err))
				return
			}
			if status.IsTerminal() {
				closeNormally(conn)
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, status model.Status) error {
	payload, err := sonic.Marshal(wsFrame{Event: statusEvent, Data: status.String()})
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
