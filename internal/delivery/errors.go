package delivery

import (
	"errors"
	"io"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

// classifyReadError logs a read failure and returns the close code to answer
// it with.
func classifyReadError(logger *zap.Logger, err error) int {
	if errors.Is(err, websocket.ErrReadLimit) {
		logger.Info("frame exceeded read limit", zap.Error(err))
		return CloseMessageTooBig
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		logger.Debug("client disconnected", zap.Error(err))
		return CloseNormal
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isExpectedCloseError(err) {
		logger.Debug("connection closed", zap.Error(err))
		return websocket.CloseAbnormalClosure
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		logger.Info("client closed with unexpected code", zap.Int("code", closeErr.Code), zap.Error(err))
		return CloseNormal
	}

	logger.Warn("websocket read error", zap.Error(err))
	return websocket.CloseAbnormalClosure
}
