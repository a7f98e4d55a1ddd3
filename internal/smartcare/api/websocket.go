package api

import (
	"encoding/json"
	"errors"
	"time"

	contextx "github.com/blueplan/smartcare-go/internal/smartcare/context"
	logx "github.com/blueplan/smartcare-go/internal/smartcare/log"
	"github.com/blueplan/smartcare-go/internal/smartcare/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocket 帧类型
const (
	FrameMessage = "message"
	FrameReset   = "reset"
	FrameReply   = "reply"
	FrameError   = "error"
)

const (
	wsWriteWait     = 10 * time.Second
	wsMaxMessage    = 16 << 10
	defaultPongWait = 60 * time.Second
)

// ClientFrame 客户端帧；非JSON文本按消息处理
type ClientFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerFrame 服务端帧
type ServerFrame struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func parseFrame(data []byte) ClientFrame {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		return ClientFrame{Type: FrameMessage, Message: string(data)}
	}
	return f
}

// handleWebSocket 每个文本帧提交一轮对话，按序处理
func (r *Router) handleWebSocket(c *gin.Context) {
	id := c.Param("id")
	ctx := contextx.WithSessionID(c.Request.Context(), id)

	if _, err := r.svc.Get(ctx, id); err != nil {
		r.sessionError(c, err)
		return
	}

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn(ctx, "websocket升级失败", logx.KV("error", err))
		return
	}
	defer conn.Close()

	pongWait := r.pongWait
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	writeMu := make(chan struct{}, 1)
	write := func(f ServerFrame) error {
		writeMu <- struct{}{}
		defer func() { <-writeMu }()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(f)
	}

	go func() {
		ticker := time.NewTicker(pongWait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeMu <- struct{}{}
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				<-writeMu
				if err != nil {
					return
				}
			}
		}
	}()

	r.logger.Info(ctx, "websocket连接建立")
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn(ctx, "websocket异常断开", logx.KV("error", err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var (
			out   ServerFrame
			opErr error
		)
		// 处理期间不读取，pong 无法续期，模型调用可能超过 pongWait
		_ = conn.SetReadDeadline(time.Time{})
		switch f := parseFrame(data); f.Type {
		case FrameReset:
			var v interface{}
			v, opErr = r.svc.Reset(ctx, id)
			out = ServerFrame{Type: FrameReset, Data: v}
		case FrameMessage:
			var v interface{}
			v, opErr = r.svc.Submit(ctx, id, f.Message)
			out = ServerFrame{Type: FrameReply, Data: v}
		default:
			out = ServerFrame{Type: FrameError, Error: "unknown frame type: " + f.Type}
		}
		if opErr != nil {
			out = ServerFrame{Type: FrameError, Error: opErr.Error()}
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := write(out); err != nil {
			r.logger.Warn(ctx, "websocket写入失败", logx.KV("error", err))
			return
		}
		// 会话过期或被删除后不再继续
		if errors.Is(opErr, session.ErrNotFound) {
			return
		}
	}
}
