package webui

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"storycomic/pkg/panel"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Frame types sent over /ws/generate.
const (
	frameChunk   = "chunk"
	framePanel   = "panel"
	frameTrailer = "trailer"
	frameError   = "error"
)

type wsRequest struct {
	Protagonist  string `json:"protagonist"`
	Circumstance string `json:"circumstance"`
	Mode         string `json:"mode"`
}

type wsFrame struct {
	Panel    *panel.Panel `json:"panel,omitempty"`
	ComicURL *string      `json:"comic_url,omitempty"`
	Type     string       `json:"type"`
	Content  string       `json:"content,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// wsConn serializes frame writes on one connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) send(f wsFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err //nolint:wrapcheck // connection is gone
	}
	return w.conn.WriteJSON(f) //nolint:wrapcheck // connection is gone
}

// WriteChunk sends one narrative fragment as a chunk frame.
func (w *wsConn) WriteChunk(chunk string) error {
	return w.send(wsFrame{Type: frameChunk, Content: chunk})
}

// WriteTrailer sends the comic reference as a trailer frame.
func (w *wsConn) WriteTrailer(ref string) error {
	return w.send(wsFrame{Type: frameTrailer, ComicURL: &ref})
}

// handleWebSocket implements GET /ws/generate. The client sends one request;
// the server streams frames and closes the connection when the run ends.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}

	var in wsRequest
	if err := conn.ReadJSON(&in); err != nil {
		_ = ws.send(wsFrame{Type: frameError, Error: "invalid request: " + err.Error()})
		return
	}
	req, msg := s.buildRequest(in.Protagonist, in.Circumstance, in.Mode)
	if msg != "" {
		_ = ws.send(wsFrame{Type: frameError, Error: msg})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Any read error, including a close from the client, cancels the run.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	req.OnPanel = func(p panel.Panel) {
		_ = ws.send(wsFrame{Type: framePanel, Panel: &p})
	}

	if _, err := s.orch.Stream(ctx, req, ws); err != nil {
		s.logger.Warn("websocket run ended: %v", err)
		if ctx.Err() == nil {
			_ = ws.send(wsFrame{Type: frameError, Error: err.Error()})
		}
		return
	}

	ws.mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	ws.mu.Unlock()
}
