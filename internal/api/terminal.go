package api

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/opendevbox/opendevbox/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth happens on the HTTP request; browser origin is not a boundary
	// for a bearer-token API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// terminal upgrades to a WebSocket and pipes it to the sandbox's
// interactive stream.
func (s *Server) terminal(c echo.Context) error {
	stream, err := s.runtime.OpenTerminal(c.Request().Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		stream.Close()
		return err
	}
	defer ws.Close()
	defer stream.Close()

	done := make(chan struct{}, 2)

	// sandbox → client
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 4096)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// client → sandbox
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if _, err := stream.Write(data); err != nil {
				return
			}
		}
	}()

	<-done
	log.Printf("terminal: session closed for sandbox %s", c.Param("id"))
	return nil
}
