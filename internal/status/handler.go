package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// Handler serves the feed over a websocket: the latest status first, then
// every new one as a JSON text message. The client never sends data; the
// connection ends when the client disconnects or the request context ends.
func (f *Feed) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("status: websocket accept failed", "err", err)
			return
		}
		defer conn.Close(websocket.StatusInternalError, "unexpected close")

		ctx := conn.CloseRead(r.Context())
		updates, cancel := f.Subscribe()
		defer cancel()

		if last, ok := f.Last(); ok {
			if err := writeStatus(ctx, conn, last); err != nil {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case s, ok := <-updates:
				if !ok {
					return
				}
				if err := writeStatus(ctx, conn, s); err != nil {
					slog.Debug("status: websocket write failed", "err", err)
					return
				}
			}
		}
	})
}

func writeStatus(ctx context.Context, conn *websocket.Conn, s Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
