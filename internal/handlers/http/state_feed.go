package http

import (
	"net/http"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	statePingInterval = 30 * time.Second
	stateWriteTimeout = 10 * time.Second
)

// StateFeed pushes session snapshots to websocket subscribers whenever the
// observable state changes. Each connection also gets the current snapshot on
// connect, so subscribers never have to poll.
type StateFeed struct {
	session ports.SessionService
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan domain.SessionSnapshot
}

func NewStateFeed(session ports.SessionService, logger *zap.SugaredLogger) *StateFeed {
	f := &StateFeed{
		session: session,
		logger:  logger,
		conns:   make(map[*websocket.Conn]chan domain.SessionSnapshot),
	}
	session.OnUpdate(f.broadcast)
	return f
}

func (f *StateFeed) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	updates := make(chan domain.SessionSnapshot, 8)
	f.mu.Lock()
	f.conns[conn] = updates
	f.mu.Unlock()

	f.logger.Infow("state feed subscriber connected", "remote", conn.RemoteAddr())

	go f.writeLoop(conn, updates)

	// The read loop only detects disconnects; subscribers send nothing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	f.drop(conn)
}

func (f *StateFeed) writeLoop(conn *websocket.Conn, updates <-chan domain.SessionSnapshot) {
	ticker := time.NewTicker(statePingInterval)
	defer ticker.Stop()

	write := func(snapshot domain.SessionSnapshot) error {
		conn.SetWriteDeadline(time.Now().Add(stateWriteTimeout))
		return conn.WriteJSON(snapshot)
	}

	if err := write(f.session.Snapshot()); err != nil {
		f.drop(conn)
		return
	}

	for {
		select {
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			if err := write(snapshot); err != nil {
				f.drop(conn)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(stateWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.drop(conn)
				return
			}
		}
	}
}

func (f *StateFeed) broadcast(snapshot domain.SessionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn, ch := range f.conns {
		select {
		case ch <- snapshot:
		default:
			// slow subscriber; the next update carries the full state anyway
			f.logger.Debugw("state feed subscriber lagging", "remote", conn.RemoteAddr())
		}
	}
}

func (f *StateFeed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	ch, ok := f.conns[conn]
	if ok {
		delete(f.conns, conn)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	close(ch)
	conn.Close()
	f.logger.Infow("state feed subscriber disconnected", "remote", conn.RemoteAddr())
}
