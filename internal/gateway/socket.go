package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"chatmux/internal/constants"
)

var (
	errSocketClosed      = errors.New("websocket not connected")
	errSocketAlreadyOpen = errors.New("websocket already open")
)

// frameSocket owns one websocket connection and turns it into a channel of
// decoded frames. It knows nothing about session state; the Session layer
// above decides what each frame means.
type frameSocket struct {
	url        string
	httpClient *http.Client
	logger     *logrus.Entry

	lock      sync.Mutex
	conn      *websocket.Conn
	cancelCtx context.Context
	cancel    context.CancelFunc
	closed    bool
	readErr   error

	// Frames carries decoded inbound frames until the read pump exits,
	// at which point it is closed.
	Frames chan Frame

	// OnDisconnect fires once when the socket goes away, with remote=true
	// when the peer (or the network) ended the connection rather than us.
	OnDisconnect func(remote bool)
}

func newFrameSocket(url string, client *http.Client, logger *logrus.Entry) *frameSocket {
	if client == nil {
		client = http.DefaultClient
	}
	return &frameSocket{
		url:        url,
		httpClient: client,
		logger:     logger,
		Frames:     make(chan Frame, 16),
	}
}

func (fs *frameSocket) Connect(ctx context.Context) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if fs.conn != nil {
		return errSocketAlreadyOpen
	}
	fs.cancelCtx, fs.cancel = context.WithCancel(context.Background())

	fs.logger.WithField("url", fs.url).Debug("Dialing gateway websocket")
	conn, resp, err := websocket.Dial(ctx, fs.url, &websocket.DialOptions{
		HTTPClient: fs.httpClient,
	})
	if err != nil {
		fs.cancel()
		if resp != nil {
			return fmt.Errorf("failed to dial gateway websocket (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to dial gateway websocket: %w", err)
	}
	conn.SetReadLimit(constants.DefaultFrameReadLimitBytes)

	fs.conn = conn
	go fs.readPump(conn, fs.cancelCtx)
	return nil
}

func (fs *frameSocket) IsConnected() bool {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.conn != nil
}

// ReadError returns the error that ended the read pump, if any. The close
// status embedded in it distinguishes auth rejection from transport loss.
func (fs *frameSocket) ReadError() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.readErr
}

// Close tears the connection down. code 0 means an abnormal local close.
func (fs *frameSocket) Close(code websocket.StatusCode) {
	fs.closeInternal(code, false)
}

func (fs *frameSocket) closeInternal(code websocket.StatusCode, remote bool) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if fs.conn == nil {
		return
	}

	fs.closed = true
	if code > 0 {
		if err := fs.conn.Close(code, ""); err != nil {
			fs.logger.WithError(err).Debug("Error sending websocket close")
		}
	} else {
		if err := fs.conn.CloseNow(); err != nil {
			fs.logger.WithError(err).Debug("Error force closing websocket")
		}
	}
	fs.conn = nil
	fs.cancel()
	if fs.OnDisconnect != nil {
		go fs.OnDisconnect(remote)
	}
}

// SendFrame encodes and writes a single frame. Safe for concurrent use.
func (fs *frameSocket) SendFrame(ctx context.Context, frame Frame) error {
	fs.lock.Lock()
	conn := fs.conn
	writeCtx := fs.cancelCtx
	fs.lock.Unlock()
	if conn == nil {
		return errSocketClosed
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if ctx == nil {
		ctx = writeCtx
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (fs *frameSocket) readPump(conn *websocket.Conn, ctx context.Context) {
	defer func() {
		close(fs.Frames)
		fs.closeInternal(0, true)
	}()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			fs.lock.Lock()
			fs.readErr = err
			fs.lock.Unlock()
			if !fs.closed && !errors.Is(ctx.Err(), context.Canceled) {
				fs.logger.WithError(err).Debug("Websocket read ended")
			}
			return
		}
		if msgType != websocket.MessageText {
			fs.logger.WithField("type", msgType).Warn("Ignoring non-text websocket message")
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			fs.logger.WithError(err).Warn("Dropping undecodable gateway frame")
			continue
		}
		select {
		case fs.Frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}
