package remotedata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/contactsync/internal/transport"
)

const PushMessageRemoteDataUpdate = "remote_data_update"

// PushMessage is a server notification on the push socket.
type PushMessage struct {
	Type   string `json:"type"`
	Source Source `json:"source,omitempty"`
}

type Invalidator interface {
	Invalidate()
}

type PushOptions struct {
	URL   string
	Token string
	// ReconnectBaseDelay and ReconnectMaxDelay bound the jittered backoff
	// between connection attempts.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts of zero retries forever.
	MaxReconnectAttempts int
	Logger               *slog.Logger
}

// PushListener holds a websocket open to the backend and invalidates remote
// data whenever the backend announces an update.
type PushListener struct {
	url         string
	token       string
	target      Invalidator
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	logger      *slog.Logger

	attempt     int
	connectedAt time.Time
}

func NewPushListener(target Invalidator, opts PushOptions) (*PushListener, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: push target is required", ErrInvalidInput)
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: push url is required", ErrInvalidInput)
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = time.Second
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PushListener{
		url:         opts.URL,
		token:       opts.Token,
		target:      target,
		baseDelay:   opts.ReconnectBaseDelay,
		maxDelay:    opts.ReconnectMaxDelay,
		maxAttempts: opts.MaxReconnectAttempts,
		logger:      opts.Logger.With(slog.String("component", "remote_data_push")),
	}, nil
}

// Run connects and listens until ctx is cancelled or the reconnect attempts
// are exhausted.
func (l *PushListener) Run(ctx context.Context) error {
	connectedBefore := false
	for {
		connected, err := l.listen(ctx, connectedBefore)
		connectedBefore = connectedBefore || connected
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.maxAttempts > 0 && l.attempt >= l.maxAttempts {
			return fmt.Errorf("push listener gave up after %d attempts: %w", l.attempt, err)
		}
		delay := l.nextDelay()
		l.logger.Warn("push connection lost", slog.Any("error", err), slog.Duration("retry_in", delay))
		if err := transport.WaitWithContext(ctx, delay); err != nil {
			return err
		}
	}
}

func (l *PushListener) nextDelay() time.Duration {
	if !l.connectedAt.IsZero() && time.Since(l.connectedAt) > time.Minute {
		l.attempt = 0
	}
	jitter := rand.Float64() * float64(l.baseDelay) * 0.5
	delay := time.Duration(math.Min(
		float64(l.baseDelay)*math.Pow(2, float64(l.attempt))+jitter,
		float64(l.maxDelay),
	))
	l.attempt++
	return delay
}

func (l *PushListener) listen(ctx context.Context, reconnect bool) (bool, error) {
	var opts *websocket.DialOptions
	if l.token != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer " + l.token}}}
	}
	conn, _, err := websocket.Dial(ctx, l.url, opts)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	l.connectedAt = time.Now()
	l.logger.Debug("push connected")
	if reconnect {
		// Updates may have been announced while disconnected.
		l.target.Invalidate()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New("push connection closed by server")
			}
			return true, err
		}
		var msg PushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Debug("ignoring malformed push message", slog.Any("error", err))
			continue
		}
		if msg.Type == PushMessageRemoteDataUpdate {
			l.logger.Debug("remote data update pushed", slog.String("source", string(msg.Source)))
			l.target.Invalidate()
		}
	}
}
