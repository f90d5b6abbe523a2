package remote

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/ephemeral-chat/internal/domain"
	pkglog "github.com/weiawesome/ephemeral-chat/pkg/log"
	"github.com/weiawesome/ephemeral-chat/pkg/pubsub"
)

const streamBuffer = 100

// Subscribe opens the room stream for channel. The returned channel is
// closed when ctx ends or the server drops the connection.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan *pubsub.Event, error) {
	roomID, err := pubsub.RoomIDFromChannel(channel)
	if err != nil {
		return nil, err
	}

	target, err := c.streamURL(roomID)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.httpClient.Timeout}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, domain.ErrorFromCode(statusCode(resp.StatusCode), "stream rejected: "+resp.Status)
		}
		return nil, domain.ErrorFromCode(domain.CodeUnavailable, err.Error())
	}

	eventCh := make(chan *pubsub.Event, streamBuffer)
	go c.readStream(ctx, conn, channel, eventCh)

	return eventCh, nil
}

func (c *Client) readStream(ctx context.Context, conn *websocket.Conn, channel string, eventCh chan<- *pubsub.Event) {
	defer close(eventCh)

	l := pkglog.L()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()
	defer conn.Close()

	// Server pings are answered by the default ping handler while reading.
	for {
		var event pubsub.Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				l.Warn().Err(err).Str(pkglog.FieldChannel, channel).Msg("stream read failed")
			}
			return
		}

		select {
		case eventCh <- &event:
		case <-ctx.Done():
			return
		default:
			l.Warn().Str(pkglog.FieldChannel, channel).Msg("stream buffer full, dropping event")
		}
	}
}

func (c *Client) streamURL(roomID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", domain.ErrorFromCode(domain.CodeValidation, "invalid server url: "+err.Error())
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/rooms/" + url.PathEscape(roomID) + "/stream"
	u.RawQuery = c.codeQuery(roomID).Encode()
	return u.String(), nil
}

func statusCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return domain.CodeNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.CodeUnauthorized
	case http.StatusBadRequest:
		return domain.CodeValidation
	default:
		return domain.CodeUnavailable
	}
}
