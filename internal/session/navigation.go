package session

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/weiawesome/ephemeral-chat/internal/domain"
	"github.com/weiawesome/ephemeral-chat/internal/idgen"
)

// Transition is the action needed to move from one room to another.
type Transition int

const (
	TransitionNoop Transition = iota
	TransitionJoin
	TransitionRejoin
	TransitionLeave
)

func (t Transition) String() string {
	switch t {
	case TransitionJoin:
		return "join"
	case TransitionRejoin:
		return "rejoin"
	case TransitionLeave:
		return "leave"
	default:
		return "noop"
	}
}

// Resolve maps (current room, target room) to a transition. Empty IDs mean
// no room.
//
//	current  target   transition
//	""       ""       noop
//	""       B        join
//	A        A        noop
//	A        B        rejoin (leave A, join B)
//	A        ""       leave
func Resolve(current, target string) Transition {
	switch {
	case current == target:
		return TransitionNoop
	case target == "":
		return TransitionLeave
	case current == "":
		return TransitionJoin
	default:
		return TransitionRejoin
	}
}

// RoomLink is a shareable pointer to a room.
type RoomLink struct {
	RoomID string
	Code   string
}

const roomPathPrefix = "chat"

// BuildRoomURL returns {base}/chat/{roomID}, with ?code= when code is set.
func BuildRoomURL(base, roomID, code string) string {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil || base == "" {
		u = &url.URL{}
	}
	u.Path = path.Join("/", u.Path, roomPathPrefix, roomID)
	if code != "" {
		u.RawQuery = url.Values{"code": []string{code}}.Encode()
	} else {
		u.RawQuery = ""
	}
	return u.String()
}

// ParseRoomURL extracts a RoomLink from a room URL or a bare room path.
func ParseRoomURL(raw string) (RoomLink, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return RoomLink{}, fmt.Errorf("%w: invalid room url: %v", domain.ErrValidation, err)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[len(segments)-2] != roomPathPrefix {
		return RoomLink{}, fmt.Errorf("%w: not a room url: %q", domain.ErrValidation, raw)
	}

	roomID := normalizeRoomID(segments[len(segments)-1])
	if !idgen.ValidRoomID(roomID) {
		return RoomLink{}, fmt.Errorf("%w: invalid room id %q", domain.ErrValidation, roomID)
	}

	return RoomLink{
		RoomID: roomID,
		Code:   normalizeCode(u.Query().Get("code")),
	}, nil
}
