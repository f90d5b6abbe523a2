// Package console is a line-oriented terminal front end for a chat session.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/weiawesome/ephemeral-chat/internal/chatsync"
	"github.com/weiawesome/ephemeral-chat/internal/domain"
	"github.com/weiawesome/ephemeral-chat/internal/session"
)

const helpText = `commands:
  /create                  create a protected room and print its link
  /join ID CODE [NAME]     join a room
  /open URL [NAME]         join the room a link points to
  /leave                   leave the current room
  /name NAME               change your display name
  /who                     list participants
  /link                    print the current room link
  /help                    show this help
  /quit                    leave and exit
anything else is sent as a message`

// Console renders a session on a terminal. It is also the synchronizer's
// Notifier, so it must be created before the synchronizer.
type Console struct {
	baseURL string

	mgr *session.Manager

	outMu    sync.Mutex
	out      io.Writer
	viewRoom string
	printed  map[string]struct{}
}

// New creates a Console writing to out. baseURL is used to build room links.
func New(out io.Writer, baseURL string) *Console {
	return &Console{
		baseURL: baseURL,
		out:     out,
		printed: make(map[string]struct{}),
	}
}

// Attach binds the session manager. Call before Run or Execute.
func (c *Console) Attach(mgr *session.Manager) {
	c.mgr = mgr
}

// Run executes lines from in until EOF, /quit or ctx ends.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	c.printf("type /help for commands\n")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		if quit := c.Execute(ctx, scanner.Text()); quit {
			break
		}
	}
	c.mgr.Close(context.WithoutCancel(ctx))
	return scanner.Err()
}

// Execute runs one input line and reports whether the user asked to quit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/create":
		c.create(ctx)
	case "/join":
		c.join(ctx, args)
	case "/open":
		c.open(ctx, args)
	case "/leave":
		c.mgr.LeaveRoom(ctx)
		c.resetView()
		c.printf("left the room\n")
	case "/name":
		c.rename(ctx, args)
	case "/who":
		c.who(ctx)
	case "/link":
		c.link()
	case "/help":
		c.printf("%s\n", helpText)
	case "/quit", "/exit":
		return true
	default:
		c.printf("unknown command %s, try /help\n", cmd)
	}
	return false
}

func (c *Console) create(ctx context.Context) {
	creds, err := c.mgr.CreateRoom(ctx)
	if err != nil {
		c.fail(err)
		return
	}
	c.printf("room %s created, code %s\n", creds.RoomID, creds.SecurityCode)
	c.printf("share: %s\n", session.BuildRoomURL(c.baseURL, creds.RoomID, creds.SecurityCode))
	c.printf("join with /join %s %s NAME\n", creds.RoomID, creds.SecurityCode)
}

func (c *Console) join(ctx context.Context, args []string) {
	if len(args) < 1 {
		c.printf("usage: /join ID CODE [NAME]\n")
		return
	}
	link := session.RoomLink{RoomID: args[0]}
	if len(args) > 1 {
		link.Code = args[1]
	}
	name := c.nameArg(args, 2)
	if name == "" {
		c.printf("set a name first with /name NAME or pass it to /join\n")
		return
	}

	if err := c.mgr.JoinRoom(ctx, link.RoomID, link.Code, name); err != nil {
		c.fail(err)
		return
	}
	c.joined()
}

func (c *Console) open(ctx context.Context, args []string) {
	if len(args) < 1 {
		c.printf("usage: /open URL [NAME]\n")
		return
	}
	link, err := session.ParseRoomURL(args[0])
	if err != nil {
		c.fail(err)
		return
	}
	name := c.nameArg(args, 1)
	if name == "" {
		c.printf("set a name first with /name NAME or pass it to /open\n")
		return
	}

	tr, err := c.mgr.Navigate(ctx, link, name)
	if err != nil {
		c.fail(err)
		return
	}
	switch tr {
	case session.TransitionNoop:
		c.printf("already in room %s\n", link.RoomID)
	case session.TransitionJoin, session.TransitionRejoin:
		c.joined()
	case session.TransitionLeave:
		c.resetView()
		c.printf("left the room\n")
	}
}

func (c *Console) joined() {
	roomID := c.mgr.RoomID()
	c.printf("joined room %s as %s\n", roomID, c.mgr.DisplayName())
	c.render(roomID)
}

func (c *Console) rename(ctx context.Context, args []string) {
	if len(args) == 0 {
		c.printf("usage: /name NAME\n")
		return
	}
	if err := c.mgr.UpdateDisplayName(ctx, strings.Join(args, " ")); err != nil {
		c.fail(err)
		return
	}
	c.printf("you are now %s\n", c.mgr.DisplayName())
}

func (c *Console) who(ctx context.Context) {
	if c.mgr.State() != session.InRoom {
		c.printf("not in a room\n")
		return
	}
	names, err := c.mgr.Members(ctx)
	if err != nil {
		c.fail(err)
		return
	}
	if len(names) == 0 {
		c.printf("presence is not available\n")
		return
	}
	c.printf("in room: %s\n", strings.Join(names, ", "))
}

func (c *Console) link() {
	if c.mgr.State() != session.InRoom {
		c.printf("not in a room\n")
		return
	}
	c.printf("%s\n", session.BuildRoomURL(c.baseURL, c.mgr.RoomID(), c.mgr.SecurityCode()))
}

func (c *Console) send(ctx context.Context, text string) {
	if _, err := c.mgr.SendMessage(ctx, text); err != nil {
		c.fail(err)
	}
}

func (c *Console) nameArg(args []string, from int) string {
	if len(args) > from {
		return strings.Join(args[from:], " ")
	}
	return c.mgr.DisplayName()
}

// Notify implements chatsync.Notifier.
func (c *Console) Notify(n chatsync.Notification) {
	switch n.Kind {
	case chatsync.KindMessages:
		c.render(n.RoomID)
	case chatsync.KindError:
		if n.MessageID != "" {
			c.printf("! message not sent: %s\n", domain.UserMessage(n.Err))
			return
		}
		c.fail(n.Err)
	case chatsync.KindStatus:
		switch n.Status {
		case chatsync.StatusError, chatsync.StatusClosed:
			c.printf("! live updates unavailable, refreshing periodically\n")
		}
	case chatsync.KindPresence:
		if n.Joined {
			c.printf("* %s joined\n", n.Name)
		} else {
			c.printf("* %s left\n", n.Name)
		}
	}
}

// render prints messages of roomID not shown yet. It runs inside
// synchronizer callbacks, so it must not call manager methods that lock.
func (c *Console) render(roomID string) {
	if c.mgr == nil {
		return
	}
	views := c.mgr.Messages()

	c.outMu.Lock()
	defer c.outMu.Unlock()
	if roomID != c.viewRoom {
		c.viewRoom = roomID
		c.printed = make(map[string]struct{})
	}
	for _, v := range views {
		if v.RoomID != roomID {
			continue
		}
		if _, ok := c.printed[v.ID]; ok {
			continue
		}
		c.printed[v.ID] = struct{}{}
		fmt.Fprintln(c.out, formatMessage(v))
	}
}

func (c *Console) resetView() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	c.viewRoom = ""
	c.printed = make(map[string]struct{})
}

func (c *Console) fail(err error) {
	c.printf("! %s\n", domain.UserMessage(err))
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func formatMessage(v domain.MessageView) string {
	ts := v.Timestamp.Local().Format("15:04:05")
	switch {
	case v.IsSystem:
		return fmt.Sprintf("[%s] * %s", ts, v.Content)
	case v.IsMine:
		return fmt.Sprintf("[%s] %s (you): %s", ts, v.Sender, v.Content)
	default:
		return fmt.Sprintf("[%s] %s: %s", ts, v.Sender, v.Content)
	}
}
