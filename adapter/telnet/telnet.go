package telnet

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/event"
	"github.com/mark-sch/GpsdTracking/queue"
)

// Name is the adapter name used in service configurations.
const Name = "telnet"

const (
	maxLine      = 1024
	defaultTrack = 5
	eventBuffer  = 64

	// commandTimeout is how long console commands wait for an absent device.
	commandTimeout = time.Minute
)

const help = `> ---- help ----
>   dev list                      [list logged in devices]
>   dev info   <id>               [last position of a device]
>   dev track  <id|all> [n]       [request a position, show the n last stored]
>   dev logout <id|all>           [close the device connection]
>
>   snd <ACTION> <id|all> [args]  [queue a command, snd HELP <id> lists them]
>
>   evt start|stop                [stream daemon events]
>   quit                          [close connection]
`

// Adapter is an operator console. Console sessions never log in: lines are
// executed against the daemon registry, backend, queue and event bus.
type Adapter struct {
	prompt   string
	registry *device.Registry
	backend  device.Backend
	queue    controller.CommandPusher
	bus      *event.Bus
	logger   *slog.Logger
	now      func() time.Time
}

var _ controller.Adapter = (*Adapter)(nil)

// New is the controller.AdapterFactory of the adapter.
func New(env controller.Env) (controller.Adapter, error) {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := env.Config.Name
	if name == "" {
		name = "GpsdTracking"
	}
	return &Adapter{
		prompt:   name + "> ",
		registry: env.Registry,
		backend:  env.Backend,
		queue:    env.Queue,
		bus:      env.Bus,
		logger:   logger.With("adapter", Name, "service", env.Config.Name),
		now:      time.Now,
	}, nil
}

// Register adds the adapter to registry.
func Register(registry *controller.AdapterRegistry) error {
	return registry.Register(Name, New)
}

// console is the per connection state.
type console struct {
	line bytes.Buffer

	mu  sync.Mutex
	sub *event.Subscription
}

func (a *Adapter) ClientConnect(s *device.Session) {
	s.Attach(&console{})
	a.write(s, "> type: help for support [evt start to receive events]\n"+a.prompt)
}

func (a *Adapter) ClientQuit(s *device.Session) {
	if c, ok := s.Attachment().(*console); ok {
		c.stopEvents()
	}
	s.Attach(nil)
}

// ParseBuffer executes every complete line of data. It never returns records.
func (a *Adapter) ParseBuffer(s *device.Session, data []byte) []device.Record {
	c, _ := s.Attachment().(*console)
	if c == nil {
		c = &console{}
		s.Attach(c)
	}

	for _, b := range data {
		switch b {
		case '\r':
		case '\n', ';':
			line := c.line.String()
			c.line.Reset()
			if !a.execute(s, c, line) {
				return nil
			}
		default:
			if c.line.Len() >= maxLine {
				c.line.Reset()
				a.write(s, "> line too long\n")
			}
			c.line.WriteByte(b)
		}
	}
	return nil
}

// SendCommand lets the queue close a console with LOGOUT.
func (a *Adapter) SendCommand(s *device.Session, action string, _ []string) int {
	switch action {
	case "LOGOUT":
		s.Disconnect(context.Background(), "logout command")
	case "HELP":
		s.Notice(device.NoticeHelp, "LOGOUT HELP")
	default:
		a.logger.Debug("Console ignored command", "action", action)
		return -1
	}
	return 0
}

// execute runs one console line. It returns false once the console closed.
func (a *Adapter) execute(s *device.Session, c *console, line string) bool {
	var out strings.Builder
	args := strings.Fields(line)
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "quit", "exit":
			c.stopEvents()
			a.write(s, "> bye\n")
			s.Disconnect(context.Background(), "console quit")
			return false
		case "help":
			out.WriteString(help)
		case "dev":
			a.device(&out, args[1:])
		case "snd":
			a.send(&out, args[1:])
		case "evt":
			a.events(&out, s, c, args[1:])
		default:
			out.WriteString("??? Unknown command [try help]\n")
		}
	}
	out.WriteString(a.prompt)
	a.write(s, out.String())
	return true
}

func (a *Adapter) device(out *strings.Builder, args []string) {
	if len(args) == 0 {
		out.WriteString("??? dev list|info|track|logout\n")
		return
	}
	switch strings.ToLower(args[0]) {
	case "list":
		a.list(out)
	case "info":
		if len(args) != 2 {
			out.WriteString("??? dev info <id>\n")
			return
		}
		a.info(out, args[1])
	case "track":
		if len(args) < 2 || len(args) > 3 {
			out.WriteString("??? dev track <id|all> [n]\n")
			return
		}
		a.push(out, target(args[1]), "GET_POS", nil)
		if len(args) == 3 && target(args[1]) != queue.Broadcast {
			n, err := strconv.Atoi(args[2])
			if err != nil || n <= 0 {
				n = defaultTrack
			}
			a.track(out, args[1], n)
		}
	case "logout":
		if len(args) != 2 {
			out.WriteString("??? dev logout <id|all>\n")
			return
		}
		a.push(out, target(args[1]), "LOGOUT", nil)
	default:
		out.WriteString("??? dev list|info|track|logout\n")
	}
}

func (a *Adapter) list(out *strings.Builder) {
	if a.registry == nil {
		out.WriteString("> - no registry\n")
		return
	}
	count := 0
	now := a.now()
	out.WriteString("> List logged in devices\n")
	for _, s := range a.registry.Snapshot() {
		if !s.IsLoggedIn() {
			continue
		}
		info := s.Snapshot()
		count++
		fmt.Fprintf(out, "> -%d- id=%s name='%s' last seen %ds service=%s\n",
			count, info.ID, info.Name, int(now.Sub(info.LastSeen).Seconds()), info.Service)
	}
	if count == 0 {
		out.WriteString("> - no active devices\n")
	}
}

func (a *Adapter) info(out *strings.Builder, id string) {
	var s *device.Session
	ok := false
	if a.registry != nil {
		s, ok = a.registry.Get(id)
	}
	if !ok {
		fmt.Fprintf(out, "> - id=%s not logged in\n", id)
		return
	}
	info := s.Snapshot()
	fmt.Fprintf(out, "> --- id=%s name='%s' state=%s service=%s remote=%s messages=%d alarms=%d\n",
		info.ID, info.Name, info.State, info.Service, info.Remote, info.Messages, info.Alarms)
	if info.Position == nil {
		out.WriteString(">    no position [try dev track]\n")
		return
	}
	writePosition(out, "   ", *info.Position)
}

func (a *Adapter) track(out *strings.Builder, id string, n int) {
	if a.backend == nil {
		out.WriteString("> - no backend\n")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	track, err := a.backend.LookupDev(ctx, id, n)
	if err != nil {
		fmt.Fprintf(out, "> - id=%s lookup failed: %v\n", id, err)
		return
	}
	if len(track) == 0 {
		fmt.Fprintf(out, "> - id=%s no stored position\n", id)
	}
	for i, p := range track {
		writePosition(out, fmt.Sprintf("-%d-", i+1), p)
	}
}

func writePosition(out *strings.Builder, prefix string, p device.Position) {
	fmt.Fprintf(out, "> %s lat:%.4f lon:%.4f speed:%.2f alt:%.0f crs:%.2f time:%s\n",
		prefix, p.Lat, p.Lon, p.Speed, p.Altitude, p.Course, p.Time.UTC().Format(time.RFC3339))
}

func (a *Adapter) send(out *strings.Builder, args []string) {
	if len(args) < 2 {
		out.WriteString("??? snd <ACTION> <id|all> [args]\n")
		return
	}
	a.push(out, target(args[1]), strings.ToUpper(args[0]), args[2:])
}

func (a *Adapter) push(out *strings.Builder, id, command string, args []string) {
	if a.queue == nil {
		out.WriteString("> - no command queue\n")
		return
	}
	req := a.queue.Push(id, command, args, commandTimeout)
	fmt.Fprintf(out, "--> queue:%d command=%s id=%s\n", req, command, id)
}

// target maps the console keyword all to a broadcast.
func target(id string) string {
	if strings.EqualFold(id, "all") {
		return queue.Broadcast
	}
	return id
}

func (a *Adapter) events(out *strings.Builder, s *device.Session, c *console, args []string) {
	if len(args) != 1 {
		out.WriteString("??? evt start|stop\n")
		return
	}
	switch strings.ToLower(args[0]) {
	case "start", "on":
		if a.bus == nil {
			out.WriteString("> - no event bus\n")
			return
		}
		if !c.startEvents(a.bus, func(ev event.Event) { a.write(s, format(ev)) }) {
			out.WriteString("> events already on\n")
			return
		}
		out.WriteString("> listening for queue|accept|notice events\n")
	case "stop", "off":
		c.stopEvents()
		out.WriteString("> stop event listen\n")
	default:
		out.WriteString("??? evt start|stop\n")
	}
}

func (c *console) startEvents(bus *event.Bus, emit func(event.Event)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return false
	}
	sub := bus.Subscribe(eventBuffer)
	c.sub = sub
	go func() {
		for ev := range sub.C {
			emit(ev)
		}
	}()
	return true
}

func (c *console) stopEvents() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// format renders an event as one console line.
func format(ev event.Event) string {
	switch ev.Kind {
	case event.KindQueue:
		return fmt.Sprintf("#- queue status=%s id=%s command=%s request=%d retry=%d\n",
			ev.Status, ev.DeviceID, ev.Command, ev.RequestID, ev.Retry)
	case event.KindAccept:
		line := fmt.Sprintf("#- accept id=%s name=%s cmd=%s", ev.DeviceID, ev.Name, ev.Cmd)
		if ev.Position != nil {
			line += fmt.Sprintf(" lat=%.5f lon=%.5f speed=%.2f", ev.Position.Lat, ev.Position.Lon, ev.Position.Speed)
		}
		return line + "\n"
	default:
		return fmt.Sprintf("#- notice status=%s id=%s details=%s\n", ev.Status, ev.DeviceID, ev.Details)
	}
}

func (a *Adapter) write(s *device.Session, msg string) {
	if err := s.Write([]byte(msg)); err != nil {
		a.logger.Debug("Console write failed", "remote", s.Remote(), "error", err)
	}
}
