package controller

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/mark-sch/GpsdTracking/device"
)

// lineAdapter speaks a toy protocol of newline separated frames:
//
//	LOGIN <id> [name]
//	POS [<id>] <lat> <lon>
//	PING
type lineAdapter struct {
	mu       sync.Mutex
	connects int
	quits    int
}

func (a *lineAdapter) ParseBuffer(s *device.Session, data []byte) []device.Record {
	buf, _ := s.Attachment().(*bytes.Buffer)
	if buf == nil {
		buf = &bytes.Buffer{}
		s.Attach(buf)
	}
	buf.Write(data)

	var out []device.Record
	for {
		line, err := buf.ReadString('\n')
		if err != nil {
			buf.Reset()
			buf.WriteString(line)
			return out
		}
		out = append(out, parseLine(strings.TrimSpace(line)))
	}
}

func parseLine(line string) device.Record {
	f := strings.Fields(line)
	if len(f) == 0 {
		return device.Record{Raw: line}
	}
	switch f[0] {
	case "LOGIN":
		rec := device.Record{Cmd: device.CmdLogin, Raw: line}
		if len(f) > 1 {
			rec.ID = f[1]
		}
		if len(f) > 2 {
			rec.Name = f[2]
		}
		return rec
	case "PING":
		return device.Record{Cmd: device.CmdPing, Raw: line}
	case "POS":
		rec := device.Record{Cmd: device.CmdTracker, Raw: line}
		if len(f) == 4 {
			rec.ID, f = f[1], f[1:]
		}
		if len(f) != 3 {
			return device.Record{Raw: line}
		}
		rec.Lat, _ = strconv.ParseFloat(f[1], 64)
		rec.Lon, _ = strconv.ParseFloat(f[2], 64)
		return rec
	}
	return device.Record{Raw: line}
}

func (a *lineAdapter) SendCommand(s *device.Session, action string, _ []string) int {
	if action == "NOPE" {
		return -1
	}
	if err := s.Write([]byte("CMD " + action + "\n")); err != nil {
		return -1
	}
	return 0
}

func (a *lineAdapter) ClientConnect(*device.Session) {
	a.mu.Lock()
	a.connects++
	a.mu.Unlock()
}

func (a *lineAdapter) ClientQuit(*device.Session) {
	a.mu.Lock()
	a.quits++
	a.mu.Unlock()
}

func (a *lineAdapter) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects, a.quits
}

// httpLineAdapter serves ?id=&lat=&lon= requests.
type httpLineAdapter struct{ lineAdapter }

func (a *httpLineAdapter) ServeRequest(w http.ResponseWriter, r *http.Request, resolver SessionResolver) {
	q := r.URL.Query()
	s, err := resolver.Resolve(r.Context(), q.Get("id"), q.Get("name"))
	if err != nil {
		http.Error(w, "NOT_AUTH", http.StatusForbidden)
		return
	}
	if q.Get("lat") == "" {
		fmt.Fprint(w, "OK")
		return
	}
	rec := parseLine(fmt.Sprintf("POS %s %s", q.Get("lat"), q.Get("lon")))
	if err := resolver.Process(r.Context(), s, rec); err != nil {
		http.Error(w, "ERR", http.StatusBadRequest)
		return
	}
	fmt.Fprint(w, "OK")
}

type backendCall struct {
	Action device.Action
	ID     string
}

type fakeBackend struct {
	mu     sync.Mutex
	calls  []backendCall
	refuse map[string]bool
}

func (b *fakeBackend) UpdateDev(_ context.Context, s *device.Session, action device.Action, rec device.Record) (device.Reply, error) {
	id := rec.ID
	if id == "" {
		id = s.ID()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, backendCall{action, id})
	if action == device.ActionAuth && b.refuse[id] {
		return device.Reply{}, nil
	}
	return device.Reply{Accepted: true}, nil
}

func (b *fakeBackend) LookupDev(context.Context, string, int) ([]device.Position, error) {
	return nil, nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) count(action device.Action, id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Action == action && c.ID == id {
			n++
		}
	}
	return n
}

type noticeLog struct {
	mu      sync.Mutex
	notices []device.NoticeKind
}

func (n *noticeLog) OnAccept(*device.Session, device.Record) {}

func (n *noticeLog) OnNotice(_ *device.Session, kind device.NoticeKind, _ string) {
	n.mu.Lock()
	n.notices = append(n.notices, kind)
	n.mu.Unlock()
}

func (n *noticeLog) has(kind device.NoticeKind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, k := range n.notices {
		if k == kind {
			return true
		}
	}
	return false
}

func readLine(r *bufio.Reader) string {
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}
