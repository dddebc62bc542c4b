package gtcfree

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark-sch/GpsdTracking/adapter/nmea"
	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
)

// Name is the adapter name used in service configurations.
const Name = "gtcfree"

// Info is returned to requests that do not name a device.
const Info = "GpsdTracking adapter: GtcFree"

// EventsPath is the suffix of the OpenGTS style device list and track queries.
const EventsPath = "/events/dev.json"

// Replies of the tracking endpoint.
const (
	ReplyOK      = "OK"
	ReplyNotAuth = "NOT_AUTH"
	ReplyBadRMC  = "ERR-GPRMC"
	ReplyQuit    = "DEV_QUIT"
)

// defaultTrack is the number of positions returned when a track query does
// not say.
const defaultTrack = 20

// Adapter serves phones running GPRMC-over-HTTP clients such as CellTrac or
// OpenGTS:
//
//	GET <path>?id=<id>&gprmc=$GPRMC,...     report a position
//	GET <path>?id=<id>&cmd=version          handshake
//	GET <path>/events/dev.json?a=<account>&g=<group>
//	GET <path>/events/dev.json?a=<account>&d=<id>&l=<count>
type Adapter struct {
	registry *device.Registry
	backend  device.Backend
	logger   *slog.Logger
	now      func() time.Time
}

var _ controller.RequestAdapter = (*Adapter)(nil)

// New is the controller.AdapterFactory of the adapter.
func New(env controller.Env) (controller.Adapter, error) {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		registry: env.Registry,
		backend:  env.Backend,
		logger:   logger.With("adapter", Name, "service", env.Config.Name),
		now:      time.Now,
	}, nil
}

// Register adds the adapter to registry.
func Register(registry *controller.AdapterRegistry) error {
	return registry.Register(Name, New)
}

// ParseBuffer is unused: HTTP devices never stream.
func (a *Adapter) ParseBuffer(*device.Session, []byte) []device.Record { return nil }
func (a *Adapter) ClientConnect(*device.Session)                       {}
func (a *Adapter) ClientQuit(*device.Session)                          {}

// SendCommand supports HELP only; LOGOUT is handled by the session, since an
// HTTP device has no socket to close.
func (a *Adapter) SendCommand(s *device.Session, action string, _ []string) int {
	switch action {
	case "LOGOUT":
		s.Logout(context.Background(), "logout command")
		return 0
	case "HELP":
		s.Notice(device.NoticeHelp, "LOGOUT HELP")
		return 0
	}
	a.logger.Debug("GtcFree has no command", "action", action)
	return -1
}

// ServeRequest implements controller.RequestAdapter.
func (a *Adapter) ServeRequest(w http.ResponseWriter, r *http.Request, resolver controller.SessionResolver) {
	q := r.URL.Query()
	if strings.HasSuffix(r.URL.Path, EventsPath) {
		a.serveEvents(r.Context(), w, q)
		return
	}

	id := q.Get("id")
	if id == "" {
		writeText(w, Info)
		return
	}

	s, err := resolver.Resolve(r.Context(), id, "")
	if q.Get("cmd") == "version" {
		writeText(w, ReplyOK)
		return
	}
	if err != nil {
		a.logger.Debug("Login refused", "device", id, "error", err)
		writeText(w, ReplyNotAuth)
		return
	}

	rec, ok := nmea.Parse(q.Get("gprmc"), a.now)
	if !ok || rec.Cmd != device.CmdTracker {
		a.logger.Debug("Invalid GPRMC", "device", id, "gprmc", q.Get("gprmc"))
		writeText(w, ReplyBadRMC)
		return
	}
	rec.ID = id

	if err := resolver.Process(r.Context(), s, rec); err != nil {
		if stderrors.Is(err, errors.ErrNotLoggedIn) {
			writeText(w, ReplyNotAuth)
			return
		}
		a.logger.Debug("Position not stored", "device", id, "error", err)
	}
	writeText(w, ReplyOK)
}

// eventData is one position in the OpenGTS JSON dialect.
type eventData struct {
	Device     string  `json:"Device"`
	Timestamp  int64   `json:"Timestamp"`
	StatusCode int     `json:"StatusCode"`
	Speed      float64 `json:"Speed"`
	Lat        float64 `json:"GPSPoint_lat"`
	Lon        float64 `json:"GPSPoint_lon"`
}

type deviceEntry struct {
	Device    string      `json:"Device"`
	Desc      string      `json:"Device_desc"`
	Group     string      `json:"group,omitempty"`
	EventData []eventData `json:"EventData"`
}

type eventsReply struct {
	Account     string        `json:"Account"`
	AccountDesc string        `json:"Account_desc"`
	DeviceList  []deviceEntry `json:"DeviceList"`
}

func (a *Adapter) serveEvents(ctx context.Context, w http.ResponseWriter, q url.Values) {
	account := q.Get("a")
	reply := eventsReply{Account: account, AccountDesc: "Gpsd-" + account, DeviceList: []deviceEntry{}}

	if id := q.Get("d"); id != "" {
		s, ok := a.lookup(id)
		if !ok {
			writeText(w, ReplyQuit)
			return
		}
		count, err := strconv.Atoi(q.Get("l"))
		if err != nil || count <= 0 {
			count = defaultTrack
		}
		entry, err := a.track(ctx, s, count)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		reply.DeviceList = append(reply.DeviceList, entry)
		writeJSON(w, reply)
		return
	}

	group := q.Get("g")
	if a.registry != nil {
		for _, s := range a.registry.Snapshot() {
			info := s.Snapshot()
			if info.Position == nil {
				continue
			}
			reply.DeviceList = append(reply.DeviceList, deviceEntry{
				Device: info.ID,
				Desc:   strings.ReplaceAll(info.Name, " ", "-"),
				Group:  group,
				EventData: []eventData{{
					Device:    info.ID,
					Timestamp: info.Position.Time.UnixMilli(),
					Speed:     info.Position.Speed,
					Lat:       info.Position.Lat,
					Lon:       info.Position.Lon,
				}},
			})
		}
	}
	writeJSON(w, reply)
}

func (a *Adapter) lookup(id string) (*device.Session, bool) {
	if a.registry == nil {
		return nil, false
	}
	return a.registry.Get(id)
}

// track lists up to count positions oldest first; StatusCode counts down to
// 0 on the newest fix.
func (a *Adapter) track(ctx context.Context, s *device.Session, count int) (deviceEntry, error) {
	entry := deviceEntry{Device: s.ID(), Desc: strings.ReplaceAll(s.Name(), " ", "-"), EventData: []eventData{}}
	if a.backend == nil {
		return entry, nil
	}
	positions, err := a.backend.LookupDev(ctx, s.ID(), count)
	if err != nil {
		return entry, errors.Wrap(err, "Adapter", "track", fmt.Sprintf("lookup %s", s.ID()))
	}
	for i := len(positions) - 1; i >= 0; i-- {
		p := positions[i]
		entry.EventData = append(entry.EventData, eventData{
			Device:     s.ID(),
			Timestamp:  p.Time.Unix(),
			StatusCode: i,
			Speed:      p.Speed,
			Lat:        p.Lat,
			Lon:        p.Lon,
		})
	}
	return entry, nil
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "text/plain")
	_ = json.NewEncoder(w).Encode(v)
}
