package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/event"
	ws "github.com/mark-sch/GpsdTracking/output/websocket"
)

const clientTimeout = 10 * time.Second

// apiClient talks to the HTTP API of a running daemon.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: clientTimeout},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) Devices(ctx context.Context) ([]device.Info, error) {
	var out []device.Info
	err := c.do(ctx, http.MethodGet, "/api/devices", nil, &out)
	return out, err
}

func (c *apiClient) Track(ctx context.Context, id string, count int) ([]device.Position, error) {
	var out []device.Position
	path := "/api/devices/" + url.PathEscape(id) + "/track?count=" + strconv.Itoa(count)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *apiClient) Send(ctx context.Context, req ws.CommandRequest) (uint64, error) {
	var out struct {
		RequestID uint64 `json:"request_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/commands", req, &out)
	return out.RequestID, err
}

func (c *apiClient) Logout(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(id)+"/logout", nil, nil)
}

// streamURL turns the API base into the websocket stream address.
func (c *apiClient) streamURL(path string, kinds []string, deviceID string) (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path
	q := url.Values{}
	if len(kinds) > 0 {
		q.Set("kinds", strings.Join(kinds, ","))
	}
	if deviceID != "" {
		q.Set("device", deviceID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func devicesCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the devices connected to a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			devices, err := newAPIClient(g.api).Devices(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(devices)
			}
			if len(devices) == 0 {
				_, _ = fmt.Fprintln(out, "no devices connected")
				return nil
			}
			_, _ = fmt.Fprintf(out, "%-18s %-20s %-12s %-10s %s\n", "ID", "NAME", "SERVICE", "STATE", "POSITION")
			for _, d := range devices {
				_, _ = fmt.Fprintf(out, "%-18s %-20s %-12s %-10s %s\n",
					d.ID, d.Name, d.Service, stateColor(d.State), formatPosition(d.Position))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func trackCmd(g *globalFlags) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "track <device>",
		Short: "Print the stored positions of a device, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			track, err := newAPIClient(g.api).Track(ctx, args[0], count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i := range track {
				_, _ = fmt.Fprintln(out, formatPosition(&track[i]))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 20, "Number of positions")
	return cmd
}

func sendCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <device|all> <command> [args...]",
		Short: "Queue a command for a device, or for every device with \"all\"",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if strings.EqualFold(target, "all") {
				target = "0"
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			id, err := newAPIClient(g.api).Send(ctx, ws.CommandRequest{
				Device:  target,
				Command: strings.ToUpper(args[1]),
				Args:    args[2:],
				Timeout: int(timeout / time.Second),
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s queued request %d\n", color.GreenString("✓"), id)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "How long the queue retries an absent device")
	return cmd
}

func logoutCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <device>",
		Short: "Disconnect a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := newAPIClient(g.api).Logout(ctx, args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s disconnected\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
}

func watchCmd(g *globalFlags) *cobra.Command {
	var (
		kinds    []string
		deviceID string
		path     string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := newAPIClient(g.api).streamURL(path, kinds, deviceID)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("connect %s: %s", target, resp.Status)
				}
				return fmt.Errorf("connect %s: %w", target, err)
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				_ = conn.Close()
			}()
			return watch(ctx, conn, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "Event kinds: queue, accept, notice")
	cmd.Flags().StringVar(&deviceID, "device", "", "Only events of this device")
	cmd.Flags().StringVar(&path, "path", "/ws", "Stream path on the API server")
	return cmd
}

func watch(ctx context.Context, conn *websocket.Conn, out io.Writer) error {
	for {
		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if env.Type != "event" {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			continue
		}
		_, _ = fmt.Fprintln(out, formatEvent(ev))
	}
}

func formatEvent(ev event.Event) string {
	stamp := ev.Time.Local().Format("15:04:05")
	switch ev.Kind {
	case event.KindAccept:
		return fmt.Sprintf("%s %s %s %s", stamp, color.GreenString("accept"), ev.DeviceID, formatPosition(ev.Position))
	case event.KindQueue:
		line := fmt.Sprintf("%s %s #%d %s %s %s", stamp, color.CyanString("queue "), ev.RequestID,
			ev.Status, ev.Command, ev.DeviceID)
		if ev.Retry > 0 {
			line += fmt.Sprintf(" retry=%d", ev.Retry)
		}
		return line
	default:
		return fmt.Sprintf("%s %s %s %s %s", stamp, color.YellowString("notice"), ev.DeviceID, ev.Status, ev.Details)
	}
}

func formatPosition(p *device.Position) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%s %.6f,%.6f %.1fm/s %.0f°", p.Time.UTC().Format(time.RFC3339), p.Lat, p.Lon, p.Speed, p.Course)
}

func stateColor(state string) string {
	switch state {
	case "LOGGED_IN":
		return color.GreenString(state)
	case "LOGGED_OUT":
		return color.RedString(state)
	}
	return color.YellowString(state)
}
