// Package hostbridge publishes the engine's event streams to host applications over
// HTTP and websocket.
package hostbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/activity"
	"github.com/srg/bandsync/internal/broadcast"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/groutine"
	"github.com/srg/bandsync/internal/history"
	"github.com/srg/bandsync/internal/registry"
	"github.com/srg/bandsync/internal/scan"
	"github.com/srg/bandsync/pkg/band"
	"github.com/srg/bandsync/pkg/config"
)

// Options tunes the HTTP server and per-client buffering
type Options struct {
	ReadTimeout     time.Duration `default:"10s"`
	WriteTimeout    time.Duration `default:"10s"`
	IdleTimeout     time.Duration `default:"60s"`
	ShutdownTimeout time.Duration `default:"5s"`
	WriteWait       time.Duration `default:"5s"` // deadline for one websocket frame
	SendBuffer      int           `default:"64"` // envelopes queued per client before dropping
}

var ErrNilBand = errors.New("host bridge: band is nil")

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Server fans engine events out to websocket clients and serves device snapshots
type Server struct {
	band   *band.Band
	opts   Options
	logger *logrus.Logger
	hub    *hub

	mu    sync.Mutex
	group *groutine.Group
}

// New creates a bridge over b. Call Start before serving to begin publishing events.
func New(b *band.Band, opts *Options, logger *logrus.Logger) (*Server, error) {
	if b == nil {
		return nil, ErrNilBand
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	logger = config.OrNop(logger)

	return &Server{
		band:   b,
		opts:   o,
		logger: logger,
		hub:    newHub(logger),
	}, nil
}

// Start subscribes to every engine stream and forwards events to connected clients
// until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return &device.Error{Kind: device.KindAlreadyInProgress, Op: "bridge start", Msg: "bridge is already started"}
	}
	s.group = groutine.NewGroup(ctx, s.logger)

	b := s.band
	if b.Scan.Available() {
		states, err := b.Scan.SubscribeStates()
		if err != nil {
			return err
		}
		pump(s, "bridge-scan-state", states, func(st scan.State) Envelope {
			return Envelope{Type: EventScanState, At: st.At, Payload: st}
		})

		scanErrs, err := b.Scan.SubscribeErrors()
		if err != nil {
			return err
		}
		pump(s, "bridge-scan-error", scanErrs, func(e *scan.Error) Envelope {
			return Envelope{Type: EventScanError, At: e.At, Payload: newScanErrorView(e)}
		})
	}

	pump(s, "bridge-devices", b.Registry.SubscribeDevices(), func(devs []device.Device) Envelope {
		return devicesEnvelope(devs)
	})
	pump(s, "bridge-connection", b.Registry.SubscribeConnectionChanges(), func(c registry.StateChange) Envelope {
		return Envelope{Type: EventConnection, Address: c.Address, At: c.At, Payload: c}
	})
	pump(s, "bridge-unresponsive", b.Registry.SubscribeUnresponsive(), func(d device.Device) Envelope {
		return Envelope{Type: EventUnresponsive, Address: d.Address, At: time.Now(), Payload: d}
	})
	pump(s, "bridge-sync-page", b.History.SubscribePages(), func(p history.PageResult) Envelope {
		return Envelope{Type: EventSyncPage, Address: p.Address, At: p.At, Payload: newPageView(p)}
	})
	pump(s, "bridge-sync-result", b.History.SubscribeResults(), func(r history.Result) Envelope {
		return Envelope{Type: EventSyncResult, Address: r.Address, At: r.Finished, Payload: newResultView(r)}
	})
	pump(s, "bridge-steps", b.Activity.Subscribe(), func(r activity.Result) Envelope {
		return Envelope{Type: EventSteps, At: r.At, Payload: r}
	})

	s.logger.Info("Host bridge publishing")
	return nil
}

// pump forwards one subscription to the hub until the group stops or the stream closes
func pump[T any](s *Server, name string, sub *broadcast.Subscription[T], wrap func(T) Envelope) {
	s.group.Go(name, func(ctx context.Context) {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-sub.C():
				if !ok {
					return
				}
				s.hub.broadcast(wrap(v))
			}
		}
	})
}

// Stop ends publishing and disconnects every client
func (s *Server) Stop() {
	s.mu.Lock()
	g := s.group
	s.group = nil
	s.mu.Unlock()

	if g != nil {
		g.Stop()
	}
	s.hub.closeAll()
}

// Clients returns the number of connected websocket clients
func (s *Server) Clients() int {
	return s.hub.count()
}

// Handler routes /api/devices and /ws
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/ws", s.handleWebsocket)
	return mux
}

// ListenAndServe serves Handler on addr. The returned channel receives a terminal
// serve error, if any, and is closed once the server stops. Cancelling ctx shuts the
// server down and disconnects bridge clients.
func (s *Server) ListenAndServe(ctx context.Context, addr string) (*http.Server, <-chan error, error) {
	if addr == "" {
		return nil, nil, device.Errorf(device.KindConfiguration, "bridge listen address is empty")
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	errCh := make(chan error, 1)

	groutine.Go(ctx, "bridge-listen", func(context.Context) {
		s.logger.WithField("address", addr).Info("Host bridge listening (GET /api/devices, /ws)")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	})

	groutine.Go(ctx, "bridge-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("Host bridge shutdown incomplete")
		}
		// hijacked websocket connections are not closed by Shutdown
		s.Stop()
	})

	return srv, errCh, nil
}

func devicesEnvelope(devs []device.Device) Envelope {
	if devs == nil {
		devs = []device.Device{}
	}
	return Envelope{Type: EventDevices, At: time.Now(), Payload: devs}
}

func (s *Server) devices(r *http.Request) ([]device.Device, error) {
	name := r.URL.Query().Get("type")
	if name == "" {
		return s.band.Devices(), nil
	}
	ids, err := s.band.Catalog.ParseCapabilities(name)
	if err != nil {
		return nil, err
	}
	return s.band.Registry.DevicesByType(ids[0]), nil
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	devs, err := s.devices(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if devs == nil {
		devs = []device.Device{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(devs); err != nil {
		s.logger.WithError(err).Debug("Failed to write device snapshot")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// parseTypes reads the comma separated ?types= filter. Empty means every type.
func parseTypes(raw string) map[EventType]bool {
	if raw == "" {
		return nil
	}
	types := make(map[EventType]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[EventType(t)] = true
		}
	}
	return types
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	enc, err := ParseEncoding(r.URL.Query().Get("encoding"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	c := &client{
		id:       uuid.NewString(),
		encoding: enc,
		types:    parseTypes(r.URL.Query().Get("types")),
		send:     make(chan Envelope, max(s.opts.SendBuffer, 2)),
	}
	// hello and the current snapshot precede any broadcast
	c.send <- Envelope{Type: EventHello, At: time.Now(), Payload: helloView{ClientID: c.id, Encoding: enc}}
	if c.wants(EventDevices) {
		c.send <- devicesEnvelope(s.band.Devices())
	}
	s.hub.register(c)

	done := make(chan struct{})
	groutine.Go(r.Context(), "bridge-writer-"+c.id, func(context.Context) {
		defer close(done)
		s.writeLoop(conn, c)
	})

	s.readLoop(conn, c)
	s.hub.unregister(c.id)
	<-done
}

func (s *Server) writeLoop(conn *websocket.Conn, c *client) {
	defer conn.Close()
	for env := range c.send {
		msgType, data, err := Encode(env, c.encoding)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"client": c.id,
				"type":   env.Type,
				"error":  err,
			}).Warn("Failed to encode bridge envelope")
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
		if err := conn.WriteMessage(msgType, data); err != nil {
			s.logger.WithFields(logrus.Fields{
				"client": c.id,
				"error":  err,
			}).Debug("Bridge client write failed")
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge stopped"),
		time.Now().Add(s.opts.WriteWait))
}

// Command is a control frame sent by a client
type Command struct {
	Op string `json:"op" cbor:"op"`
}

func (s *Server) readLoop(conn *websocket.Conn, c *client) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if msgType == websocket.BinaryMessage {
			err = decMode.Unmarshal(data, &cmd)
		} else {
			err = json.Unmarshal(data, &cmd)
		}
		if err != nil {
			s.hub.sendTo(c.id, errorEnvelope(device.Wrap(device.KindProtocol, "bridge command", "", err)))
			continue
		}

		switch cmd.Op {
		case "devices":
			s.hub.sendTo(c.id, devicesEnvelope(s.band.Devices()))
		case "activity":
			corrected, uncorrected := s.band.Activity.Totals()
			s.hub.sendTo(c.id, Envelope{Type: EventSteps, At: time.Now(), Payload: map[string]int{
				"total_corrected":   corrected,
				"total_uncorrected": uncorrected,
			}})
		default:
			s.hub.sendTo(c.id, errorEnvelope(device.Errorf(device.KindConfiguration, "unknown bridge command %q", cmd.Op)))
		}
	}
}

func errorEnvelope(err error) Envelope {
	return Envelope{Type: EventError, At: time.Now(), Payload: map[string]string{
		"kind":    string(device.KindOf(err)),
		"message": err.Error(),
	}}
}
