// app.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wildcastradio/aircast/internal/api"
	"github.com/wildcastradio/aircast/internal/auth"
	"github.com/wildcastradio/aircast/internal/backoff"
	"github.com/wildcastradio/aircast/internal/capture"
	"github.com/wildcastradio/aircast/internal/conn"
	"github.com/wildcastradio/aircast/internal/config"
	"github.com/wildcastradio/aircast/internal/health"
	"github.com/wildcastradio/aircast/internal/metrics"
	"github.com/wildcastradio/aircast/internal/netmon"
	"github.com/wildcastradio/aircast/internal/playback"
	"github.com/wildcastradio/aircast/internal/session"
	"github.com/wildcastradio/aircast/internal/store"
	"github.com/wildcastradio/aircast/internal/uplink"
)

// App wires the client together: two websocket channels (uplink and
// status), the REST client, capture and playback pipelines, persistence
// and instrumentation.
type App struct {
	cfg config.Config
	log *slog.Logger

	tokens *auth.Store
	stats  *metrics.Set
	net    *netmon.Monitor
	db     *store.DB
	api    *api.Client

	uplinkConn *conn.Manager
	statusConn *conn.Manager

	tracker *health.Tracker
	poller  *health.Poller

	acquirer *capture.Acquirer
	encoder  *uplink.Encoder
	session  *session.Manager

	player *playback.Controller

	debugSrv     *http.Server
	cancelStatus func()
	cancelRecov  func()
}

// NewApp builds the full component graph. dataDir holds the state
// database.
func NewApp(cfg config.Config, dataDir string, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	token, err := cfg.BearerToken()
	if err != nil {
		return nil, err
	}
	tokens := auth.NewStore(token)
	if token != "" && auth.Expired(token, time.Now()) {
		log.Warn("bearer token is already expired")
	}

	db, err := store.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	a := &App{
		cfg:    cfg,
		log:    log,
		tokens: tokens,
		stats:  metrics.New(),
		net:    netmon.New(cfg.NetProbeAddr(), 0),
		db:     db,
		api:    api.NewClient(cfg.Server.BaseURL, tokens, log),
	}

	a.uplinkConn = conn.New(conn.Config{
		Channel:           "uplink",
		HeartbeatInterval: conn.UplinkHeartbeat,
		Policy:            backoff.New(backoff.UplinkMaxAttempts),
		Tokens:            tokens,
		Net:               a.net,
		Stats:             a.stats,
	})
	a.statusConn = conn.New(conn.Config{
		Channel:           "status",
		HeartbeatInterval: conn.StatusHeartbeat,
		Policy:            backoff.New(backoff.StatusMaxAttempts),
		Tokens:            tokens,
		Net:               a.net,
		Stats:             a.stats,
	})

	a.tracker = health.NewTracker(log)
	a.poller = health.NewPoller(health.PollerConfig{
		Fetch:          a.api.FetchStatus,
		PushConnected:  a.statusConn.IsConnected,
		Tracker:        a.tracker,
		Interval:       time.Duration(cfg.Status.PollSec) * time.Second,
		HiddenInterval: time.Duration(cfg.Status.HiddenPollSec) * time.Second,
		Log:            log,
	})

	a.acquirer = capture.NewAcquirer(capture.Config{
		MicGain:     cfg.Capture.MicGain,
		DesktopGain: cfg.Capture.DesktopGain,
		Log:         log,
	})
	a.encoder = uplink.New(uplink.Config{
		Conn:  a.uplinkConn,
		Stats: a.stats,
		Log:   log,
	})
	a.session = session.NewManager(session.Config{
		Backend: a.api,
		Acquirer: session.AcquirerFunc(func(ctx context.Context, st capture.SourceType) (session.Source, error) {
			return a.acquirer.Acquire(ctx, st)
		}),
		Uplink:    a.encoder,
		Socket:    a.uplinkConn,
		Flags:     a.db,
		UplinkURL: cfg.Server.UplinkWSURL,
		Log:       log,
	})

	element := playback.NewHTTPElement(playback.HTTPElementConfig{
		StallTimeout: time.Duration(cfg.Playback.StallTimeoutSec) * time.Second,
		Log:          log,
	})
	a.player = playback.NewController(playback.Config{
		Element: element,
		Store:   db,
		Net:     a.net,
		Stats:   a.stats,
		Health: func() (bool, bool) {
			snap := a.tracker.Snapshot()
			return snap.Live, snap.Recovering
		},
		Log: log,
	})

	return a, nil
}

// Startup launches the background machinery: network probing, the status
// channel, the REST poller, the auto-resume wiring and the debug server.
func (a *App) Startup(ctx context.Context) {
	a.net.Start(ctx)
	a.statusConn.Connect(a.cfg.Server.StatusWSURL)
	go a.poller.Run(ctx)

	messages, cancelStatus := a.statusConn.Messages()
	a.cancelStatus = cancelStatus
	go a.watchStatusChannel(messages)

	recoveries, cancelRecov := a.tracker.Recoveries()
	a.cancelRecov = cancelRecov
	go func() {
		for range recoveries {
			a.player.Rearm("stream recovered")
		}
	}()

	if a.cfg.Debug.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.stats.Handler())
		a.debugSrv = &http.Server{Addr: a.cfg.Debug.Addr, Handler: mux}
		go func() {
			a.log.Info("debug server listening", "addr", a.cfg.Debug.Addr)
			if err := a.debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("debug server failed", "err", err)
			}
		}()
	}
}

// Shutdown tears everything down; live broadcasts are ended server-side.
func (a *App) Shutdown(ctx context.Context) {
	if a.session.Live() {
		if err := a.session.StopBroadcast(ctx); err != nil {
			a.log.Error("stopping broadcast on shutdown", "err", err)
		}
	}
	a.player.Close()
	a.session.Close()
	if a.cancelStatus != nil {
		a.cancelStatus()
	}
	if a.cancelRecov != nil {
		a.cancelRecov()
	}
	a.statusConn.Close()
	a.uplinkConn.Close()
	a.tracker.Close()
	a.net.Stop()
	if a.debugSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		a.debugSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn("closing state db", "err", err)
	}
}

// ApplyConfig absorbs a live config reload. Only the safely swappable
// pieces change at runtime; endpoint changes need a restart.
func (a *App) ApplyConfig(cfg config.Config) {
	if token, err := cfg.BearerToken(); err == nil && token != "" {
		a.tokens.Set(token)
	}
	a.player.SetVolume(cfg.Playback.Volume)
	a.cfg.Playback = cfg.Playback
	a.cfg.Capture = cfg.Capture
	a.log.Info("runtime config applied")
}

// statusPush is the status channel's JSON payload. The health block is
// optional; older servers send only the top-level fields.
type statusPush struct {
	Type              string        `json:"type"`
	IsLive            bool          `json:"isLive"`
	ListenerCount     int           `json:"listenerCount"`
	PeakListenerCount int           `json:"peakListenerCount"`
	Health            *statusHealth `json:"health"`
}

type statusHealth struct {
	Healthy       bool   `json:"healthy"`
	Recovering    bool   `json:"recovering"`
	BroadcastLive bool   `json:"broadcastLive"`
	Bitrate       int    `json:"bitrate"`
	ErrorMessage  string `json:"errorMessage"`
}

// watchStatusChannel feeds push status messages into the health tracker.
func (a *App) watchStatusChannel(messages <-chan conn.Message) {
	for msg := range messages {
		if msg.Binary {
			continue
		}
		var push statusPush
		if err := json.Unmarshal(msg.Data, &push); err != nil {
			a.log.Debug("unparseable status message", "err", err)
			continue
		}
		if push.Type != "" && push.Type != "STREAM_STATUS" && push.Type != "status" {
			continue
		}
		report := health.Report{
			Healthy:       push.IsLive,
			Live:          push.IsLive,
			Listeners:     push.ListenerCount,
			PeakListeners: push.PeakListenerCount,
			At:            time.Now(),
		}
		if h := push.Health; h != nil {
			report.Healthy = h.Healthy
			report.Recovering = h.Recovering
			report.Live = h.BroadcastLive
			report.Bitrate = h.Bitrate
			report.ErrorMessage = h.ErrorMessage
		}
		a.tracker.ApplyPush(report)
	}
}

// RunListen plays the station stream until ctx is cancelled.
func (a *App) RunListen(ctx context.Context, streamURL string) error {
	if streamURL == "" {
		streamURL = a.cfg.Server.StreamURL
	}

	statuses, cancel := a.player.Statuses()
	defer cancel()
	updates, cancelUpdates := a.tracker.Updates()
	defer cancelUpdates()

	if err := a.player.Start(streamURL); err != nil {
		return err
	}
	a.log.Info("listening", "stream", streamURL)

	for {
		select {
		case <-ctx.Done():
			a.player.Stop()
			return nil
		case st := <-statuses:
			a.log.Info("playback state", "state", st.State.String(), "retries", st.RetryCount)
		case snap := <-updates:
			a.log.Info("stream status",
				"live", snap.Live,
				"listeners", snap.Listeners,
				"peak", snap.PeakListeners,
				"via", snap.Source.String())
		}
	}
}

// RunBroadcast goes live with the configured source until ctx is
// cancelled.
func (a *App) RunBroadcast(ctx context.Context, title, description string, source capture.SourceType) error {
	var pending *api.Broadcast
	if p, err := a.session.PendingBroadcast(ctx); err != nil {
		a.log.Warn("checking for interrupted broadcast", "err", err)
	} else {
		pending = p
	}

	var b *api.Broadcast
	var err error
	if pending != nil {
		a.log.Info("reconnecting to interrupted broadcast", "id", pending.ID, "title", pending.Title)
		b, err = a.session.ResumeBroadcast(ctx, pending, source)
	} else {
		b, err = a.session.StartBroadcast(ctx, title, description, source)
	}
	if err != nil {
		return err
	}
	a.log.Info("broadcasting", "id", b.ID, "source", source)

	failures, cancelFailures := a.session.Failures()
	defer cancelFailures()

	levels := time.NewTicker(5 * time.Second)
	defer levels.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.session.StopBroadcast(stopCtx)
		case err := <-failures:
			return fmt.Errorf("broadcast closed by server: %w", err)
		case <-levels.C:
			a.log.Info("input level", "rms", a.session.AudioLevel())
		}
	}
}

// SetVisible tells the client whether its UI is in the foreground.
// Hidden slows the health poller; returning to the foreground polls
// immediately and re-arms a parked playback recovery.
func (a *App) SetVisible(visible bool) {
	a.poller.SetHidden(!visible)
	if visible {
		a.player.Rearm("app visible")
	}
}
