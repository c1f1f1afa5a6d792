// callsyncd is the headless call-sync client. It connects to the local
// audio-capture daemon, keeps the recording index and user profile in durable
// storage, and drives the call session, segmented sending and voice queries
// against the configured backend. Control is line-based on stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/agrivoice/callsync/internal/api"
	"github.com/agrivoice/callsync/internal/capture"
	"github.com/agrivoice/callsync/internal/capture/bridge"
	"github.com/agrivoice/callsync/internal/config"
	"github.com/agrivoice/callsync/internal/connectivity"
	"github.com/agrivoice/callsync/internal/diaglog"
	"github.com/agrivoice/callsync/internal/pidfile"
	"github.com/agrivoice/callsync/internal/profile"
	"github.com/agrivoice/callsync/internal/sched"
	"github.com/agrivoice/callsync/internal/segment"
	"github.com/agrivoice/callsync/internal/session"
	"github.com/agrivoice/callsync/internal/store"
	"github.com/agrivoice/callsync/internal/voicequery"
)

const (
	captureDaemonURL = "ws://localhost:4470"
	logPrefix        = "[callsyncd]"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

var (
	outLog *log.Logger
	errLog *log.Logger
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in callsyncd: %v\n", r)
			os.Exit(1)
		}
	}()

	outLog = log.New(os.Stdout, logPrefix+" ", log.LstdFlags)
	errLog = log.New(os.Stderr, logPrefix+" ", log.LstdFlags)

	outLog.Println("Starting callsyncd v" + Version)

	pf, err := pidfile.Acquire(pidfile.Path("callsyncd"))
	if err != nil {
		errLog.Printf("Failed to acquire PID file: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			errLog.Printf("Warning: failed to remove PID file: %v", err)
		}
	}()

	configPath := config.DefaultPath()
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		errLog.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}
	outLog.Printf("[STARTUP] Config loaded: backend=%s auto_record=%v segment_interval=%ds",
		cfg.BaseURL, cfg.AutoRecord, cfg.SegmentIntervalSeconds)

	diaglog.Version = Version
	logger, err := diaglog.New(logPath())
	if err != nil {
		errLog.Printf("Failed to open diagnostic log: %v (continuing without)", err)
		logger = diaglog.NewNoOp()
	}
	defer logger.Close()

	// Durable state: recording index and profile share one KV directory.
	kv, err := store.NewFileKV(filepath.Join(filepath.Dir(cfg.RecordingsDir), "state"))
	if err != nil {
		errLog.Printf("Failed to open state storage: %v", err)
		os.Exit(1)
	}
	st := store.New(kv, logger)
	if err := st.Load(); err != nil {
		errLog.Printf("Failed to load recording index: %v", err)
		os.Exit(1)
	}
	outLog.Printf("[STARTUP] Recording index loaded: %d recordings", len(st.List()))

	prof := profile.NewManager(kv)

	// Capture daemon connection.
	outLog.Println("[STARTUP] Connecting to capture daemon at " + captureDaemonURL + "...")
	device := bridge.New(captureDaemonURL, logger)
	if err := device.Dial(context.Background()); err != nil {
		errLog.Printf("[STARTUP] Failed to connect to capture daemon: %v", err)
		errLog.Println("Please ensure the capture daemon is running on port 4470")
		os.Exit(1)
	}
	defer device.Close()
	device.OnDisconnected(func() {
		errLog.Println("[EVENT] Capture daemon disconnected; recording unavailable until restart")
	})
	outLog.Println("[STARTUP] Capture daemon connected")

	recorder := capture.NewRecorder(device, st, cfg.RecordingsDir, logger)

	client := api.NewClient(cfg.BaseURL,
		api.WithLogger(logger),
		api.WithTimeouts(api.Timeouts{
			Health:  cfg.HealthTimeout(),
			CallEnd: cfg.CallEndTimeout(),
			Query:   cfg.QueryTimeout(),
			Upload:  cfg.UploadTimeout(),
		}),
		api.WithDeviceInfo(api.HostDeviceInfo(Version)),
	)

	scheduler := sched.Real()

	monitor := connectivity.New(client, cfg.PollInterval(), scheduler, logger)
	monitor.OnChange(func(up bool) {
		if up {
			outLog.Println("[EVENT] Backend reachable")
		} else {
			errLog.Println("[EVENT] Backend unreachable; uploads deferred")
		}
	})

	machine := session.New(session.Options{
		Recorder:       recorder,
		Store:          st,
		Uploader:       client,
		Monitor:        monitor,
		Scheduler:      scheduler,
		Logger:         logger,
		UserID:         cfg.UserID,
		AutoRecord:     cfg.AutoRecord,
		MetadataExtras: prof.MetadataExtras,
	})
	machine.BindAutoRecord(context.Background())

	segments := segment.New(machine, recorder, monitor, scheduler, cfg.SegmentInterval(), logger)
	queries := voicequery.New(machine, recorder, client, scheduler, cfg.VoiceClipDuration(), logger)

	monitor.Start(context.Background())
	defer monitor.Stop()

	// Hot reload: only the toggles that are safe to change mid-run.
	watcher, err := config.Watch(configPath, logger, func(next *config.ClientConfig) {
		outLog.Printf("[EVENT] Config reloaded: auto_record=%v", next.AutoRecord)
		machine.SetAutoRecord(next.AutoRecord)
	})
	if err != nil {
		errLog.Printf("Config watch unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	outLog.Println("[STARTUP] Ready. Commands: start [lang] | end | mute on|off | segments on|off | send | ask | retry <id> | list | status | autorecord on|off | quit")

	run(machine, segments, queries, prof, monitor, st, cfg)

	outLog.Println("[SHUTDOWN] Ending any active call...")
	machine.End(context.Background(), "shutdown")
	outLog.Println("[SHUTDOWN] Done")
}

func logPath() string {
	if p := os.Getenv("CALLSYNC_LOG_PATH"); p != "" {
		return p
	}
	return "/tmp/callsync-debug.log"
}

// run processes stdin commands until quit, EOF, or a termination signal.
func run(machine *session.Machine, segments *segment.Coordinator, queries *voicequery.Orchestrator, prof *profile.Manager, monitor *connectivity.Monitor, st *store.Store, cfg *config.ClientConfig) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case sig := <-sigChan:
			outLog.Printf("[SHUTDOWN] Received signal: %v", sig)
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handle(strings.Fields(line), machine, segments, queries, prof, monitor, st, cfg); quit {
				return
			}
		}
	}
}

func handle(args []string, machine *session.Machine, segments *segment.Coordinator, queries *voicequery.Orchestrator, prof *profile.Manager, monitor *connectivity.Monitor, st *store.Store, cfg *config.ClientConfig) bool {
	if len(args) == 0 {
		return false
	}
	ctx := context.Background()

	switch args[0] {
	case "quit", "exit":
		return true

	case "start":
		language := cfg.Language
		if len(args) > 1 {
			language = args[1]
		}
		if err := machine.Start(language); err != nil {
			errLog.Printf("start: %v", err)
		} else {
			outLog.Printf("Call connecting (language=%s)...", language)
		}

	case "end":
		machine.End(ctx, "user")
		outLog.Println("Call ended")

	case "mute":
		machine.SetMuted(len(args) > 1 && args[1] == "on")

	case "autorecord":
		machine.SetAutoRecord(len(args) > 1 && args[1] == "on")

	case "segments":
		if len(args) > 1 && args[1] == "on" {
			if err := segments.Start(ctx); err != nil {
				errLog.Printf("segments: %v", err)
			} else {
				outLog.Println("Segmented sending enabled")
			}
		} else {
			segments.Stop()
			outLog.Println("Segmented sending disabled")
		}

	case "send":
		if err := segments.SendNow(ctx); err != nil {
			errLog.Printf("send: %v", err)
		}

	case "ask":
		district, state, crop := prof.QueryDefaults()
		answer, err := queries.Ask(ctx, voicequery.Context{
			District:          district,
			State:             state,
			Choice:            1,
			CurrentCrop:       crop,
			PreferredLanguage: cfg.Language,
		})
		if err != nil {
			errLog.Printf("ask: %v", err)
			break
		}
		outLog.Printf("You said: %s", answer.TranscribedText)
		outLog.Printf("Answer (%s): %s", answer.DetectedLanguage, answer.Answer)

	case "retry":
		if len(args) < 2 {
			errLog.Println("usage: retry <id>")
			break
		}
		res := machine.RetryUpload(ctx, args[1])
		if res.Success {
			outLog.Printf("Upload retried: %s", args[1])
		} else {
			errLog.Printf("retry: %s", res.Error)
		}

	case "list":
		for _, r := range st.List() {
			seg := ""
			if r.IsSegment {
				seg = fmt.Sprintf(" seg=%d", r.SegmentIndex)
			}
			outLog.Printf("%s %s %s%s", r.ID, r.Filename, r.UploadStatus, seg)
		}

	case "status":
		outLog.Printf("state=%s reachable=%v duration=%ds segments_mode=%v",
			machine.State(), monitor.Reachable(), machine.Duration(), segments.Running())
		if sess, ok := machine.Session(); ok {
			outLog.Printf("call=%s language=%s segments=%d voice_query=%v",
				sess.CallID, sess.Language, sess.SegmentCount, sess.HadVoiceQuery)
		}

	default:
		errLog.Printf("unknown command: %s", args[0])
	}
	return false
}
