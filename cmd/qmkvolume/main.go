package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("qmkvolume v%s\n", version)
	fmt.Println("Mirror the default PipeWire sink volume onto QMK keyboards over raw HID")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  qmkvolume [OPTIONS]")
	fmt.Println("  qmkvolume ctl status|resync [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Follows the default audio output through pw-dump and shows its volume")
	fmt.Println("  and mute state on every matching keyboard. Only the newest value is")
	fmt.Println("  written when the keyboards are slower than the volume changes.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file")
	fmt.Println()
	fmt.Println("  -filter string")
	fmt.Println("        Keyboard filter: none|vendor|product (default \"product\")")
	fmt.Println()
	fmt.Println("  -vendor-id value")
	fmt.Printf("        USB vendor id, decimal or 0x-hex (default 0x%04x)\n", keychronVendorID)
	fmt.Println()
	fmt.Println("  -product-id value")
	fmt.Printf("        USB product id, decimal or 0x-hex (default 0x%04x)\n", keychronV3MaxProductID)
	fmt.Println()
	fmt.Println("  -pacing-ms int")
	fmt.Printf("        Pause after each keyboard write in ms (default %d)\n", defaultPacingMS)
	fmt.Println()
	fmt.Println("  -pw-dump string")
	fmt.Printf("        pw-dump executable (default %q)\n", defaultPWDumpCommand)
	fmt.Println()
	fmt.Println("  -pw-remote string")
	fmt.Println("        PipeWire remote name passed to pw-dump --remote")
	fmt.Println()
	fmt.Println("  -state-ws")
	fmt.Println("        Enable the state websocket server")
	fmt.Println()
	fmt.Println("  -state-ws-listen string")
	fmt.Printf("        State websocket listen address (default %q)\n", defaultStateWSListen)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q, empty disables)\n", defaultIPCSocket)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("ENVIRONMENT:")
	fmt.Println("  QMKVOLUME_DISPLAY_FILTER, QMKVOLUME_DISPLAY_VENDOR_ID, QMKVOLUME_DISPLAY_PRODUCT_ID,")
	fmt.Println("  QMKVOLUME_DISPLAY_PACING_MS, QMKVOLUME_PIPEWIRE_COMMAND, QMKVOLUME_PIPEWIRE_REMOTE,")
	fmt.Println("  QMKVOLUME_STATE_WS_ENABLED, QMKVOLUME_STATE_WS_LISTEN, QMKVOLUME_STATE_WS_PATH,")
	fmt.Println("  QMKVOLUME_IPC_SOCKET, QMKVOLUME_LOG_LEVEL")
	fmt.Println("        Override the config file; flags override the environment")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Any keyboard exposing the raw HID usage")
	fmt.Println("  qmkvolume -filter none")
	fmt.Println()
	fmt.Println("  # Watch what the daemon shows")
	fmt.Println("  qmkvolume -state-ws && ws_listen -url ws://127.0.0.1:3002/ws/state")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read/write access to /dev/hidraw* (udev rule or 'plugdev' group)")
	fmt.Println("  - Shown level is round(volume^0.25 * 100), matching the desktop volume slider")
	fmt.Println()
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "ctl" {
		os.Exit(runCtlSubcommand(os.Args[2:]))
	}

	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath = flag.String("config", "", "Path to YAML config file")

		filterStr     = flag.String("filter", string(FilterProduct), "Keyboard filter: none|vendor|product")
		vendorID      = HexID(keychronVendorID)
		productID     = HexID(keychronV3MaxProductID)
		pacingMS      = flag.Int("pacing-ms", defaultPacingMS, "Pause after each keyboard write (ms)")
		pwDump        = flag.String("pw-dump", defaultPWDumpCommand, "pw-dump executable")
		pwRemote      = flag.String("pw-remote", "", "PipeWire remote name")
		stateWS       = flag.Bool("state-ws", false, "Enable the state websocket server")
		stateWSListen = flag.String("state-ws-listen", defaultStateWSListen, "State websocket listen address")
		ipcSocketPath = flag.String("ipc-socket", defaultIPCSocket, "Unix domain socket path for IPC")
		logLevelStr   = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		showVersion   = flag.Bool("version", false, "Print version and exit")
		showHelp      = flag.Bool("help", false, "Print help message")
	)
	flag.TextVar(&vendorID, "vendor-id", vendorID, "USB vendor id")
	flag.TextVar(&productID, "product-id", productID, "USB product id")

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := ApplyEnv(&cfg, nil); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// Only flags given on the command line override the file and environment.
	var ov FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "filter":
			ov.Filter = filterStr
		case "vendor-id":
			ov.VendorID = &vendorID
		case "product-id":
			ov.ProductID = &productID
		case "pacing-ms":
			ov.PacingMS = pacingMS
		case "pw-dump":
			ov.PWDump = pwDump
		case "pw-remote":
			ov.PWRemote = pwRemote
		case "state-ws":
			ov.StateWS = stateWS
		case "state-ws-listen":
			ov.StateWSListen = stateWSListen
		case "ipc-socket":
			ov.IPCSocketPath = ipcSocketPath
		case "log-level":
			ov.LogLevel = logLevelStr
		}
	})
	ov.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(logLevel, os.Stdout)

	instance := uuid.NewString()
	logger.Info("starting qmkvolume", "version", version, "instance", instance)
	logger.Debug("configuration",
		"filter", cfg.DeviceFilter().String(),
		"pacing_ms", cfg.Display.PacingMS,
		"pw_dump", cfg.PipeWire.Command,
		"pw_remote", cfg.PipeWire.Remote,
		"state_ws", cfg.StateWS.Enabled,
		"state_ws_listen", cfg.StateWS.Listen,
		"ipc_socket", cfg.IPC.SocketPath)

	if err := run(cfg, instance, logger); err != nil {
		logger.Error("qmkvolume stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

// run wires the event context, the display goroutine and the control surfaces,
// and blocks until a termination signal or a fatal error.
func run(cfg Config, instance string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewEventLoop(defaultLoopQueue, logger.With("component", "loop"))

	// SIGINT and SIGTERM share one shutdown path: stop the event loop.
	stopInt := loop.AddSignal(syscall.SIGINT, loop.Quit)
	defer stopInt()
	stopTerm := loop.AddSignal(syscall.SIGTERM, loop.Quit)
	defer stopTerm()

	var broadcasts chan StateBroadcast
	if cfg.StateWS.Enabled {
		broadcasts = make(chan StateBroadcast, 64)
	}

	slot := NewSlot[EffectiveVolume]()
	daemon := NewDaemon(loop, slot, broadcasts, logger)
	if err := daemon.Start(); err != nil {
		return err
	}

	// The display goroutine is not part of the group: a keyboard that never
	// answers blocks it in Read, and shutdown must not wait for that.
	filter := cfg.DeviceFilter()
	displayLogger := logger.With("component", "display")
	writer := NewDisplayWriter(func() ([]Device, error) {
		return OpenDisplays(filter, displayLogger)
	}, cfg.Pacing(), displayLogger)

	displayCtx, stopDisplay := context.WithCancel(context.Background())
	defer stopDisplay()
	go func() {
		_ = runDisplayConsumer(displayCtx, slot, writer, func(r DisplayResult) {
			PublishBroadcast(broadcasts, BroadcastDisplayUpdated{Result: r})
		}, displayLogger)
		if err := writer.Close(); err != nil {
			displayLogger.Debug("closing keyboards", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The loop ending, for any reason, stops everything else.
		defer cancel()
		return loop.Run(gctx)
	})

	monitor := NewPipeWireMonitor(cfg.PipeWire.Command, cfg.PipeWire.Remote, loop, daemon.Registry(), logger.With("component", "pipewire"))
	g.Go(func() error {
		return monitor.Run(gctx)
	})

	if cfg.IPC.SocketPath != "" {
		socketPath := ExpandPath(cfg.IPC.SocketPath)
		g.Go(func() error {
			return runIPCServer(gctx, socketPath, daemon, logger.With("component", "ipc"))
		})
	}

	if cfg.StateWS.Enabled {
		wsLogger := logger.With("component", "state_ws")
		server := NewStateServer(wsLogger, daemon.Snapshot, instance, HubConfig{})
		mux := http.NewServeMux()
		server.Register(mux, cfg.StateWS.Path)

		g.Go(func() error {
			server.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, server.Hub(), broadcasts, wsLogger)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.StateWS.Listen, mux, wsLogger)
		})
	}

	err := g.Wait()

	// The loop has returned; nothing else touches the event context now.
	daemon.Shutdown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printCtlUsage() {
	fmt.Printf("qmkvolume ctl v%s\n", version)
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  qmkvolume ctl status [-ipc-socket PATH]")
	fmt.Println("  qmkvolume ctl resync [-ipc-socket PATH]")
	fmt.Println()
	fmt.Println("COMMANDS:")
	fmt.Println("  status    Print the effective volume the daemon is showing")
	fmt.Println("  resync    Repaint all keyboards with the current volume")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultIPCSocket)
	fmt.Println()
}

// runCtlSubcommand talks to a running daemon and returns the process exit code.
func runCtlSubcommand(args []string) int {
	var verb string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		verb, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	ipcSocketPath := fs.String("ipc-socket", defaultIPCSocket, "Unix domain socket path for IPC")
	fs.Usage = printCtlUsage
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if verb == "" {
		verb = fs.Arg(0)
	}

	var req IPCRequest
	switch verb {
	case "status":
		req.Type = ipcRequestGetState
	case "resync":
		req.Type = ipcRequestResync
	default:
		printCtlUsage()
		return 2
	}

	resp, err := SendIPCRequest(ExpandPath(*ipcSocketPath), req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	if st := resp.State; st != nil {
		printIPCState(*st)
	} else {
		fmt.Println("ok")
	}
	return 0
}

func printIPCState(st IPCState) {
	sink := st.DefaultSink
	if sink == "" {
		sink = "(unknown)"
	}
	fmt.Printf("default sink: %s\n", sink)
	fmt.Printf("nodes:        %d\n", st.Nodes)
	if !st.Valid {
		fmt.Println("volume:       (none)")
		return
	}
	fmt.Printf("volume:       %.3f (level %d)\n", st.Volume, st.Level)
	fmt.Printf("muted:        %v\n", st.Muted)
}
