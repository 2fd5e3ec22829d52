package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/cryorun"
	"github.com/loykin/cryorun/internal/driver/keithley"
	"github.com/loykin/cryorun/internal/driver/oxford"
	"github.com/loykin/cryorun/internal/driver/srs"
	"github.com/loykin/cryorun/internal/guard"
	"github.com/loykin/cryorun/internal/logbook"
	"github.com/loykin/cryorun/internal/logger"
	"github.com/loykin/cryorun/internal/transport"
	"github.com/loykin/cryorun/internal/worker"
	"github.com/spf13/cobra"
)

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the cryorun daemon",
		Long: `Start the cryorun daemon: open instrument transports, launch one
supervised worker per instrument, record readings to the run database, and
expose the HTTP API.

Examples:
  cryorun serve --config=rig.toml
  cryorun serve rig.toml
  cryorun serve rig.toml --daemonize       # Run detached in the background`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")

	return cmd
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=rig.toml or provide as argument")
	}

	cfg, err := cryorun.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(cfg.Daemon.PIDFile, flags.LogFile)
	}

	var logCfg logger.Config
	if cfg.Log != nil {
		logCfg = *cfg.Log
	}
	log := logger.New(logCfg)
	slog.SetDefault(log)

	if cfg.Daemon.PIDFile != "" {
		if err := acquirePidFile(cfg.Daemon.PIDFile); err != nil {
			return err
		}
		defer func() { _ = removePidFile(cfg.Daemon.PIDFile) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := cryorun.NewStore()

	var b cryorun.Bus
	if cfg.Bus.Backend == "nats" {
		b, err = cryorun.DialNATS(cfg.Bus.URL, log)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
	} else {
		b = cryorun.NewInprocBus()
	}
	defer func() { _ = b.Close() }()

	if err := cryorun.RegisterMetricsDefault(); err != nil {
		log.Warn("register metrics", "error", err)
	}
	if cfg.Daemon.MetricsListen != "" {
		go func() {
			if err := cryorun.ServeMetrics(cfg.Daemon.MetricsListen); err != nil {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	dbPath := logbook.DBPath(cfg.Logbook.Prefix, time.Now())
	rec, err := cryorun.NewRecorder(dbPath, st, time.Duration(cfg.Logbook.PeriodS)*time.Second, log)
	if err != nil {
		return fmt.Errorf("open run database %s: %w", dbPath, err)
	}
	defer func() { _ = rec.Close() }()

	var sink cryorun.ArchiveSink
	if cfg.Archive.DSN != "" {
		sink, err = cryorun.NewArchiveSink(cfg.Archive.DSN)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
	}

	sup := cryorun.NewSupervisor(cryorun.SupervisorConfig{
		Store:    st,
		Bus:      b,
		Logger:   log,
		Recorder: rec,
		Archive:  sink,
	})
	go sup.Run(ctx)
	go rec.Run(ctx)
	go logbook.NewLive(st, time.Second).Run(ctx)

	locks := map[string]*transport.BusLock{}
	for _, ins := range cfg.Instruments {
		port, err := openPort(ins, locks)
		if err != nil {
			return fmt.Errorf("instrument %s: %w", ins.Name, err)
		}
		w, err := buildWorker(ctx, ins, port, st, b, sup, log)
		if err != nil {
			return fmt.Errorf("instrument %s: %w", ins.Name, err)
		}
		if err := sup.Register(ctx, w); err != nil {
			return fmt.Errorf("instrument %s: %w", ins.Name, err)
		}
		log.Info("worker started", "name", ins.Name, "family", ins.Family, "interval", ins.Interval())
	}

	var meas *logbook.Measurement
	if cfg.Logbook.MeasurementFile != "" {
		meas = logbook.NewMeasurement(cfg.Logbook.MeasurementFile)
	}

	rt := cryorun.NewRuntime(cryorun.RuntimeConfig{
		Pool:          sup,
		Store:         st,
		Interlock:     sup.Controls(),
		Logger:        log,
		TempWorker:    cfg.Sequence.TempWorker,
		TempField:     cfg.Sequence.TempField,
		FieldWorker:   cfg.Sequence.FieldWorker,
		FieldField:    cfg.Sequence.FieldField,
		SourceWorkers: cfg.Sequence.SourceWorkers,
		VoltWorkers:   cfg.Sequence.VoltWorkers,
		Scales:        cfg.Sequence.Scales,
		Thresholds:    cfg.Sequence.Thresholds(),
		PollInterval:  cfg.Sequence.PollInterval(),
		MaxSettle:     cfg.Sequence.MaxSettle(),
		Measure:       meas,
	})

	srv := cryorun.NewHTTPServer(cfg.Daemon.Listen, "", sup, rt)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			stop()
		}
	}()

	log.Info("cryorun daemon listening", "addr", cfg.Daemon.Listen, "logbook", dbPath)

	<-ctx.Done()
	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// openPort opens the configured transport. Instruments in one bus group
// share a lock so their exchanges serialize.
func openPort(ins cryorun.InstrumentConfig, locks map[string]*transport.BusLock) (transport.Port, error) {
	var lock *transport.BusLock
	if ins.BusGroup != "" {
		if locks[ins.BusGroup] == nil {
			locks[ins.BusGroup] = transport.NewBusLock()
		}
		lock = locks[ins.BusGroup]
	}
	settings := transport.Settings{
		ReadTerminator: ins.Terminator,
		BaudRate:       ins.Baud,
		Timeout:        time.Duration(ins.TimeoutMS) * time.Millisecond,
		ExchangeDelay:  time.Duration(ins.ExchangeDelayMS) * time.Millisecond,
	}
	if ins.Transport == "serial" {
		settings.Address = ins.Device
		return transport.OpenSerial(ins.Name, settings, lock)
	}
	settings.Address = ins.Address
	return transport.DialTCP(ins.Name, settings, lock)
}

// buildWorker constructs the driver and its guarded worker for one
// configured instrument.
func buildWorker(ctx context.Context, ins cryorun.InstrumentConfig, port transport.Port,
	st *cryorun.Store, b cryorun.Bus, sup *cryorun.Supervisor, log *slog.Logger) (*worker.Worker, error) {
	var (
		probes   []worker.Probe
		slots    map[string]worker.SlotDef
		derives  []worker.Derive
		identify func() (string, error)
		queryErr func() (string, string, error)
		lostCode string
		rebuild  func() error
	)

	switch ins.Family {
	case "itc503":
		d, err := oxford.NewITC503(port, ins.ISOBusAddr)
		if err != nil {
			return nil, err
		}
		probes, slots = worker.ITCProfile(d, ins.SoftwareSweep)
		identify, queryErr = d.Identify, d.QueryError
	case "ilm211":
		d, err := oxford.NewILM211(port, ins.ISOBusAddr)
		if err != nil {
			return nil, err
		}
		probes, slots = worker.ILMProfile(d)
		identify, queryErr = d.Identify, d.QueryError
	case "ips120":
		d, err := oxford.NewIPS120(port, ins.ISOBusAddr)
		if err != nil {
			return nil, err
		}
		probes, slots = worker.IPSProfile(d)
		identify, queryErr = d.Identify, d.QueryError
	case "k2182":
		d, err := keithley.NewK2182(port)
		if err != nil {
			return nil, err
		}
		probes, slots, derives = worker.K2182Profile(d, ins.SourceWorker)
		identify, queryErr = d.Identify, d.QueryError
		lostCode = keithley.LostConfigCode
		// A power-cycled instrument forgot its setup; rerunning the
		// constructor over the same port replays it.
		rebuild = func() error { _, err := keithley.NewK2182(port); return err }
	case "k6221":
		d, err := keithley.NewK6221(port)
		if err != nil {
			return nil, err
		}
		probes, slots = worker.K6221Profile(d)
		identify, queryErr = d.Identify, d.QueryError
		lostCode = keithley.LostConfigCode
		rebuild = func() error { _, err := keithley.NewK6221(port); return err }
	case "sr830":
		d, err := srs.NewSR830(port)
		if err != nil {
			return nil, err
		}
		p := worker.NewSR830Profile(d, ins.ShuntOhm)
		probes, slots, derives = p.Probes(), p.Slots(), p.Derives()
		identify, queryErr = d.Identify, d.QueryError
	default:
		return nil, fmt.Errorf("unknown instrument family %q", ins.Family)
	}

	g := guard.New(guard.Config{
		Component: ins.Name,
		Port:      port,
		Identify:  func() error { _, err := identify(); return err },
		Events:    sup.Events(),
		Logger:    log,
		Ctx:       ctx,
	})

	return worker.New(worker.Config{
		Name:           ins.Name,
		Interval:       ins.Interval(),
		Store:          st,
		Bus:            b,
		Guard:          g,
		Logger:         log,
		Probes:         probes,
		Slots:          slots,
		Derive:         derives,
		QueryErr:       queryErr,
		LostConfigCode: lostCode,
		Rebuild:        rebuild,
	}), nil
}
