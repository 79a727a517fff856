package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dshills/tracecore/internal/config"
	"github.com/dshills/tracecore/internal/controller"
	"github.com/dshills/tracecore/internal/logging"
	"github.com/dshills/tracecore/internal/metrics"
	"github.com/dshills/tracecore/internal/trace"
	"github.com/dshills/tracecore/internal/trace/activity"
	"github.com/dshills/tracecore/internal/trace/dispatch"
	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/dshills/tracecore/internal/transport/jsonl"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const demoSourceName = "Tracecore-Demo"

// Demo event ids.
const (
	evRequestStart = 1
	evRequestStop  = 2
	evCacheHit     = 3
	evForward      = 4
	evDetail       = 5
)

func demoEvents() []schema.EventDecl {
	return []schema.EventDecl{
		{ID: evRequestStart, Name: "RequestStart", Level: schema.LevelInformational, Opcode: schema.OpcodeStart,
			Message: "request {path} started",
			Params:  []schema.Param{{Name: "path", Kind: schema.KindString}}},
		{ID: evRequestStop, Name: "RequestStop", Level: schema.LevelInformational, Opcode: schema.OpcodeStop,
			Message: "request {path} finished with {status}",
			Params:  []schema.Param{{Name: "path", Kind: schema.KindString}, {Name: "status", Kind: schema.KindInt32}}},
		{ID: evCacheHit, Name: "CacheHit", Level: schema.LevelInformational, Keywords: 0x1,
			Params: []schema.Param{{Name: "key", Kind: schema.KindString}}},
		{ID: evForward, Name: "Forward", Level: schema.LevelInformational, Opcode: schema.OpcodeSend,
			Params: []schema.Param{{Name: "upstream", Kind: schema.KindString}}},
		{ID: evDetail, Name: "Detail", Level: schema.LevelVerbose,
			Params: []schema.Param{{Name: "step", Kind: schema.KindInt32}}},
	}
}

// defaultDemoProfile is used when no profile file is given: one sampled
// session in slot 0 that starts tracking on every second request.
func defaultDemoProfile() *config.Profile {
	slot := 0
	p := config.Default()
	p.Sessions = []config.Session{{
		Name:         "demo",
		TraceSession: 1,
		Slot:         &slot,
		Source:       demoSourceName,
		Level:        "verbose",
		Keywords:     "0x1",
		Sampling:     true,
		StartEvents:  "RequestStart:2",
	}}
	return p
}

type demoOptions struct {
	profile  string
	events   int
	listen   bool
	watch    bool
	interval time.Duration
}

func newDemoCommand() *cobra.Command {
	var opts demoOptions
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a demo source under a session profile, writing JSON lines to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDemo(ctx, cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.profile, "profile", "p", "", "session profile (TOML or YAML)")
	cmd.Flags().IntVarP(&opts.events, "events", "n", 10, "number of requests to simulate")
	cmd.Flags().BoolVar(&opts.listen, "listener", false, "also attach an in-process listener with the same sampling")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "re-apply the profile when the file changes")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "delay between simulated requests")
	return cmd
}

func runDemo(ctx context.Context, cmd *cobra.Command, opts demoOptions) error {
	profile := defaultDemoProfile()
	if opts.profile != "" {
		p, err := config.Load(opts.profile)
		if err != nil {
			return err
		}
		profile = p
	}
	level := profile.LogLevel
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = v
	}
	asJSON, _ := cmd.Flags().GetBool("log-json")
	logger := logging.New(logging.Config{Level: level, Output: cmd.ErrOrStderr(), JSON: asJSON, Component: "tracectl"})
	defer func() { _ = logger.Sync() }()

	collector := metrics.NewCollector()
	regOpts := []trace.Option{trace.WithLogger(logger), trace.WithObserver(collector)}
	if profile.MaxTrackedActivities > 0 {
		regOpts = append(regOpts, trace.WithMaxTrackedActivities(profile.MaxTrackedActivities))
	}
	reg := trace.NewRegistry(regOpts...)
	defer reg.Close()
	collector.TrackActivities(reg.TrackedActivities)

	tr := jsonl.New(cmd.OutOrStdout(), jsonl.WithLogger(logger))
	srcOpts := []trace.SourceOption{trace.WithTransport(tr)}
	if profile.Strict {
		srcOpts = append(srcOpts, trace.WithStrictWrites())
	}
	src, err := reg.NewSource(demoSourceName, demoEvents(), srcOpts...)
	if err != nil {
		return err
	}

	var delivered atomic.Int64
	if opts.listen {
		l, err := reg.NewListener(trace.HandlerFunc(func(context.Context, *trace.EventWritten) error {
			delivered.Add(1)
			return nil
		}), trace.WithListenerName("demo-listener"))
		if err != nil {
			return err
		}
		if err := l.EnableEvents(src, schema.LevelVerbose, 0, map[string]string{
			trace.ArgActivitySamplingStartEvent: "RequestStart:2",
		}); err != nil {
			return err
		}
	}

	ctl := controller.New(reg, logger)
	if _, err := ctl.Apply(ctx, profile); err != nil {
		return err
	}
	if opts.watch && opts.profile != "" {
		watchCtx, cancelWatch := context.WithCancel(ctx)
		defer cancelWatch()
		go func() {
			if err := ctl.Watch(watchCtx, opts.profile); err != nil {
				logger.Warn("profile watch stopped", zap.Error(err))
			}
		}()
	}

	if err := simulate(ctx, reg, src, opts); err != nil {
		return err
	}
	tracked := reg.TrackedActivities()
	clearErr := ctl.Clear()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Close(closeCtx); err != nil {
		return err
	}
	printSummary(cmd.ErrOrStderr(), collector.Snapshot(), tr.Stats(), reg.HandlerStats(), delivered.Load(), tracked)
	return clearErr
}

func simulate(ctx context.Context, reg *trace.Registry, src *trace.Source, opts demoOptions) error {
	for i := 0; i < opts.events; i++ {
		if err := ctx.Err(); err != nil {
			return nil
		}
		path := fmt.Sprintf("/items/%d", i)
		rctx := reg.SwitchActivity(ctx, activity.New())

		if err := src.Write(rctx, evRequestStart, path); err != nil {
			return err
		}
		if i%3 == 0 {
			if err := src.Write(rctx, evCacheHit, path); err != nil {
				return err
			}
		}
		upstream := activity.New()
		if err := src.WriteTransfer(rctx, evForward, upstream, "inventory"); err != nil {
			return err
		}
		if err := src.Write(activity.WithID(ctx, upstream), evDetail, int32(i)); err != nil {
			return err
		}
		if err := src.Write(rctx, evRequestStop, path, int32(200)); err != nil {
			return err
		}
		reg.CompleteActivity(upstream)

		if opts.interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(opts.interval):
			}
		}
	}
	return nil
}

func printSummary(w io.Writer, m metrics.Snapshot, t jsonl.Stats, h dispatch.Stats, delivered int64, tracked int) {
	rows := []struct {
		label string
		value any
	}{
		{"events written", m.Written},
		{"lines emitted", t.Written},
		{"transport drops", m.TransportDrops},
		{"listener deliveries", delivered},
		{"listener failures", m.ListenerFailures},
		{"handler runs", h.Executed},
		{"handler panics", h.Panicked},
		{"commands applied", m.Commands},
		{"tracked activities", tracked},
	}
	fmt.Fprintln(w, "--- tracectl demo summary ---")
	for _, r := range rows {
		fmt.Fprintf(w, "%-20s %v\n", r.label+":", r.value)
	}
}
