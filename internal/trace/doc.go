// Package trace provides the event dispatch, session filtering and activity
// sampling core of tracecore.
//
// A Registry owns sources and listeners. A Source emits typed events
// declared up front with schema.EventDecl. A Listener is an in-process
// consumer; every listener is attached to every source of its registry and
// chooses per source which events it wants. Out-of-process consumers are
// trace sessions: they reach a source through its Transport and share it via
// four session slots packed into reserved keyword bits.
//
// # Architecture
//
//	                 ┌──────────────────────────────────────┐
//	                 │               Registry               │
//	                 │  - one control-plane lock            │
//	                 │  - sources, listeners, trace sessions│
//	                 └──────────────────────────────────────┘
//	                                   │
//	         ┌─────────────────────────┼─────────────────────────┐
//	         ▼                         ▼                         ▼
//	┌─────────────────┐      ┌──────────────────┐      ┌──────────────────┐
//	│     Source      │      │    Dispatcher    │      │  ActivityFilter  │
//	│  - gate         │─────▶│  - per-event bits│─────▶│  - trigger rules │
//	│  - event meta   │      │  - per listener  │      │  - active maps   │
//	│  - session slots│      └──────────────────┘      └──────────────────┘
//	└─────────────────┘
//	         │
//	         ▼
//	┌─────────────────┐
//	│    Transport    │
//	│  Emit(desc,     │
//	│   mask, bytes)  │
//	└─────────────────┘
//
// # Control Plane and Data Plane
//
// Commands (EnableEvents, DisableEvents, EnableSession, DisableSession,
// SendCommand) run under the registry lock. They compute fresh bit arrays,
// publish them, then publish the per-event metadata and finally the gate.
// Writes never lock: they read those snapshots through atomic pointers and
// observe either the old or the new configuration.
//
// The gate is the union of every request: the most verbose level and the
// widest keyword mask, where LogAlways and an empty mask mean "everything".
// It is recomputed from scratch on each change.
//
// # Activity Sampling
//
// A consumer enabled with ActivitySamplingStartEvent="Name:N" traces only
// the work correlated with every Nth firing of that event. The Nth firing
// marks the current activity as a sampled root; the next firing of the same
// event under that root stops it. Send events carried under an active
// activity activate their related activity too, so sampling follows work
// across hand-offs. Each filter bounds its active set and evicts the oldest
// entries first.
//
// Activities travel in context.Context:
//
//	ctx = reg.SwitchActivity(ctx, activity.New())
//	_ = src.Write(ctx, eventRequestStart, "GET /")
//
// # Errors
//
// Configuration mistakes (bad sampling rules, bad session keywords) are
// reported out-of-band as the EventSourceMessage event and never fail a
// write. Transport failures surface as *WriteError on strict sources only.
// Listener failures are isolated: every enabled listener runs, then one
// *DeliveryError aggregating the *ListenerError values is returned.
//
// # Basic Usage
//
//	reg := trace.NewRegistry(trace.WithLogger(logger))
//	src, err := reg.NewSource("MyCompany-Web", []schema.EventDecl{
//	    {ID: 1, Name: "RequestStart", Level: schema.LevelInformational,
//	        Params: []schema.Param{{Name: "path", Kind: schema.KindString}}},
//	})
//	if err != nil {
//	    return err
//	}
//
//	l, _ := reg.NewListener(trace.HandlerFunc(func(ctx context.Context, e *trace.EventWritten) error {
//	    fmt.Println(e.EventName, e.Payload)
//	    return nil
//	}))
//	defer l.Close()
//
//	_ = l.EnableEvents(src, schema.LevelInformational, 0, nil)
//	_ = src.Write(ctx, 1, "/index.html")
package trace
