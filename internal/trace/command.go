package trace

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/tracecore/internal/trace/dispatch"
	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/dshills/tracecore/internal/trace/session"
	"go.uber.org/zap"
)

// Command identifies a control request sent to a source.
type Command int

const (
	// CommandUpdate changes a consumer's filtering. Handlers never see it:
	// it is reported as CommandEnable or CommandDisable.
	CommandUpdate Command = 0

	// CommandSendManifest asks the source to forward its manifest to the transport.
	CommandSendManifest Command = -1

	// CommandEnable is an update that turns events on.
	CommandEnable Command = -2

	// CommandDisable is an update that turns events off.
	CommandDisable Command = -3
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandUpdate:
		return "Update"
	case CommandSendManifest:
		return "SendManifest"
	case CommandEnable:
		return "Enable"
	case CommandDisable:
		return "Disable"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// IsUserDefined reports whether c is reserved for source-specific commands.
func (c Command) IsUserDefined() bool { return c > 0 }

func (c Command) isDirect() bool { return c == CommandSendManifest || c.IsUserDefined() }

// Recognized command argument keys.
const (
	ArgActivitySampling           = "ActivitySampling"
	ArgActivitySamplingStartEvent = "ActivitySamplingStartEvent"
	ArgSessionKeyword             = "SessionKeyword"
)

// CommandArgs is passed to a source's CommandHandler. It is valid only for
// the duration of the call.
type CommandArgs struct {
	Command   Command
	Arguments map[string]string
	Source    *Source

	// Listener is the commanding listener, nil for trace sessions.
	Listener *Listener

	// TraceSession is the commanding trace session id, -1 for listeners.
	TraceSession int

	bits []bool
}

// EnableEvent turns on event id for the commanding consumer. It reports
// false when id is unknown or the command carries no event state.
func (a *CommandArgs) EnableEvent(id int) bool { return a.setEvent(id, true) }

// DisableEvent turns off event id for the commanding consumer.
func (a *CommandArgs) DisableEvent(id int) bool { return a.setEvent(id, false) }

func (a *CommandArgs) setEvent(id int, on bool) bool {
	if a.bits == nil || id < 0 || id >= len(a.bits) {
		return false
	}
	if _, ok := a.Source.table.Lookup(id); !ok {
		return false
	}
	a.bits[id] = on
	return true
}

// CommandHandler is a source's command callback. It runs under the registry
// lock and must not call back into the registry.
type CommandHandler func(args *CommandArgs) error

// commandRequest is one normalized control request.
type commandRequest struct {
	cmd      Command
	enable   bool
	level    schema.Level
	keywords schema.Keywords
	args     map[string]string
}

func (req commandRequest) handlerCommand() Command {
	if req.cmd != CommandUpdate {
		return req.cmd
	}
	if req.enable {
		return CommandEnable
	}
	return CommandDisable
}

// parseCommandArgs extracts the sampling participation flag and the start
// event rules from args. Errors go to report.
func (s *Source) parseCommandArgs(args map[string]string, report func(string)) (bool, []startEvent) {
	spec, hasSpec := args[ArgActivitySamplingStartEvent]
	participate := hasSpec
	if v, ok := args[ArgActivitySampling]; ok {
		participate = !(strings.EqualFold(v, "false") || v == "0")
	}
	var rules []startEvent
	if hasSpec {
		rules = parseStartEvents(s, spec, report)
	}
	return participate, rules
}

// replaceRules swaps every rule of s in f for rules.
func (s *Source) replaceRules(f *ActivityFilter, slot int, rules []startEvent, mk func() *activityMaps) *ActivityFilter {
	f = f.withoutSource(s.guid)
	for _, se := range rules {
		f = f.withRule(newRule(s.guid, slot, se.id, int32(se.freq)), mk)
	}
	return f
}

// runCommandHandler invokes the source's handler through the executor so a
// panic is captured like an error. Callers hold the registry lock.
func (s *Source) runCommandHandler(args *CommandArgs) error {
	if s.cfg.handler == nil {
		return nil
	}
	h := s.cfg.handler
	res := s.reg.exec.Execute(context.Background(), args, dispatch.HandlerFunc(func(_ context.Context, ev any) error {
		return h(ev.(*CommandArgs))
	}))
	if err := res.Err(); err != nil {
		return &CommandError{Source: s.name, Command: args.Command, Err: err}
	}
	return nil
}

func (s *Source) finishCommand(cmd Command, err error) error {
	s.setLastCommandError(err)
	s.reg.cfg.observer.CommandApplied(s.name, cmd)
	if err != nil {
		s.report(fmt.Sprintf("ERROR: Exception in Command Processing for EventSource %s: %v", s.name, err))
		return err
	}
	return nil
}

// command applies req from listener l to source s.
func (r *Registry) command(l *Listener, s *Source, req commandRequest) error {
	r.mu.Lock()
	sendManifest, err := r.commandLocked(l, s, req)
	r.mu.Unlock()

	if sendManifest {
		s.sendManifest()
	}
	s.flushDeferred(context.Background())
	return err
}

func (r *Registry) commandLocked(l *Listener, s *Source, req commandRequest) (bool, error) {
	switch {
	case r.closed:
		return false, ErrRegistryClosed
	case l.closed.Load():
		return false, ErrListenerClosed
	case s.closed.Load():
		return false, ErrSourceClosed
	}
	d := l.dispatcherFor(s)
	if d == nil {
		return false, ErrListenerNotFound
	}

	st := d.state.Load()
	filtering := st.activityFiltering
	var bits []bool
	report := func(msg string) { s.reportTo(l, msg) }

	switch {
	case req.cmd == CommandUpdate && req.enable:
		d.req = request{enabled: true, level: req.level, keywords: req.keywords}
		bits = s.computeBits(d.req)
		var rules []startEvent
		filtering, rules = s.parseCommandArgs(req.args, report)
		l.filter.Store(s.replaceRules(l.filter.Load(), 0, rules, r.newActivityMaps))
	case req.cmd == CommandUpdate:
		d.req = request{}
		bits = make([]bool, s.table.Len())
		filtering = false
		l.filter.Store(l.filter.Load().withoutSource(s.guid))
	default:
		bits = append([]bool(nil), st.bits...)
	}

	args := &CommandArgs{
		Command:      req.handlerCommand(),
		Arguments:    req.args,
		Source:       s,
		Listener:     l,
		TraceSession: -1,
		bits:         bits,
	}
	herr := s.runCommandHandler(args)

	d.publish(args.bits, filtering)
	s.republish()

	if req.cmd == CommandUpdate && req.enable {
		s.reportSamplingInfo(l, session.None, 0, l.filter.Load(), filtering)
	}

	r.cfg.logger.Debug("command applied",
		zap.String("source", s.name),
		zap.Stringer("target", l),
		zap.Stringer("command", args.Command),
		zap.Bool("enable", req.enable),
		zap.Stringer("level", req.level),
		zap.Uint64("keywords", uint64(req.keywords)),
		zap.Bool("sampling", filtering),
	)
	return req.cmd == CommandSendManifest, s.finishCommand(args.Command, herr)
}

// SendCommand sends cmd to the source on behalf of every trace session.
// Only CommandSendManifest and user-defined commands are accepted.
func (s *Source) SendCommand(cmd Command, args map[string]string) error {
	if !cmd.isDirect() {
		return ErrInvalidCommand
	}
	r := s.reg
	r.mu.Lock()
	if s.closed.Load() {
		r.mu.Unlock()
		return ErrSourceClosed
	}
	herr := s.runCommandHandler(&CommandArgs{
		Command:      cmd,
		Arguments:    args,
		Source:       s,
		TraceSession: -1,
	})
	err := s.finishCommand(cmd, herr)
	r.cfg.logger.Debug("command applied",
		zap.String("source", s.name),
		zap.Stringer("command", cmd),
	)
	r.mu.Unlock()

	if cmd == CommandSendManifest {
		s.sendManifest()
	}
	s.flushDeferred(context.Background())
	return err
}

// EnableSession enables the source for an out-of-process trace session.
// The session's slot is taken from the SessionKeyword argument (44..47);
// sessions without a usable slot share the legacy bucket.
func (s *Source) EnableSession(traceID int, level schema.Level, kw schema.Keywords, args map[string]string) error {
	return s.sessionCommand(traceID, commandRequest{
		cmd:      CommandUpdate,
		enable:   true,
		level:    level,
		keywords: kw,
		args:     args,
	})
}

// DisableSession disables the source for a trace session.
func (s *Source) DisableSession(traceID int) error {
	return s.sessionCommand(traceID, commandRequest{cmd: CommandUpdate})
}

// DisableAllSessions disables every trace session enabled on the source.
func (s *Source) DisableAllSessions() error {
	var err error
	for _, si := range s.Sessions() {
		if e := s.DisableSession(si.TraceSession); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (s *Source) sessionCommand(traceID int, req commandRequest) error {
	r := s.reg
	r.mu.Lock()
	sendManifest, err := s.sessionCommandLocked(traceID, req)
	r.mu.Unlock()

	if sendManifest {
		s.sendManifest()
	}
	s.flushDeferred(context.Background())
	return err
}

func (s *Source) sessionCommandLocked(traceID int, req commandRequest) (bool, error) {
	r := s.reg
	switch {
	case r.closed:
		return false, ErrRegistryClosed
	case s.closed.Load():
		return false, ErrSourceClosed
	case s.cfg.transport == nil:
		return false, ErrNoTransport
	case traceID < 0:
		return false, ErrInvalidSession
	}

	tbl := s.sessions.Load().clone()
	slot, legacy := tbl.find(traceID)

	var ts *traceSession
	switch {
	case slot >= 0:
		ts = tbl.slots[slot].session
	case legacy >= 0:
		ts = tbl.legacy[legacy].session
	case !req.enable:
		return false, ErrSessionNotFound
	default:
		ts = r.acquireSessionLocked(traceID)
		slot = s.pickSlotLocked(tbl, req.args)
	}

	sl := &sessionSlot{session: ts}
	if req.enable {
		sl.req = request{enabled: true, level: req.level, keywords: req.keywords}
		sl.bits = s.computeBits(sl.req)
		var rules []startEvent
		sl.filtering, rules = s.parseCommandArgs(req.args, s.report)
		ts.filter.Store(s.replaceRules(ts.filter.Load(), slot, rules, r.newActivityMaps))
	} else {
		sl.bits = make([]bool, s.table.Len())
		ts.filter.Store(ts.filter.Load().withoutSource(s.guid))
	}

	args := &CommandArgs{
		Command:      req.handlerCommand(),
		Arguments:    req.args,
		Source:       s,
		TraceSession: traceID,
		bits:         sl.bits,
	}
	herr := s.runCommandHandler(args)
	sl.bits = args.bits

	switch {
	case !req.enable && slot >= 0:
		tbl.slots[slot] = nil
	case !req.enable:
		tbl.legacy = append(tbl.legacy[:legacy], tbl.legacy[legacy+1:]...)
	case slot >= 0:
		tbl.slots[slot] = sl
	case legacy >= 0:
		tbl.legacy[legacy] = sl
	default:
		tbl.legacy = append(tbl.legacy, sl)
	}
	tbl.recomputeMasks()
	s.sessions.Store(tbl)
	s.republish()

	if req.enable {
		mask := session.All
		if slot >= 0 {
			mask = session.MustFromID(slot)
		}
		s.reportSamplingInfo(nil, mask, max(slot, 0), ts.filter.Load(), sl.filtering)
	} else {
		r.releaseSessionLocked(ts)
	}

	r.cfg.logger.Debug("command applied",
		zap.String("source", s.name),
		zap.Int("trace_session", traceID),
		zap.Int("slot", slot),
		zap.Stringer("command", args.Command),
		zap.Bool("enable", req.enable),
		zap.Stringer("level", req.level),
		zap.Uint64("keywords", uint64(req.keywords)),
		zap.Stringer("live", tbl.live),
		zap.Stringer("sampling", tbl.filtering),
	)
	return req.enable, s.finishCommand(args.Command, herr)
}

// pickSlotLocked resolves the SessionKeyword argument to a free slot, or -1.
func (s *Source) pickSlotLocked(tbl *sessionTable, args map[string]string) int {
	v, ok := args[ArgSessionKeyword]
	if !ok {
		return -1
	}
	bit, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || bit < session.Shift || bit >= session.Shift+session.Max {
		s.report("ERROR: Invalid SessionKeyword specification: " + v)
		return -1
	}
	slot := bit - session.Shift
	if tbl.slots[slot] != nil {
		s.report(fmt.Sprintf("ERROR: Session %d is already in use", slot))
		return -1
	}
	return slot
}

// sendManifest forwards the manifest when the transport accepts manifests.
func (s *Source) sendManifest() {
	mw, ok := s.cfg.transport.(ManifestWriter)
	if !ok {
		return
	}
	if err := mw.WriteManifest(s.guid, s.name, s.manifest); err != nil {
		s.reg.cfg.logger.Warn("manifest write failed",
			zap.String("source", s.name),
			zap.Error(err),
		)
	}
}
