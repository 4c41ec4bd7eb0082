package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/pkg/cache"
	"github.com/European-XFEL/Karabo-sub011/schema"
)

// schemaTTL bounds how long set trusts a fetched device schema.
const schemaTTL = 30 * time.Second

// errExit ends the command loop.
var errExit = errors.New("exit")

// Requester sends a request to a remote slot and waits for the reply.
type Requester interface {
	Request(ctx context.Context, target, slot string, args ...any) ([]any, error)
}

// Topology lists the online instances of a type.
type Topology interface {
	Instances(typ string) []string
}

type command struct {
	name  string
	usage string
	help  string
	// minArgs is the number of required arguments; the last argument of
	// commands with rest set swallows the remainder of the line.
	minArgs int
	rest    bool
	run     func(sh *Shell, ctx context.Context, args []string) error
}

var commands = []command{
	{name: "topology", usage: "topology [server|device|client|macro]", help: "List online instances",
		run: (*Shell).topology},
	{name: "ping", usage: "ping <instanceId>", help: "Ping an instance and print the round trip",
		minArgs: 1, run: (*Shell).ping},
	{name: "get", usage: "get <instanceId> [key]", help: "Print the configuration or one property",
		minArgs: 1, run: (*Shell).get},
	{name: "set", usage: "set <deviceId> <key> <value>", help: "Reconfigure one property",
		minArgs: 3, rest: true, run: (*Shell).set},
	{name: "execute", usage: "execute <deviceId> <command>", help: "Call a device command",
		minArgs: 2, run: (*Shell).execute},
	{name: "schema", usage: "schema <deviceId> [-state]", help: "List the properties of a device",
		minArgs: 1, run: (*Shell).schema},
	{name: "kill", usage: "kill <instanceId>", help: "Shut down a device or a server",
		minArgs: 1, run: (*Shell).kill},
	{name: "help", usage: "help", help: "Show this help"},
	{name: "exit", usage: "exit", help: "Leave the shell"},
}

func lookup(name string) (command, bool) {
	if name == "quit" {
		name = "exit"
	}
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// Shell executes ikarabo command lines against a broker session.
type Shell struct {
	req     Requester
	topo    Topology
	out     io.Writer
	timeout time.Duration
	now     func() time.Time
	schemas *cache.TTL[*schema.Schema]
}

// NewShell creates a shell writing to out. Requests without a deadline
// wait at most timeout.
func NewShell(req Requester, topo Topology, out io.Writer, timeout time.Duration) *Shell {
	// NewTTL only fails for a non-positive ttl.
	schemas, _ := cache.NewTTL[*schema.Schema](schemaTTL)
	return &Shell{req: req, topo: topo, out: out, timeout: timeout, now: time.Now, schemas: schemas}
}

// Execute runs one command line. It returns errExit for exit.
func (sh *Shell) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	name, tail, _ := strings.Cut(line, " ")
	cmd, ok := lookup(strings.ToLower(name))
	if !ok {
		return fmt.Errorf("unknown command %q (type 'help' for commands)", name)
	}
	args := splitArgs(tail, cmd.minArgs, cmd.rest)
	if len(args) < cmd.minArgs {
		return fmt.Errorf("usage: %s", cmd.usage)
	}
	switch cmd.name {
	case "help":
		return sh.help()
	case "exit":
		return errExit
	}
	return cmd.run(sh, ctx, args)
}

// splitArgs splits on white space. With rest set, argument n keeps the
// remainder of the line verbatim.
func splitArgs(s string, n int, rest bool) []string {
	if !rest || n == 0 {
		return strings.Fields(s)
	}
	var out []string
	s = strings.TrimLeft(s, " \t")
	for len(out) < n-1 && s != "" {
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			out = append(out, s)
			return out
		}
		out = append(out, s[:i])
		s = strings.TrimLeft(s[i:], " \t")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func (sh *Shell) request(ctx context.Context, target, slot string, args ...any) ([]any, error) {
	if _, ok := ctx.Deadline(); !ok && sh.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sh.timeout)
		defer cancel()
	}
	return sh.req.Request(ctx, target, slot, args...)
}

func (sh *Shell) topology(_ context.Context, args []string) error {
	if len(args) > 0 {
		for _, id := range sh.topo.Instances(args[0]) {
			fmt.Fprintln(sh.out, id)
		}
		return nil
	}
	tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tINSTANCE")
	for _, typ := range []string{"server", "device", "client", "macro"} {
		for _, id := range sh.topo.Instances(typ) {
			fmt.Fprintf(tw, "%s\t%s\n", typ, id)
		}
	}
	return tw.Flush()
}

func (sh *Shell) ping(ctx context.Context, args []string) error {
	start := sh.now()
	reply, err := sh.request(ctx, args[0], "slotPing", args[0], int32(0))
	if err != nil {
		return fmt.Errorf("ping %s: %w", args[0], err)
	}
	rtt := sh.now().Sub(start)
	if len(reply) > 0 {
		if info, ok := reply[0].(*hash.Hash); ok {
			typ, _ := info.GetString("type")
			fmt.Fprintf(sh.out, "%s (%s) answered in %s\n", args[0], typ, rtt.Round(time.Microsecond))
			return nil
		}
	}
	fmt.Fprintf(sh.out, "%s answered in %s\n", args[0], rtt.Round(time.Microsecond))
	return nil
}

func (sh *Shell) configuration(ctx context.Context, id string) (*hash.Hash, error) {
	reply, err := sh.request(ctx, id, "slotGetConfiguration")
	if err != nil {
		return nil, fmt.Errorf("get configuration of %s: %w", id, err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("%s sent an empty configuration reply", id)
	}
	cfg, ok := reply[0].(*hash.Hash)
	if !ok {
		return nil, fmt.Errorf("%s sent a %T instead of a configuration", id, reply[0])
	}
	return cfg, nil
}

func (sh *Shell) get(ctx context.Context, args []string) error {
	cfg, err := sh.configuration(ctx, args[0])
	if err != nil {
		return err
	}
	if len(args) == 1 {
		fmt.Fprint(sh.out, cfg.String())
		return nil
	}
	v, err := cfg.Get(args[1])
	if err != nil {
		return fmt.Errorf("%s has no property %q", args[0], args[1])
	}
	sh.printValue(v)
	return nil
}

func (sh *Shell) printValue(v any) {
	switch x := v.(type) {
	case *hash.Hash:
		fmt.Fprint(sh.out, x.String())
	case []*hash.Hash:
		for i, row := range x {
			fmt.Fprintf(sh.out, "[%d]\n%s", i, row.String())
		}
	default:
		fmt.Fprintf(sh.out, "%v\n", v)
	}
}

func (sh *Shell) deviceSchema(ctx context.Context, id string, onlyCurrentState bool) (*schema.Schema, error) {
	reply, err := sh.request(ctx, id, "slotGetSchema", onlyCurrentState)
	if err != nil {
		return nil, fmt.Errorf("get schema of %s: %w", id, err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("%s sent an empty schema reply", id)
	}
	ws, ok := reply[0].(*hash.Schema)
	if !ok {
		return nil, fmt.Errorf("%s sent a %T instead of a schema", id, reply[0])
	}
	s := schema.FromWire(ws)
	if !onlyCurrentState {
		_, _ = sh.schemas.Set(id, s)
	}
	return s, nil
}

func (sh *Shell) cachedSchema(ctx context.Context, id string) (*schema.Schema, error) {
	if s, ok := sh.schemas.Get(id); ok {
		return s, nil
	}
	return sh.deviceSchema(ctx, id, false)
}

// set converts the text to the type the device schema declares for key.
func (sh *Shell) set(ctx context.Context, args []string) error {
	id, key, text := args[0], args[1], args[2]
	s, err := sh.cachedSchema(ctx, id)
	if err != nil {
		return err
	}
	if !s.Has(key) {
		return fmt.Errorf("%s has no property %q", id, key)
	}
	typ, err := s.ValueType(key)
	if err != nil {
		return fmt.Errorf("%s is not a property: %w", key, err)
	}
	v, err := hash.FromString(strings.Trim(text, `"`), typ)
	if err != nil {
		return err
	}
	if _, err := sh.request(ctx, id, "slotReconfigure", hash.New(key, v)); err != nil {
		sh.schemas.Delete(id)
		return fmt.Errorf("set %s.%s: %w", id, key, err)
	}
	fmt.Fprintf(sh.out, "%s.%s = %v\n", id, key, v)
	return nil
}

func (sh *Shell) execute(ctx context.Context, args []string) error {
	reply, err := sh.request(ctx, args[0], "slotExecute", args[1])
	if err != nil {
		return fmt.Errorf("execute %s.%s: %w", args[0], args[1], err)
	}
	for _, v := range reply {
		sh.printValue(v)
	}
	fmt.Fprintf(sh.out, "%s.%s done\n", args[0], args[1])
	return nil
}

func (sh *Shell) schema(ctx context.Context, args []string) error {
	only := len(args) > 1 && args[1] == "-state"
	s, err := sh.deviceSchema(ctx, args[0], only)
	if err != nil {
		return err
	}
	paths := s.Paths()
	sort.Strings(paths)
	tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tTYPE")
	for _, p := range paths {
		typ := "SLOT"
		if t, err := s.ValueType(p); err == nil {
			typ = t.String()
		}
		fmt.Fprintf(tw, "%s\t%s\n", p, typ)
	}
	return tw.Flush()
}

// kill shuts a server down with slotKillServer and anything else with
// slotKillDevice.
func (sh *Shell) kill(ctx context.Context, args []string) error {
	id := args[0]
	slot := "slotKillDevice"
	for _, s := range sh.topo.Instances("server") {
		if s == id {
			slot = "slotKillServer"
			break
		}
	}
	if _, err := sh.request(ctx, id, slot); err != nil {
		return fmt.Errorf("kill %s: %w", id, err)
	}
	sh.schemas.Delete(id)
	fmt.Fprintf(sh.out, "%s shutting down\n", id)
	return nil
}

func (sh *Shell) help() error {
	tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.usage, c.help)
	}
	return tw.Flush()
}

// complete offers command names first and instance ids after.
func (sh *Shell) complete(line string) []string {
	fields := strings.Fields(line)
	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(line, " ")) {
		var out []string
		for _, c := range commands {
			out = append(out, c.name)
		}
		return out
	}
	var ids []string
	for _, typ := range []string{"device", "server"} {
		ids = append(ids, sh.topo.Instances(typ)...)
	}
	return ids
}
