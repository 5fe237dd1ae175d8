// handly is an interactive CLI for poking at a handle registry.
//
// Usage:
//
//	handly [flags]
//
// Flags:
//
//	-c, --config    Config file path (default: ~/.config/handly/config.json)
//	-g, --group     Group id for new handles (default: 10)
//	-d, --debug     Record allocation and checkout sites
//	-j, --journal   Session journal path (default: no journal)
//
// Commands (in REPL):
//
//	alloc <type-index> [label]     Allocate a handle (not ready)
//	adopt <type-index> [label]     Adopt a caller-managed payload
//	ready <handle>                 Mark a handle ready
//	get <handle>                   Check the payload out
//	put <handle>                   Return the newest checkout
//	notready <handle>              Latch teardown and drain references
//	destroy <handle>               Destroy a handle
//	parent <child> <parent>        Associate child with parent
//	parent-of <child>              Show a child's parent
//	ls                             Enumerate all ready handles
//	ls-type <type-index>           Enumerate ready handles of one type
//	children <handle>              Enumerate children of a handle
//	count <type-index>             Count allocated slots of a type
//	refcount <handle>              Show a handle's checkout count
//	describe <handle>              Render a handle's description
//	report <file>                  Write a live-handle report
//	stress <count>                 Run alloc/get/put/destroy loops
//	help                           Show this help
//	exit / quit / q                Exit
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/handle-registry/pkg/handles"
)

// config holds the options read from the config file; flags override it.
type config struct {
	Group          uint16 `json:"group"`
	Debug          bool   `json:"debug"`
	Journal        string `json:"journal,omitempty"`
	NotReadyWaitMS int    `json:"not_ready_wait_ms,omitempty"` //nolint:tagliatelle // snake_case for config file
}

func defaultConfig() config {
	return config{Group: handles.UserGroupStart}
}

// defaultConfigPath returns $XDG_CONFIG_HOME/handly/config.json when
// XDG_CONFIG_HOME is set, else ~/.config/handly/config.json, or empty if
// the home directory cannot be determined.
func defaultConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "handly", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "handly", "config.json")
	}

	return ""
}

// loadConfig reads a JSONC config file. A missing file at the default
// location is not an error.
func loadConfig(path string, required bool) (config, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return cfg, fmt.Errorf("reading config: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return cfg, fmt.Errorf("invalid JSONC: %w", err)
	}

	unmarshalErr := json.Unmarshal(standardized, &cfg)
	if unmarshalErr != nil {
		return cfg, fmt.Errorf("invalid JSON: %w", unmarshalErr)
	}

	return cfg, nil
}

// journal is an append-only log of the session's commands, guarded by an
// advisory lock so two handly instances cannot interleave writes.
type journal struct {
	file *os.File
}

func openJournal(path string) (*journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	flockErr := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if flockErr != nil {
		_ = file.Close()

		if errors.Is(flockErr, unix.EWOULDBLOCK) || errors.Is(flockErr, unix.EAGAIN) {
			return nil, fmt.Errorf("journal %s is owned by another handly instance", path)
		}

		return nil, fmt.Errorf("flock journal: %w", flockErr)
	}

	return &journal{file: file}, nil
}

func (j *journal) log(line string) {
	if j == nil {
		return
	}

	fmt.Fprintf(j.file, "%s %s\n", time.Now().Format(time.RFC3339), line)
}

func (j *journal) close() {
	if j == nil {
		return
	}

	_ = unix.Flock(int(j.file.Fd()), unix.LOCK_UN)
	_ = j.file.Close()
}

// payload is the demo payload handly allocates.
type payload struct {
	handles.Base

	label string
}

func describePayload(data handles.Instance) string {
	p, ok := data.(*payload)
	if !ok || p.label == "" {
		return "unlabeled"
	}

	return p.label
}

// repl drives the registry from stdin.
type repl struct {
	reg     *handles.Registry
	group   uint16
	journal *journal
	liner   *liner.State

	// checkouts stacks the live checkouts per handle so put can return
	// the newest one.
	checkouts map[handles.Handle][]handles.Instance
}

var replCommands = []string{
	"alloc", "adopt", "ready", "get", "put", "notready", "destroy",
	"parent", "parent-of", "ls", "ls-type", "children", "count",
	"refcount", "describe", "report", "stress", "help", "exit", "quit",
}

func (r *repl) completer(line string) []string {
	var out []string

	for _, cmd := range replCommands {
		if strings.HasPrefix(cmd, strings.ToLower(line)) {
			out = append(out, cmd)
		}
	}

	return out
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	fmt.Printf("handly - handle registry CLI (group=%d)\n", r.group)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("handly> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)
		r.journal.log(line)

		fields := strings.Fields(line)

		if fields[0] == "exit" || fields[0] == "quit" || fields[0] == "q" {
			return nil
		}

		cmdErr := r.dispatch(fields[0], fields[1:])
		if cmdErr != nil {
			fmt.Printf("error: %v\n", cmdErr)
		}
	}
}

func (r *repl) dispatch(cmd string, args []string) error {
	switch cmd {
	case "alloc":
		return r.cmdAlloc(args, false)
	case "adopt":
		return r.cmdAlloc(args, true)
	case "ready":
		return r.withHandle(args, func(h handles.Handle) error {
			return r.reg.SetReady(h)
		})
	case "get":
		return r.cmdGet(args)
	case "put":
		return r.cmdPut(args)
	case "notready":
		return r.cmdNotReady(args)
	case "destroy":
		return r.cmdDestroy(args)
	case "parent":
		return r.cmdParent(args)
	case "parent-of":
		return r.cmdParentOf(args)
	case "ls":
		return r.cmdList(args)
	case "ls-type":
		return r.cmdListType(args)
	case "children":
		return r.cmdChildren(args)
	case "count":
		return r.cmdCount(args)
	case "refcount":
		return r.cmdRefcount(args)
	case "describe":
		return r.withHandle(args, func(h handles.Handle) error {
			fmt.Println(r.reg.Describe(h))
			return nil
		})
	case "report":
		return r.cmdReport(args)
	case "stress":
		return r.cmdStress(args)
	case "help":
		fmt.Println(strings.Join(replCommands, " "))
		return nil
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func parseHandle(arg string) (handles.Handle, error) {
	value, err := strconv.ParseUint(arg, 16, 64)
	if err != nil {
		return handles.NullHandle, fmt.Errorf("invalid handle %q: %w", arg, err)
	}

	return handles.Handle(value), nil
}

func (r *repl) withHandle(args []string, fn func(handles.Handle) error) error {
	if len(args) < 1 {
		return errors.New("missing handle argument")
	}

	h, err := parseHandle(args[0])
	if err != nil {
		return err
	}

	return fn(h)
}

func (r *repl) typeArg(args []string) (handles.Type, error) {
	if len(args) < 1 {
		return 0, errors.New("missing type-index argument")
	}

	index, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid type index %q: %w", args[0], err)
	}

	return handles.MakeType(r.group, uint16(index)), nil
}

func (r *repl) cmdAlloc(args []string, adopt bool) error {
	typ, err := r.typeArg(args)
	if err != nil {
		return err
	}

	label := ""
	if len(args) > 1 {
		label = strings.Join(args[1:], " ")
	}

	deinit := func(data handles.Instance) {
		fmt.Printf("deinit: %s\n", describePayload(data))
	}

	var h handles.Handle

	if adopt {
		h, err = r.reg.Adopt(typ, &payload{label: label}, describePayload, deinit)
	} else {
		var data handles.Instance

		data, h, err = r.reg.Alloc(typ, func() handles.Instance {
			return &payload{}
		}, describePayload, deinit)

		if err == nil {
			data.(*payload).label = label
		}
	}

	if err != nil {
		return err
	}

	fmt.Printf("allocated %s (not ready)\n", h)

	return nil
}

func (r *repl) cmdGet(args []string) error {
	return r.withHandle(args, func(h handles.Handle) error {
		data, err := r.reg.Get(0, h)
		if err != nil {
			return err
		}

		r.checkouts[h] = append(r.checkouts[h], data)

		fmt.Printf("checked out %s (%s)\n", h, describePayload(data))

		return nil
	})
}

func (r *repl) cmdPut(args []string) error {
	return r.withHandle(args, func(h handles.Handle) error {
		stack := r.checkouts[h]
		if len(stack) == 0 {
			return fmt.Errorf("no outstanding checkout for %s", h)
		}

		data := stack[len(stack)-1]
		r.checkouts[h] = stack[:len(stack)-1]

		return r.reg.Put(0, data)
	})
}

func (r *repl) cmdNotReady(args []string) error {
	return r.withHandle(args, func(h handles.Handle) error {
		_, err := r.reg.SetNotReady(0, h)
		if err != nil {
			return err
		}

		fmt.Printf("%s is not ready; references drained\n", h)

		return nil
	})
}

func (r *repl) cmdDestroy(args []string) error {
	return r.withHandle(args, func(h handles.Handle) error {
		err := r.reg.Destroy(&h)
		if err != nil {
			return err
		}

		fmt.Println("destroyed")

		return nil
	})
}

func (r *repl) cmdParent(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: parent <child> <parent>")
	}

	child, err := parseHandle(args[0])
	if err != nil {
		return err
	}

	parent, err := parseHandle(args[1])
	if err != nil {
		return err
	}

	return r.reg.SetParent(child, parent)
}

func (r *repl) cmdParentOf(args []string) error {
	return r.withHandle(args, func(h handles.Handle) error {
		parent, err := r.reg.Parent(h)
		if err != nil {
			return err
		}

		if parent.IsNull() {
			fmt.Println("no parent")
		} else {
			fmt.Println(parent)
		}

		return nil
	})
}

func (r *repl) cmdList(_ []string) error {
	total := 0
	cursor := handles.NullHandle

	for {
		next, err := r.reg.Enum(cursor)
		if err != nil {
			break
		}

		cursor = next
		total++

		fmt.Printf("%s type=%s refs=%s\n", next, next.Type(), refcountString(r.reg, next))
	}

	fmt.Printf("%d ready handles\n", total)

	return nil
}

func (r *repl) cmdListType(args []string) error {
	typ, err := r.typeArg(args)
	if err != nil {
		return err
	}

	total := 0
	cursor := handles.NullHandle

	for {
		next, enumErr := r.reg.EnumType(typ, cursor)
		if enumErr != nil {
			break
		}

		cursor = next
		total++

		fmt.Println(next)
	}

	fmt.Printf("%d ready handles of type %s\n", total, typ)

	return nil
}

func (r *repl) cmdChildren(args []string) error {
	return r.withHandle(args, func(h handles.Handle) error {
		total := 0
		cursor := handles.NullHandle

		for {
			next, err := r.reg.EnumChildren(h, cursor)
			if err != nil {
				break
			}

			cursor = next
			total++

			fmt.Println(next)
		}

		fmt.Printf("%d children\n", total)

		return nil
	})
}

func (r *repl) cmdCount(args []string) error {
	typ, err := r.typeArg(args)
	if err != nil {
		return err
	}

	fmt.Println(r.reg.Count(typ))

	return nil
}

func (r *repl) cmdRefcount(args []string) error {
	return r.withHandle(args, func(h handles.Handle) error {
		refcount, err := r.reg.Refcount(h)
		if err != nil {
			return err
		}

		fmt.Println(refcount)

		return nil
	})
}

func refcountString(reg *handles.Registry, h handles.Handle) string {
	refcount, err := reg.Refcount(h)
	if err != nil {
		return "?"
	}

	return strconv.FormatUint(uint64(refcount), 10)
}

func (r *repl) cmdReport(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: report <file>")
	}

	err := r.reg.WriteReport(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", args[0])

	return nil
}

func (r *repl) cmdStress(args []string) error {
	count := 1000

	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid count %q", args[0])
		}

		count = parsed
	}

	typ := handles.MakeType(r.group, 0xFFFF)
	start := time.Now()

	const workers = 4

	var wg sync.WaitGroup

	errs := make([]error, workers)

	for worker := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range count {
				_, h, err := r.reg.Alloc(typ, func() handles.Instance {
					return &payload{}
				}, nil, func(handles.Instance) {})
				if err != nil {
					errs[worker] = err
					return
				}

				if err := r.reg.SetReady(h); err != nil {
					errs[worker] = err
					return
				}

				data, err := r.reg.Get(typ, h)
				if err != nil {
					errs[worker] = err
					return
				}

				if err := r.reg.Put(typ, data); err != nil {
					errs[worker] = err
					return
				}

				if err := r.reg.Destroy(&h); err != nil {
					errs[worker] = err
					return
				}
			}
		}()
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	elapsed := time.Since(start)
	total := workers * count

	fmt.Printf("%d lifecycles in %v (%.0f/s)\n", total, elapsed, float64(total)/elapsed.Seconds())

	return nil
}

func run() error {
	var (
		configPath  string
		journalPath string
		group       uint16
		debug       bool
	)

	pflag.StringVarP(&configPath, "config", "c", "", "config file path")
	pflag.StringVarP(&journalPath, "journal", "j", "", "session journal path")
	pflag.Uint16VarP(&group, "group", "g", 0, "group id for new handles")
	pflag.BoolVarP(&debug, "debug", "d", false, "record allocation and checkout sites")
	pflag.Parse()

	required := configPath != ""
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	cfg, err := loadConfig(configPath, required)
	if err != nil {
		return err
	}

	if group != 0 {
		cfg.Group = group
	}

	if debug {
		cfg.Debug = true
	}

	if journalPath != "" {
		cfg.Journal = journalPath
	}

	if cfg.Group >= handles.MaxGroups {
		return fmt.Errorf("group %d out of range [0, %d)", cfg.Group, handles.MaxGroups)
	}

	var sessionJournal *journal

	if cfg.Journal != "" {
		sessionJournal, err = openJournal(cfg.Journal)
		if err != nil {
			return err
		}

		defer sessionJournal.close()
	}

	opts := handles.Options{Debug: cfg.Debug}
	if cfg.NotReadyWaitMS > 0 {
		opts.NotReadyWait = time.Duration(cfg.NotReadyWaitMS) * time.Millisecond
	}

	reg := handles.New(opts)

	initErr := reg.Init()
	if initErr != nil {
		return initErr
	}

	defer reg.Shutdown()

	r := &repl{
		reg:       reg,
		group:     cfg.Group,
		journal:   sessionJournal,
		checkouts: map[handles.Handle][]handles.Instance{},
	}

	return r.run()
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "handly: %v\n", err)
		os.Exit(1)
	}
}
