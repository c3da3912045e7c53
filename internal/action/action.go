// Package action defines the closed set of actions the core can perform.
// Every request is parsed into one of the concrete types below before
// policy evaluation; the executor switches over them exhaustively.
package action

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ppiankov/kalpana/internal/model"
)

// Kind is the wire identifier of an action.
type Kind string

const (
	KindReadFile       Kind = "read_file"
	KindListDir        Kind = "list_dir"
	KindWriteFile      Kind = "write_file"
	KindDeleteFile     Kind = "delete_file"
	KindMoveFile       Kind = "move_file"
	KindStartProcess   Kind = "start_process"
	KindKillProcess    Kind = "kill_process"
	KindRunCommand     Kind = "run_command"
	KindControlService Kind = "control_service"
	KindRestartNetwork Kind = "restart_network"
	KindStatus         Kind = "status"
	KindExplainLast    Kind = "explain_last"
	KindQueryAudit     Kind = "query_audit"
)

var allKinds = []Kind{
	KindReadFile, KindListDir, KindWriteFile, KindDeleteFile, KindMoveFile,
	KindStartProcess, KindKillProcess, KindRunCommand,
	KindControlService, KindRestartNetwork,
	KindStatus, KindExplainLast, KindQueryAudit,
}

// Kinds returns every known action kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind reports whether s names a known action.
func ParseKind(s string) (Kind, bool) {
	for _, k := range allKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Action is a structurally valid request payload.
type Action interface {
	Kind() Kind
	// Summary is a one-line description recorded in the audit log.
	Summary() string
	// SideEffects reports whether the action mutates system state.
	SideEffects() bool
	sealed()
}

type ReadFile struct {
	Path string
}

type ListDir struct {
	Path string
}

type WriteFile struct {
	Path    string
	Content string
	Mode    uint32
	Append  bool
}

type DeleteFile struct {
	Path      string
	Recursive bool
}

type MoveFile struct {
	Path string
	Dest string
}

type StartProcess struct {
	Command string
	Args    []string
	Dir     string
}

// KillProcess targets either a pid or a process name, never both.
type KillProcess struct {
	PID    int
	Name   string
	Signal string
}

type RunCommand struct {
	Command string
	Args    []string
	Dir     string
}

type ControlService struct {
	Unit      string
	Operation string
}

type RestartNetwork struct{}

type Status struct{}

type ExplainLast struct{}

type QueryAudit struct {
	Limit int
}

func (ReadFile) Kind() Kind       { return KindReadFile }
func (ListDir) Kind() Kind        { return KindListDir }
func (WriteFile) Kind() Kind      { return KindWriteFile }
func (DeleteFile) Kind() Kind     { return KindDeleteFile }
func (MoveFile) Kind() Kind       { return KindMoveFile }
func (StartProcess) Kind() Kind   { return KindStartProcess }
func (KillProcess) Kind() Kind    { return KindKillProcess }
func (RunCommand) Kind() Kind     { return KindRunCommand }
func (ControlService) Kind() Kind { return KindControlService }
func (RestartNetwork) Kind() Kind { return KindRestartNetwork }
func (Status) Kind() Kind         { return KindStatus }
func (ExplainLast) Kind() Kind    { return KindExplainLast }
func (QueryAudit) Kind() Kind     { return KindQueryAudit }

func (ReadFile) SideEffects() bool       { return false }
func (ListDir) SideEffects() bool        { return false }
func (WriteFile) SideEffects() bool      { return true }
func (DeleteFile) SideEffects() bool     { return true }
func (MoveFile) SideEffects() bool       { return true }
func (StartProcess) SideEffects() bool   { return true }
func (KillProcess) SideEffects() bool    { return true }
func (RunCommand) SideEffects() bool     { return true }
func (ControlService) SideEffects() bool { return true }
func (RestartNetwork) SideEffects() bool { return true }
func (Status) SideEffects() bool         { return false }
func (ExplainLast) SideEffects() bool    { return false }
func (QueryAudit) SideEffects() bool     { return false }

func (ReadFile) sealed()       {}
func (ListDir) sealed()        {}
func (WriteFile) sealed()      {}
func (DeleteFile) sealed()     {}
func (MoveFile) sealed()       {}
func (StartProcess) sealed()   {}
func (KillProcess) sealed()    {}
func (RunCommand) sealed()     {}
func (ControlService) sealed() {}
func (RestartNetwork) sealed() {}
func (Status) sealed()         {}
func (ExplainLast) sealed()    {}
func (QueryAudit) sealed()     {}

func (a ReadFile) Summary() string { return "read " + a.Path }
func (a ListDir) Summary() string  { return "list " + a.Path }
func (a WriteFile) Summary() string {
	verb := "write"
	if a.Append {
		verb = "append"
	}
	return fmt.Sprintf("%s %s (%d bytes)", verb, a.Path, len(a.Content))
}
func (a DeleteFile) Summary() string {
	if a.Recursive {
		return "delete -r " + a.Path
	}
	return "delete " + a.Path
}
func (a MoveFile) Summary() string     { return "move " + a.Path + " -> " + a.Dest }
func (a StartProcess) Summary() string { return "start " + joinCommand(a.Command, a.Args) }
func (a KillProcess) Summary() string {
	if a.Name != "" {
		return fmt.Sprintf("kill -%s %s", a.Signal, a.Name)
	}
	return fmt.Sprintf("kill -%s %d", a.Signal, a.PID)
}
func (a RunCommand) Summary() string     { return "run " + joinCommand(a.Command, a.Args) }
func (a ControlService) Summary() string { return a.Operation + " " + a.Unit }
func (RestartNetwork) Summary() string   { return "restart network" }
func (Status) Summary() string           { return "status" }
func (ExplainLast) Summary() string      { return "explain last decision" }
func (a QueryAudit) Summary() string     { return fmt.Sprintf("query audit (limit %d)", a.Limit) }

func joinCommand(cmd string, args []string) string {
	if len(args) == 0 {
		return cmd
	}
	return cmd + " " + strings.Join(args, " ")
}

// Params that name filesystem locations, checked against protected paths.
var pathParams = []string{"path", "dest"}

// PathParams returns the cleaned filesystem paths referenced by params.
func PathParams(params map[string]string) []string {
	var out []string
	for _, key := range pathParams {
		if v, ok := params[key]; ok && v != "" {
			out = append(out, filepath.Clean(v))
		}
	}
	return out
}

// CanonicalParams returns a copy of params with filesystem locations
// cleaned, so "/home/u/../../etc" is matched as "/etc".
func CanonicalParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, key := range append(pathParams, "dir") {
		if v := strings.TrimSpace(out[key]); v != "" {
			out[key] = filepath.Clean(v)
		}
	}
	return out
}

// DefaultAuditLimit and MaxAuditLimit bound query_audit results.
const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

var serviceOperations = map[string]bool{
	"start": true, "stop": true, "restart": true, "reload": true,
	"status": true, "enable": true, "disable": true,
}

var signals = map[string]bool{
	"TERM": true, "KILL": true, "INT": true, "HUP": true, "QUIT": true, "USR1": true, "USR2": true,
}

// Parse validates params for kind and returns the typed action.
// Failures are invalid_request errors naming the offending parameter.
func Parse(kind string, params map[string]string) (Action, error) {
	k, ok := ParseKind(kind)
	if !ok {
		return nil, model.Errorf(model.ErrInvalidRequest, "unknown action %q", kind)
	}
	p := paramReader{params: params}

	var a Action
	switch k {
	case KindReadFile:
		a = ReadFile{Path: p.path("path")}
	case KindListDir:
		a = ListDir{Path: p.path("path")}
	case KindWriteFile:
		a = WriteFile{
			Path:    p.path("path"),
			Content: params["content"],
			Mode:    p.mode("mode", 0o644),
			Append:  p.boolean("append"),
		}
	case KindDeleteFile:
		a = DeleteFile{Path: p.path("path"), Recursive: p.boolean("recursive")}
	case KindMoveFile:
		a = MoveFile{Path: p.path("path"), Dest: p.path("dest")}
	case KindStartProcess:
		a = StartProcess{Command: p.required("command"), Args: strings.Fields(params["args"]), Dir: p.optionalPath("dir")}
	case KindKillProcess:
		a = p.kill()
	case KindRunCommand:
		a = RunCommand{Command: p.required("command"), Args: strings.Fields(params["args"]), Dir: p.optionalPath("dir")}
	case KindControlService:
		a = p.service()
	case KindRestartNetwork:
		a = RestartNetwork{}
	case KindStatus:
		a = Status{}
	case KindExplainLast:
		a = ExplainLast{}
	case KindQueryAudit:
		a = QueryAudit{Limit: p.limit("limit")}
	}

	if p.err != nil {
		return nil, p.err
	}
	return a, nil
}

// paramReader collects the first validation error so Parse stays linear.
type paramReader struct {
	params map[string]string
	err    error
}

func (p *paramReader) fail(format string, args ...any) {
	if p.err == nil {
		p.err = model.Errorf(model.ErrInvalidRequest, format, args...)
	}
}

func (p *paramReader) required(key string) string {
	v := strings.TrimSpace(p.params[key])
	if v == "" {
		p.fail("missing required parameter %q", key)
	}
	return v
}

func (p *paramReader) path(key string) string {
	v := p.required(key)
	if v == "" {
		return ""
	}
	if !filepath.IsAbs(v) {
		p.fail("parameter %q must be an absolute path", key)
		return ""
	}
	return filepath.Clean(v)
}

func (p *paramReader) optionalPath(key string) string {
	if strings.TrimSpace(p.params[key]) == "" {
		return ""
	}
	return p.path(key)
}

func (p *paramReader) boolean(key string) bool {
	v, ok := p.params[key]
	if !ok || v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail("parameter %q must be a boolean", key)
	}
	return b
}

func (p *paramReader) mode(key string, def uint32) uint32 {
	v, ok := p.params[key]
	if !ok || v == "" {
		return def
	}
	m, err := strconv.ParseUint(v, 8, 32)
	if err != nil || m > 0o777 {
		p.fail("parameter %q must be an octal file mode", key)
		return def
	}
	return uint32(m)
}

func (p *paramReader) limit(key string) int {
	v, ok := p.params[key]
	if !ok || v == "" {
		return DefaultAuditLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		p.fail("parameter %q must be a positive integer", key)
		return DefaultAuditLimit
	}
	if n > MaxAuditLimit {
		n = MaxAuditLimit
	}
	return n
}

func (p *paramReader) kill() KillProcess {
	k := KillProcess{Signal: strings.ToUpper(strings.TrimPrefix(p.params["signal"], "SIG"))}
	if k.Signal == "" {
		k.Signal = "TERM"
	}
	if !signals[k.Signal] {
		p.fail("unsupported signal %q", p.params["signal"])
	}

	pidStr, name := p.params["pid"], strings.TrimSpace(p.params["name"])
	switch {
	case pidStr != "" && name != "":
		p.fail("kill_process takes either \"pid\" or \"name\", not both")
	case pidStr != "":
		pid, err := strconv.Atoi(pidStr)
		if err != nil || pid <= 1 {
			p.fail("parameter \"pid\" must be an integer greater than 1")
		}
		k.PID = pid
	case name != "":
		k.Name = name
	default:
		p.fail("kill_process requires \"pid\" or \"name\"")
	}
	return k
}

func (p *paramReader) service() ControlService {
	s := ControlService{Unit: p.required("unit"), Operation: strings.ToLower(p.required("operation"))}
	if s.Operation != "" && !serviceOperations[s.Operation] {
		p.fail("unsupported service operation %q", s.Operation)
	}
	if strings.ContainsAny(s.Unit, " /\t\n") {
		p.fail("invalid unit name %q", s.Unit)
	}
	return s
}
