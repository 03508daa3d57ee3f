// Package env defines a scenario environment.
package env

import (
	"container/list"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	cmnSyscall "github.com/liya2017/ckb-integration-test/common/syscall"
)

// TermGracePeriod is how long a process is given to exit after SIGTERM
// before it is killed.
var TermGracePeriod = 10 * time.Second

var (
	// ErrEarlyTerm is the error passed over the error channel when a
	// sub-process terminates prior to the Cleanup.
	ErrEarlyTerm = errors.New("env: sub-process exited early")

	// ErrEnvironment is the error returned when a required binary, fixture
	// or setting is missing.
	ErrEnvironment = errors.New("env: environment error")
)

// CmdAttrs is the SysProcAttr that will ensure graceful cleanup (on Linux).
var CmdAttrs = cmnSyscall.CmdAttrs

// CleanupFn is the cleanup hook function prototype.
type CleanupFn func()

// ParameterFlagSet is a wrapper for flag.FlagSet to produce nicer JSON output.
type ParameterFlagSet struct {
	flag.FlagSet

	name          string
	errorHandling flag.ErrorHandling
}

// ScenarioInstanceInfo contains information of the current scenario run.
type ScenarioInstanceInfo struct {
	// Scenario is the name of the scenario.
	Scenario string `json:"scenario"`

	// Instance is the name of the root environment directory.
	Instance string `json:"instance"`

	// ParameterSet is the parameter set the scenario was run with.
	ParameterSet *ParameterFlagSet `json:"parameter_set"`

	// Run is the number of the run.
	Run int `json:"run"`
}

// MarshalJSON outputs ParameterFlagSet as an ordinary JSON map.
func (pfs *ParameterFlagSet) MarshalJSON() ([]byte, error) {
	ps := make(map[string]string)
	pfs.VisitAll(func(f *flag.Flag) {
		ps[f.Name] = f.Value.String()
	})

	return json.Marshal(ps)
}

// Clone clones the parameter flagset, including the current values.
func (pfs *ParameterFlagSet) Clone() *ParameterFlagSet {
	newPfs := NewParameterFlagSet(pfs.name, pfs.errorHandling)
	pfs.VisitAll(func(f *flag.Flag) {
		fl := *f
		fl.Value = reflect.New(reflect.TypeOf(fl.Value).Elem()).Interface().(flag.Value)
		_ = fl.Value.Set(f.Value.String())
		newPfs.AddFlag(&fl)
	})

	return newPfs
}

// NewParameterFlagSet returns new instance of ParameterFlagSet.
func NewParameterFlagSet(name string, eh flag.ErrorHandling) *ParameterFlagSet {
	return &ParameterFlagSet{
		FlagSet:       *flag.NewFlagSet(name, eh),
		name:          name,
		errorHandling: eh,
	}
}

// Env is a (nested) test environment.
type Env struct {
	name string

	parent     *Env
	parentElem *list.Element
	children   *list.List

	dir          *Dir
	cfg          *Config
	scenarioInfo *ScenarioInstanceInfo
	cleanupFns   []CleanupFn
	cleanupCmds  []*cmdMonitor
	cleanupLock  sync.Mutex

	isInCleanup bool
}

// Name returns the environment name.
func (env *Env) Name() string {
	return env.name
}

// Dir returns the path to this test environment's data directory.
func (env *Env) Dir() string {
	return env.dir.String()
}

// CurrentDir returns the test environment's Dir.
func (env *Env) CurrentDir() *Dir {
	return env.dir
}

// NewSubDir creates a new subdirectory under the test environment.
func (env *Env) NewSubDir(subDirName string) (*Dir, error) {
	return env.dir.NewSubDir(subDirName)
}

// Config returns the runner configuration shared by all environments.
func (env *Env) Config() *Config {
	return env.cfg
}

// ScenarioInfo returns the scenario instance information.
func (env *Env) ScenarioInfo() *ScenarioInstanceInfo {
	return env.scenarioInfo
}

// AddOnCleanup adds a cleanup routine to be called during the environment's
// cleanup.  Routines will be called in reverse order that they were
// registered.
func (env *Env) AddOnCleanup(fn CleanupFn) {
	env.cleanupLock.Lock()
	defer env.cleanupLock.Unlock()

	env.cleanupFns = append([]CleanupFn{fn}, env.cleanupFns...)
}

// AddTermOnCleanup adds a process that will be terminated during the
// environment's cleanup, and returns a channel that receives the exit
// status (ErrEarlyTerm for a clean exit before cleanup) and is then closed.
//
// Processes are torn down in reverse registration order, *BEFORE* the
// on-cleanup hooks are run.
func (env *Env) AddTermOnCleanup(cmd *exec.Cmd) chan error {
	env.cleanupLock.Lock()
	defer env.cleanupLock.Unlock()

	m := &cmdMonitor{
		env:    env,
		cmd:    cmd,
		doneCh: make(chan error, 1),
		exitCh: make(chan struct{}),
	}
	go m.wait()

	env.cleanupCmds = append([]*cmdMonitor{m}, env.cleanupCmds...)

	return m.doneCh
}

// Cleanup cleans up all of the environment's children, followed by the
// environment.
//
// Note: Unless the env is a root (top-level) environment, the directory
// will not be cleaned up.
func (env *Env) Cleanup() {
	env.cleanupLock.Lock()
	if env.isInCleanup {
		env.cleanupLock.Unlock()
		return
	}
	env.isInCleanup = true
	cmds, fns := env.cleanupCmds, env.cleanupFns
	env.cleanupLock.Unlock()

	if env.parentElem != nil {
		env.parent.children.Remove(env.parentElem)
	}

	for {
		childElem := env.children.Front()
		if childElem == nil {
			break
		}
		childElem.Value.(*Env).Cleanup()
	}

	for _, v := range cmds {
		v.termOrKill()
	}
	for _, v := range fns {
		v()
	}

	if env.parent == nil {
		env.dir.Cleanup()
	}
}

// NewChild returns a new child test environment. Children of the root get
// their directory under the root, deeper children under their parent.
func (env *Env) NewChild(childName string, scInfo *ScenarioInstanceInfo) (*Env, error) {
	subDir, err := env.dir.NewSubDir(childName)
	if err != nil {
		return nil, err
	}

	child := &Env{
		name:         childName,
		parent:       env,
		children:     list.New(),
		dir:          subDir,
		cfg:          env.cfg,
		scenarioInfo: scInfo,
	}
	child.parentElem = env.children.PushBack(child)

	return child, nil
}

// WriteScenarioInfo dumps the scenario instance information to
// scenario_info.json for debugging afterwards.
func (env *Env) WriteScenarioInfo() error {
	b, err := json.Marshal(env.scenarioInfo)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(env.Dir(), "scenario_info.json"), b, 0o644) // nolint: gosec
}

// New creates a new root test environment.
func New(dir *Dir, cfg *Config) *Env {
	return &Env{
		children: list.New(),
		dir:      dir,
		cfg:      cfg,
	}
}

type cmdMonitor struct {
	env    *Env
	cmd    *exec.Cmd
	doneCh chan error
	exitCh chan struct{}
}

func (m *cmdMonitor) wait() {
	defer close(m.doneCh)

	err := m.cmd.Wait()
	close(m.exitCh)

	m.env.cleanupLock.Lock()
	inCleanup := m.env.isInCleanup
	m.env.cleanupLock.Unlock()

	if inCleanup {
		return
	}
	if err == nil {
		err = ErrEarlyTerm
	}
	m.doneCh <- err
}

func (m *cmdMonitor) termOrKill() {
	_ = m.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-time.After(TermGracePeriod):
	case <-m.exitCh:
		return
	}

	_ = m.cmd.Process.Kill()
	<-m.exitCh
}
