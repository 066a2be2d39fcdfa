// Copyright (c) 2025, Google LLC.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package libtpu probes whether the optional libtpu native library can be
// loaded without crashing the caller. Loading libtpu can itself segfault
// (for example when another process holds the TPU in lockdown), so the load
// attempt always happens in a disposable child process. The parent only
// interprets the child's exit status and never performs the risky load
// unless the probe reported it safe.
package libtpu

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/ebitengine/purego"
)

// DefaultLibraryPath is the name handed to dlopen when no explicit path is
// configured; resolution follows the normal dynamic-linker search order.
const DefaultLibraryPath = "libtpu.so"

// ProbeChildArg is the argv marker that turns an invocation of this binary
// into the probe child. The child's only job is to attempt the load and
// exit with a designated code.
const ProbeChildArg = "--probe-libtpu-load"

// childLibraryPathEnv passes the library path from parent to probe child.
const childLibraryPathEnv = "TPU_INFO_PROBE_LIBRARY"

// Child exit codes. Anything else, including death by signal, means the
// load must not be attempted in the parent.
const (
	exitLoadSafe      = 0
	exitLibraryAbsent = 1
)

// State classifies a probe outcome. It is deliberately not a boolean:
// "not installed", "installed but unloadable", and "the load attempt
// crashed" require different handling by callers.
type State int

const (
	// Safe means the child loaded the library and exited cleanly; the
	// parent may now load it for real.
	Safe State = iota
	// Unsafe means the library is absent or refused to load.
	Unsafe
	// Unknown means the child crashed or reported something outside the
	// contract. The parent must not attempt the load.
	Unknown
)

func (s State) String() string {
	switch s {
	case Safe:
		return "safe"
	case Unsafe:
		return "unsafe"
	default:
		return "unknown"
	}
}

// Result is the outcome of one probe.
type Result struct {
	State State
	// Reason is a human-readable explanation for Unsafe and Unknown
	// results.
	Reason string
}

// Capability is the resolved form handed to code that wants to call into
// libtpu: either an open handle or the reason none is available.
type Capability struct {
	Available bool
	// Handle is the dlopen handle, valid only when Available is true.
	Handle uintptr
	Reason string
}

// Prober runs crash-isolated load probes for one library path.
type Prober struct {
	libraryPath string

	// newCommand builds the child process. Overridable in tests to force
	// crashing or misbehaving children.
	newCommand func() (*exec.Cmd, error)
}

// NewProber returns a Prober for the given library path. An empty path
// means DefaultLibraryPath.
func NewProber(libraryPath string) *Prober {
	if libraryPath == "" {
		libraryPath = DefaultLibraryPath
	}

	p := &Prober{libraryPath: libraryPath}
	p.newCommand = p.selfCommand

	return p
}

// selfCommand re-executes this binary as the probe child.
func (p *Prober) selfCommand() (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own executable: %w", err)
	}

	cmd := exec.Command(exe, ProbeChildArg)
	cmd.Env = append(os.Environ(), childLibraryPathEnv+"="+p.libraryPath)

	return cmd, nil
}

// Probe spawns one short-lived child, blocks on its completion, and maps
// its exit status to a Result. It never returns an error and never crashes
// on a crashing child.
func (p *Prober) Probe() Result {
	cmd, err := p.newCommand()
	if err != nil {
		return Result{State: Unknown, Reason: err.Error()}
	}

	err = cmd.Run()
	if err == nil {
		return Result{State: Safe}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Result{State: Unknown, Reason: fmt.Sprintf("failed to run probe child: %v", err)}
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Result{
			State:  Unknown,
			Reason: fmt.Sprintf("probe child crashed with signal %s; libtpu cannot be loaded safely", ws.Signal()),
		}
	}

	switch code := exitErr.ExitCode(); code {
	case exitLibraryAbsent:
		return Result{State: Unsafe, Reason: "libtpu is not installed"}
	default:
		return Result{State: Unknown, Reason: fmt.Sprintf("unrecognized probe exit code %d", code)}
	}
}

// Cached returns a function that runs the probe at most once and replays
// the result on later calls. Polling callers consult this instead of
// spawning a child per refresh cycle.
func (p *Prober) Cached() func() Result {
	return sync.OnceValue(p.Probe)
}

// Resolve runs the probe and, only on a Safe result, performs the real load
// in this process. The returned Capability is what components depending on
// libtpu should receive; they must not probe or load on their own.
func (p *Prober) Resolve() Capability {
	res := p.Probe()
	if res.State != Safe {
		return Capability{Reason: res.Reason}
	}

	handle, err := purego.Dlopen(p.libraryPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		// The probe said safe but the load failed anyway; report the
		// loader's reason rather than crashing.
		return Capability{Reason: fmt.Sprintf("libtpu load failed after successful probe: %v", err)}
	}

	return Capability{Available: true, Handle: handle}
}

// RunProbeChild is the child side of the probe contract. It attempts the
// load and exits with the designated code; it communicates solely through
// its exit status. Called by main before any other work when ProbeChildArg
// is present.
func RunProbeChild() {
	path := os.Getenv(childLibraryPathEnv)
	if path == "" {
		path = DefaultLibraryPath
	}

	if _, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL); err != nil {
		os.Exit(exitLibraryAbsent)
	}

	os.Exit(exitLoadSafe)
}
