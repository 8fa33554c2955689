package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge-dev/agentforge/flow"
	"github.com/agentforge-dev/agentforge/flow/emit"
	"github.com/agentforge-dev/agentforge/flow/registry"
)

// gracePeriod is how long Stop waits after SIGTERM before escalating to
// SIGKILL (spec.md §4.3 "waits up to 10 seconds").
const gracePeriod = 10 * time.Second

// Config configures a Supervisor. Executable and RootDir are required;
// everything else has a workable zero value.
type Config struct {
	// Executable is the agent binary to launch, e.g. "claude". Resolved via
	// exec.LookPath semantics (PATH search) unless given as an absolute path.
	Executable string
	// Args are extra arguments appended to every launch, after the
	// non-interactive flag the Supervisor adds itself.
	Args []string
	// RootDir is the filesystem root under which per-instance project
	// directories are created: <RootDir>/<flow_id>/<node_id>.
	RootDir string
	// HookIngressURL is the base URL the generated hook scripts POST to,
	// e.g. "http://127.0.0.1:8080".
	HookIngressURL string
	// LogRingCapacity bounds how many stdio lines are retained per instance.
	LogRingCapacity int
	// Emitter receives ambient observability events; defaults to a no-op.
	Emitter emit.Emitter
}

// Publisher receives domain-facing lifecycle events for fan-out to the
// Event Multiplexer (spec.md C8's agent:{output,stopped,error} kinds).
// Defined here, mirroring flow/executor.Publisher, so neither package
// depends on flow/events; its Hub type satisfies this interface
// structurally.
type Publisher interface {
	Publish(kind, flowID, nodeID string, payload map[string]any)
}

type nullPublisher struct{}

func (nullPublisher) Publish(string, string, string, map[string]any) {}

// Option configures a Supervisor beyond its required Config fields.
type Option func(*Supervisor)

// WithEmitter overrides the ambient event emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(s *Supervisor) { s.emitter = e }
}

// WithPublisher wires the Supervisor's agent:{output,stopped,error} events
// into the Event Multiplexer.
func WithPublisher(p Publisher) Option {
	return func(s *Supervisor) { s.publisher = p }
}

// WithLogRingCapacity overrides the per-instance stdio log ring size.
func WithLogRingCapacity(n int) Option {
	return func(s *Supervisor) { s.logRingCapacity = n }
}

// Supervisor implements the Subprocess Supervisor contract (spec.md §4.3):
// spawn/stop/stop_all/get, lookups by node id, and flow teardown cleanup. It
// is the exclusive owner of every AgentInstance's os/exec.Cmd handle for the
// instance's lifetime, mirroring the teacher engine's ownership discipline
// for in-flight node state (graph/engine.go runConcurrent).
type Supervisor struct {
	cfg       Config
	emitter   emit.Emitter
	publisher Publisher
	registry  registry.Lookup

	logRingCapacity int

	mu          sync.RWMutex
	instances   map[string]*AgentInstance // instance_id -> instance
	byNode      map[string]*AgentInstance // node_id -> latest instance
	byFlow      map[string][]*AgentInstance
}

// New builds a Supervisor. lookup resolves a node's agent_id to its
// AgentDefinition; the Supervisor never writes to it.
func New(cfg Config, lookup registry.Lookup, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:             cfg,
		emitter:         emit.NullEmitter{},
		publisher:       nullPublisher{},
		registry:        lookup,
		logRingCapacity: 2000,
		instances:       make(map[string]*AgentInstance),
		byNode:          make(map[string]*AgentInstance),
		byFlow:          make(map[string][]*AgentInstance),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn materializes the project directory for node, launches the agent
// subprocess, and returns the resulting AgentInstance. The instance
// transitions initializing -> running as soon as the process starts; a
// launch failure (directory setup or exec.Start) returns a SpawnFailed
// EngineError and no instance.
func (s *Supervisor) Spawn(ctx context.Context, flowID string, node flow.Node, inputData map[string]any) (*AgentInstance, error) {
	def, err := s.registry.Get(node.AgentID)
	if err != nil {
		return nil, err
	}

	instanceID := uuid.NewString()
	l := newLayout(s.cfg.RootDir, flowID, node.NodeID)

	inst := &AgentInstance{
		InstanceID: instanceID,
		NodeID:     node.NodeID,
		FlowID:     flowID,
		ProjectDir: l.root,
		status:     StatusInitializing,
		logs:       newLogRing(s.logRingCapacity),
		done:       make(chan struct{}),
	}

	if err := materialize(l, s.cfg.HookIngressURL, node, def, inputData); err != nil {
		return nil, flow.NewEngineError(flow.KindSpawnFailed, node.NodeID, "materializing project directory", err)
	}

	args := append([]string{"--non-interactive"}, s.cfg.Args...)
	cmd := exec.CommandContext(ctx, s.cfg.Executable, args...)
	cmd.Dir = l.root
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PROJECT_DIR=%s", l.root),
		"NO_COLOR=1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, flow.NewEngineError(flow.KindSpawnFailed, node.NodeID, "attaching stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, flow.NewEngineError(flow.KindSpawnFailed, node.NodeID, "attaching stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, flow.NewEngineError(flow.KindSpawnFailed, node.NodeID, "starting agent subprocess", err)
	}

	instCtx, cancel := context.WithCancel(ctx)
	inst.cmd = cmd
	inst.cancel = cancel
	inst.startedAt = time.Now()
	inst.setStatus(StatusRunning)

	s.register(inst)
	s.emitter.Emit(emit.Event{FlowID: flowID, NodeID: node.NodeID, Msg: "agent.started", Meta: map[string]any{"instance_id": instanceID}})

	var wg sync.WaitGroup
	wg.Add(2)
	go streamReader(&wg, stdout, "stdout", inst.logs, func(l LogLine) {
		s.emitter.Emit(emit.Event{FlowID: flowID, NodeID: node.NodeID, Msg: "agent.output", Meta: map[string]any{"stream": l.Stream, "text": l.Text}})
		s.publisher.Publish("agent.output", flowID, node.NodeID, map[string]any{"stream": l.Stream, "text": l.Text})
	})
	go streamReader(&wg, stderr, "stderr", inst.logs, func(l LogLine) {
		s.emitter.Emit(emit.Event{FlowID: flowID, NodeID: node.NodeID, Msg: "agent.output", Meta: map[string]any{"stream": l.Stream, "text": l.Text}})
		s.publisher.Publish("agent.output", flowID, node.NodeID, map[string]any{"stream": l.Stream, "text": l.Text})
	})

	go s.awaitExit(instCtx, inst, cmd, &wg)

	return inst, nil
}

// awaitExit waits for the stdio readers to drain and the subprocess to
// exit, then finalizes the instance's terminal status and metrics
// (spec.md §4.3 "Termination").
func (s *Supervisor) awaitExit(ctx context.Context, inst *AgentInstance, cmd *exec.Cmd, wg *sync.WaitGroup) {
	wg.Wait()
	err := cmd.Wait()

	inst.mu.Lock()
	inst.stoppedAt = time.Now()
	inst.metrics.Duration = inst.stoppedAt.Sub(inst.startedAt)
	exitCode := 0
	status := StatusStopped
	if err != nil {
		status = StatusError
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	inst.metrics.ExitCode = exitCode
	inst.status = status
	inst.mu.Unlock()

	close(inst.done)
	s.emitter.Emit(emit.Event{FlowID: inst.FlowID, NodeID: inst.NodeID, Msg: "agent.stopped", Meta: map[string]any{
		"instance_id": inst.InstanceID,
		"exit_code":   exitCode,
		"status":      string(status),
	}})
	kind := "agent.stopped"
	if status == StatusError {
		kind = "agent.error"
	}
	s.publisher.Publish(kind, inst.FlowID, inst.NodeID, map[string]any{
		"instance_id": inst.InstanceID,
		"exit_code":   exitCode,
		"status":      string(status),
	})
}

// Stop requests termination of the instance with the given id. If graceful
// is true, SIGTERM is sent first and SIGKILL follows only if the process
// has not exited within the grace period; if graceful is false, SIGKILL is
// sent immediately.
func (s *Supervisor) Stop(instanceID string, graceful bool) error {
	inst, ok := s.Get(instanceID)
	if !ok {
		return flow.ErrNotFound
	}
	return stopInstance(inst, graceful)
}

// stopInstance terminates inst directly, without consulting the registry.
// Cleanup uses this so it can stop instances it has already unregistered.
func stopInstance(inst *AgentInstance, graceful bool) error {
	inst.mu.RLock()
	cmd := inst.cmd
	inst.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if !graceful {
		inst.cancel()
		_ = cmd.Process.Kill()
		<-inst.done
		return nil
	}

	if err := cmd.Process.Signal(terminationSignal); err != nil {
		inst.cancel()
		_ = cmd.Process.Kill()
		<-inst.done
		return nil
	}

	select {
	case <-inst.done:
		return nil
	case <-time.After(gracePeriod):
		inst.cancel()
		_ = cmd.Process.Kill()
		<-inst.done
		return nil
	}
}

// StopAll gracefully stops every tracked instance, returning once all have
// exited.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Stop(id, true)
		}()
	}
	wg.Wait()
}

// Get returns the instance with the given id, if tracked.
func (s *Supervisor) Get(instanceID string) (*AgentInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	return inst, ok
}

// ByNode returns the most recently spawned instance for a node, if any.
func (s *Supervisor) ByNode(nodeID string) (*AgentInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.byNode[nodeID]
	return inst, ok
}

// Output reads an instance's output.json, if the agent has written one yet.
func (s *Supervisor) Output(instanceID string) (any, bool, error) {
	inst, ok := s.Get(instanceID)
	if !ok {
		return nil, false, flow.ErrNotFound
	}
	l := newLayout(s.cfg.RootDir, inst.FlowID, inst.NodeID)
	return readOutputJSON(l)
}

// Cleanup stops every instance belonging to flowID and removes its project
// directory tree.
func (s *Supervisor) Cleanup(flowID string) error {
	s.mu.Lock()
	instances := s.byFlow[flowID]
	delete(s.byFlow, flowID)
	for _, inst := range instances {
		delete(s.instances, inst.InstanceID)
		if s.byNode[inst.NodeID] == inst {
			delete(s.byNode, inst.NodeID)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		inst := inst
		if inst.Status() == StatusRunning {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = stopInstance(inst, true)
			}()
		}
	}
	wg.Wait()

	root := filepath.Join(s.cfg.RootDir, flowID)
	return os.RemoveAll(root)
}

func (s *Supervisor) register(inst *AgentInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.InstanceID] = inst
	s.byNode[inst.NodeID] = inst
	s.byFlow[inst.FlowID] = append(s.byFlow[inst.FlowID], inst)
}
