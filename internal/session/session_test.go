package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duh17/oppi-sub004/internal/permission"
	"github.com/duh17/oppi-sub004/internal/policy"
	"github.com/duh17/oppi-sub004/internal/workspace"
	"github.com/duh17/oppi-sub004/pkg/protocol"
)

// fakeProcess is an in-memory Process double: writes are recorded, and
// tests push RawEvents onto its channel to simulate subprocess output.
type fakeProcess struct {
	events  chan RawEvent
	writes  chan []byte
	signals chan string
	killed  bool
	failWrite bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		events:  make(chan RawEvent, 32),
		writes:  make(chan []byte, 32),
		signals: make(chan string, 8),
	}
}

func (p *fakeProcess) Write(ctx context.Context, data []byte) error {
	if p.failWrite {
		return assertError
	}
	p.writes <- data
	return nil
}
func (p *fakeProcess) Events() <-chan RawEvent { return p.events }
func (p *fakeProcess) Signal(ctx context.Context, kind string) error {
	p.signals <- kind
	return nil
}
func (p *fakeProcess) Kill(ctx context.Context) error {
	p.killed = true
	close(p.events)
	return nil
}

var assertError = &SpawnError{Code: "WRITE_FAILED", Detail: "boom"}

type fakeRuntime struct {
	proc *fakeProcess
}

func (r *fakeRuntime) Start(ctx context.Context, spec SpawnSpec) (Process, error) {
	return r.proc, nil
}

func newTestManager(t *testing.T, proc *fakeProcess) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()

	ws := workspace.New(workspace.Config{}, nil, nil)
	engine := policy.NewEngine(policy.NewRuleStore(), "")
	gate := permission.New(engine, nil, nil, nil)

	m := NewManager(Config{RingCapacity: 50, DedupeCapacity: 50, DedupeTTL: time.Minute}, nil, &fakeRuntime{proc: proc}, ws, gate, nil, nil)
	return m, dir
}

func spawnTestSession(t *testing.T, m *Manager, workspacePath string, proc *fakeProcess) *Session {
	t.Helper()
	done := make(chan struct{})
	var s *Session
	var err error
	go func() {
		s, err = m.Spawn(context.Background(), SpawnRequest{
			WorkspaceID:   "w1",
			SessionID:     "s1",
			WorkspacePath: workspacePath,
			Model:         "test-model",
		})
		close(done)
	}()

	select {
	case proc.events <- RawEvent{Kind: "agent_ready"}:
	case <-time.After(time.Second):
		t.Fatal("spawn never consumed agent_ready sentinel")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawn did not complete")
	}
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func TestSpawn_WaitsForReadySentinel(t *testing.T) {
	proc := newFakeProcess()
	m, dir := newTestManager(t, proc)
	s := spawnTestSession(t, m, dir, proc)
	assert.Equal(t, StatusReady, s.Status())
}

func TestSpawn_FailsOnMissingWorkspacePath(t *testing.T) {
	proc := newFakeProcess()
	m, _ := newTestManager(t, proc)
	_, err := m.Spawn(context.Background(), SpawnRequest{
		WorkspaceID:   "w1",
		SessionID:     "s1",
		WorkspacePath: filepath.Join(t.TempDir(), "nonexistent"),
	})
	require.Error(t, err)
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, SpawnErrWorkspaceNotFound, spawnErr.Code)
}

func TestSpawn_FailsOnReadyTimeout(t *testing.T) {
	proc := newFakeProcess()
	m, dir := newTestManager(t, proc)
	m.cfg.SpawnReadyTimeout = 30 * time.Millisecond

	_, err := m.Spawn(context.Background(), SpawnRequest{WorkspaceID: "w1", SessionID: "s1", WorkspacePath: dir})
	require.Error(t, err)
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, SpawnErrSubprocessTimeout, spawnErr.Code)
	assert.True(t, proc.killed)
}

func TestSendTurn_AcceptedThenDispatched(t *testing.T) {
	proc := newFakeProcess()
	m, dir := newTestManager(t, proc)
	s := spawnTestSession(t, m, dir, proc)

	var acks []protocol.TurnAckStage
	s.Subscribe(func(msg protocol.ServerMessage) {
		if ack, ok := msg.(*protocol.TurnAck); ok {
			acks = append(acks, ack.Stage)
		}
	})

	err := m.SendTurn(context.Background(), "s1", TurnPrompt, TurnRequest{ClientTurnID: "ct1", Message: "hello"})
	require.NoError(t, err)

	require.Len(t, acks, 2)
	assert.Equal(t, protocol.StageAccepted, acks[0])
	assert.Equal(t, protocol.StageDispatched, acks[1])

	select {
	case <-proc.writes:
	default:
		t.Fatal("expected a write to the subprocess")
	}
}

func TestSendTurn_DuplicateClientTurnIdEchoesStage(t *testing.T) {
	proc := newFakeProcess()
	m, dir := newTestManager(t, proc)
	s := spawnTestSession(t, m, dir, proc)

	require.NoError(t, m.SendTurn(context.Background(), "s1", TurnPrompt, TurnRequest{ClientTurnID: "ct1", Message: "hello"}))
	<-proc.writes

	var dupAck *protocol.TurnAck
	s.Subscribe(func(msg protocol.ServerMessage) {
		if ack, ok := msg.(*protocol.TurnAck); ok && ack.Duplicate {
			dupAck = ack
		}
	})

	require.NoError(t, m.SendTurn(context.Background(), "s1", TurnPrompt, TurnRequest{ClientTurnID: "ct1", Message: "hello"}))
	require.NotNil(t, dupAck)
	assert.Equal(t, protocol.StageDispatched, dupAck.Stage)

	select {
	case <-proc.writes:
		t.Fatal("duplicate turn must not write to the subprocess again")
	default:
	}
}

func TestSendTurn_ConflictingPayloadFails(t *testing.T) {
	proc := newFakeProcess()
	m, dir := newTestManager(t, proc)
	spawnTestSession(t, m, dir, proc)

	require.NoError(t, m.SendTurn(context.Background(), "s1", TurnPrompt, TurnRequest{ClientTurnID: "ct1", Message: "hello"}))
	<-proc.writes

	err := m.SendTurn(context.Background(), "s1", TurnPrompt, TurnRequest{ClientTurnID: "ct1", Message: "different message"})
	assert.ErrorIs(t, err, ErrClientTurnConflict)
}

func TestTurnStart_TransitionsDedupeToStarted(t *testing.T) {
	proc := newFakeProcess()
	m, dir := newTestManager(t, proc)
	s := spawnTestSession(t, m, dir, proc)

	require.NoError(t, m.SendTurn(context.Background(), "s1", TurnPrompt, TurnRequest{ClientTurnID: "ct1", Message: "hello"}))
	<-proc.writes

	proc.events <- RawEvent{Kind: "turn_start"}
	time.Sleep(50 * time.Millisecond)

	rec, ok := s.dedupe.Get("ct1", time.Now())
	require.True(t, ok)
	assert.Equal(t, "started", string(rec.Stage))
}

func TestSendAbort_EscalatesAndConfirms(t *testing.T) {
	proc := newFakeProcess()
	m, dir := newTestManager(t, proc)
	m.cfg.StopAbortTimeout = 20 * time.Millisecond
	m.cfg.StopAbortRetryTimeout = 20 * time.Millisecond
	s := spawnTestSession(t, m, dir, proc)
	s.setStatus(StatusBusy)

	var msgs []protocol.ServerMessage
	s.Subscribe(func(msg protocol.ServerMessage) { msgs = append(msgs, msg) })

	require.NoError(t, m.SendAbort(context.Background(), "s1"))
	assert.Equal(t, StatusStopping, s.Status())

	// agent_end arrives before escalation timers fire.
	time.Sleep(5 * time.Millisecond)
	proc.events <- RawEvent{Kind: "agent_end"}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StatusReady, s.Status())

	var sawConfirmed bool
	for _, msg := range msgs {
		if _, ok := msg.(*protocol.StopConfirmed); ok {
			sawConfirmed = true
		}
	}
	assert.True(t, sawConfirmed)
}

func TestSendAbort_RejectsWhenNotBusy(t *testing.T) {
	proc := newFakeProcess()
	m, dir := newTestManager(t, proc)
	spawnTestSession(t, m, dir, proc) // leaves status = ready

	err := m.SendAbort(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNothingToAbort)
}

func TestStopSession_ReleasesSlotAndBroadcastsEnded(t *testing.T) {
	proc := newFakeProcess()
	m, dir := newTestManager(t, proc)
	s := spawnTestSession(t, m, dir, proc)

	var ended *protocol.SessionEnded
	s.Subscribe(func(msg protocol.ServerMessage) {
		if e, ok := msg.(*protocol.SessionEnded); ok {
			ended = e
		}
	})

	require.NoError(t, m.StopSession(context.Background(), "s1", "user requested"))
	require.NotNil(t, ended)
	assert.Equal(t, "user requested", ended.Reason)
	assert.True(t, proc.killed)

	_, ok := m.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.workspace.ActiveSessionCount("w1"))
}

func TestPackageDirectoryExists(t *testing.T) {
	_, err := os.Stat(".")
	require.NoError(t, err)
}
