package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duh17/oppi-sub004/internal/common/logger"
	"github.com/duh17/oppi-sub004/internal/permission"
	"github.com/duh17/oppi-sub004/internal/policy"
	"github.com/duh17/oppi-sub004/internal/session"
	"github.com/duh17/oppi-sub004/internal/workspace"
	"github.com/duh17/oppi-sub004/pkg/protocol"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeProcess is the same in-memory session.Process double session's own
// tests use: writes are discarded, tests push RawEvents to drive Broadcast.
type fakeProcess struct {
	events chan session.RawEvent
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{events: make(chan session.RawEvent, 32)}
}

func (p *fakeProcess) Write(ctx context.Context, data []byte) error { return nil }
func (p *fakeProcess) Events() <-chan session.RawEvent              { return p.events }
func (p *fakeProcess) Signal(ctx context.Context, kind string) error { return nil }
func (p *fakeProcess) Kill(ctx context.Context) error {
	close(p.events)
	return nil
}

type fakeRuntime struct{ proc *fakeProcess }

func (r *fakeRuntime) Start(ctx context.Context, spec session.SpawnSpec) (session.Process, error) {
	return r.proc, nil
}

// newTestHubWithSession builds a Hub wired to a live Manager with exactly
// one ready session, so a test can drive s.Broadcast concurrently with
// handleSubscribe against a real subscription path end to end.
func newTestHubWithSession(t *testing.T) (*Hub, *session.Manager, *session.Session, *fakeProcess) {
	t.Helper()
	log := newTestLogger(t)
	dir := t.TempDir()

	proc := newFakeProcess()
	ws := workspace.New(workspace.Config{}, log, nil)
	engine := policy.NewEngine(policy.NewRuleStore(), "")
	gate := permission.New(engine, nil, nil, nil)

	m := session.NewManager(session.Config{RingCapacity: 50, DedupeCapacity: 50, DedupeTTL: time.Minute}, log, &fakeRuntime{proc: proc}, ws, gate, nil, nil)

	hub := NewHub(log)
	hub.SetManager(m)

	done := make(chan struct{})
	var s *session.Session
	var err error
	go func() {
		s, err = m.Spawn(context.Background(), session.SpawnRequest{
			WorkspaceID: "w1", SessionID: "s1", WorkspacePath: dir, Model: "test-model",
		})
		close(done)
	}()
	select {
	case proc.events <- session.RawEvent{Kind: "agent_ready"}:
	case <-time.After(time.Second):
		t.Fatal("spawn never consumed agent_ready sentinel")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawn did not complete")
	}
	require.NoError(t, err)
	return hub, m, s, proc
}

// drainSend decodes every frame currently queued on c.send without blocking.
func drainSend(c *Client) []string {
	var kinds []string
	for {
		select {
		case data := <-c.send:
			var env map[string]any
			if err := json.Unmarshal(data, &env); err == nil {
				if k, ok := env["type"].(string); ok {
					kinds = append(kinds, k)
				}
			}
		default:
			return kinds
		}
	}
}

func TestHandleSubscribe_ConnectedArrivesBeforeRacingBroadcast(t *testing.T) {
	hub, _, s, proc := newTestHubWithSession(t)
	_ = proc
	log := newTestLogger(t)

	for i := 0; i < 200; i++ {
		c := newClient("client-1", "owner", nil, hub, log)

		// Fire a Broadcast from a concurrent goroutine the instant this
		// client starts subscribing, racing handleSubscribe's own bootstrap
		// frames the way the session's real event-pump goroutine would.
		release := make(chan struct{})
		go func() {
			<-release
			s.Broadcast(&protocol.AgentStart{})
		}()
		close(release)

		c.handleSubscribe(&protocol.Subscribe{SessionID: s.ID, Level: protocol.LevelFull, RequestID: "r1"})

		kinds := drainSend(c)
		require.NotEmpty(t, kinds, "expected at least the Connected bootstrap frame")
		assert.Equal(t, "connected", kinds[0], "a session frame must never be delivered ahead of connected")

		hub.unsubscribe(c, s.ID)
	}
}

func TestHandleSubscribe_BootstrapFrameOrder(t *testing.T) {
	hub, _, s, _ := newTestHubWithSession(t)
	log := newTestLogger(t)
	c := newClient("client-2", "owner", nil, hub, log)

	c.handleSubscribe(&protocol.Subscribe{SessionID: s.ID, Level: protocol.LevelFull, RequestID: "r1"})

	kinds := drainSend(c)
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, "connected", kinds[0])
	assert.Equal(t, "state", kinds[1])
	assert.Equal(t, "command_result", kinds[len(kinds)-1])
}
