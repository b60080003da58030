package multiruntime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duh17/oppi-sub004/internal/session"
)

type fakeRuntime struct {
	name    string
	proc    session.Process
	lastReq session.SpawnSpec
}

func (r *fakeRuntime) Start(ctx context.Context, spec session.SpawnSpec) (session.Process, error) {
	r.lastReq = spec
	return r.proc, nil
}

type fakeProcess struct{ events chan session.RawEvent }

func (p *fakeProcess) Write(ctx context.Context, data []byte) error { return nil }
func (p *fakeProcess) Events() <-chan session.RawEvent              { return p.events }
func (p *fakeProcess) Signal(ctx context.Context, kind string) error { return nil }
func (p *fakeProcess) Kill(ctx context.Context) error                { return nil }

func TestStart_DispatchesByRuntimeKind(t *testing.T) {
	host := &fakeRuntime{name: "host", proc: &fakeProcess{}}
	container := &fakeRuntime{name: "container", proc: &fakeProcess{}}
	r := New(map[string]session.Runtime{"host": host, "container": container}, "host")

	_, err := r.Start(context.Background(), session.SpawnSpec{WorkspaceID: "w1", RuntimeKind: "container"})
	require.NoError(t, err)
	assert.Equal(t, "w1", container.lastReq.WorkspaceID)
	assert.Empty(t, host.lastReq.WorkspaceID)
}

func TestStart_EmptyRuntimeKindFallsBackToDefault(t *testing.T) {
	host := &fakeRuntime{name: "host", proc: &fakeProcess{}}
	r := New(map[string]session.Runtime{"host": host}, "host")

	_, err := r.Start(context.Background(), session.SpawnSpec{WorkspaceID: "w2"})
	require.NoError(t, err)
	assert.Equal(t, "w2", host.lastReq.WorkspaceID)
}

func TestStart_UnknownRuntimeKindErrors(t *testing.T) {
	r := New(map[string]session.Runtime{"host": &fakeRuntime{proc: &fakeProcess{}}}, "host")

	_, err := r.Start(context.Background(), session.SpawnSpec{RuntimeKind: "container"})
	assert.Error(t, err)
}
