package eventsink

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	fail    bool
	sent    []string
	streams []string
}

func (t *fakeTransport) Send(stream, eventType, subjectArea string, payload interface{}) error {
	if t.fail {
		return errors.New("transport unavailable")
	}
	t.sent = append(t.sent, eventType)
	t.streams = append(t.streams, stream)
	return nil
}

func TestEmit_DeliversThroughTransport(t *testing.T) {
	routes := NewRouteMap()
	routes.SetEventTypeRoute("ComplianceDeviceStatus", "compliance-stream")
	transport := &fakeTransport{}
	buffer := NewDiskBuffer(filepath.Join(t.TempDir(), "queue.data"))

	s := New(routes, transport, buffer, nil, nil)
	require.NoError(t, s.Emit("ComplianceDeviceStatus", "compliance", map[string]string{"k": "v"}))

	require.Equal(t, []string{"ComplianceDeviceStatus"}, transport.sent)
	require.Equal(t, []string{"compliance-stream"}, transport.streams)
	require.Zero(t, buffer.Len())
}

func TestEmit_BuffersOnTransportFailure(t *testing.T) {
	routes := NewRouteMap()
	transport := &fakeTransport{fail: true}
	buffer := NewDiskBuffer(filepath.Join(t.TempDir(), "queue.data"))

	s := New(routes, transport, buffer, nil, nil)
	require.NoError(t, s.Emit("ModuleStatusChange", "firewall", nil))

	require.Empty(t, transport.sent)
	require.Equal(t, 1, buffer.Len())
}

func TestEmit_NoTransportBuffersDirectly(t *testing.T) {
	routes := NewRouteMap()
	buffer := NewDiskBuffer(filepath.Join(t.TempDir(), "queue.data"))

	s := New(routes, nil, buffer, nil, nil)
	require.NoError(t, s.Emit("ModuleStatusChange", "firewall", nil))
	require.Equal(t, 1, buffer.Len())
}

func TestEmit_NoTransportNoBufferReturnsError(t *testing.T) {
	s := New(NewRouteMap(), nil, nil, nil, nil)
	err := s.Emit("ModuleStatusChange", "firewall", nil)
	require.Error(t, err)
}

func TestFlush_ReplaysBufferedEventsAndClearsOnSuccess(t *testing.T) {
	routes := NewRouteMap()
	buffer := NewDiskBuffer(filepath.Join(t.TempDir(), "queue.data"))

	offline := New(routes, nil, buffer, nil, nil)
	require.NoError(t, offline.Emit("ModuleStatusChange", "firewall", nil))
	require.NoError(t, offline.Emit("ModuleStatusChange", "disk_encryption", nil))
	require.Equal(t, 2, buffer.Len())

	transport := &fakeTransport{}
	online := New(routes, transport, buffer, nil, nil)
	require.NoError(t, online.Flush())

	require.Len(t, transport.sent, 2)
	require.Zero(t, buffer.Len())
}

func TestFlush_RebuffersOnContinuedFailure(t *testing.T) {
	routes := NewRouteMap()
	buffer := NewDiskBuffer(filepath.Join(t.TempDir(), "queue.data"))

	offline := New(routes, nil, buffer, nil, nil)
	require.NoError(t, offline.Emit("ModuleStatusChange", "firewall", nil))

	stillDown := New(routes, &fakeTransport{fail: true}, buffer, nil, nil)
	require.NoError(t, stillDown.Flush())

	require.Equal(t, 1, buffer.Len())
}

func TestFlush_HighPriorityFlushedFirst(t *testing.T) {
	routes := NewRouteMap()
	buffer := NewDiskBuffer(filepath.Join(t.TempDir(), "queue.data"))

	s := New(routes, nil, buffer, nil, nil)
	require.NoError(t, s.EmitWithPriority("Normal", "firewall", nil, PriorityNormal))
	require.NoError(t, s.EmitWithPriority("High", "firewall", nil, PriorityHigh))

	transport := &fakeTransport{}
	online := New(routes, transport, buffer, nil, nil)
	require.NoError(t, online.Flush())

	require.Equal(t, []string{"High", "Normal"}, transport.sent)
}
