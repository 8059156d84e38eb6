package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type namedEvent string

func (n namedEvent) EventType() string { return string(n) }

func TestFanoutIsolatesPanickingSink(t *testing.T) {
	rec := &Recorder{}
	bad := EmitterFunc(func(Event) { panic("sink down") })
	fan := NewFanout(bad, nil, rec)

	fan.Emit(namedEvent("jobs.posted"))
	fan.Emit(namedEvent("jobs.cancelled"))

	require.Equal(t, []string{"jobs.posted", "jobs.cancelled"}, rec.Types())
	rec.Reset()
	require.Empty(t, rec.Events())
}

func TestNoopEmitterDiscards(t *testing.T) {
	var emitter Emitter = NoopEmitter{}
	require.NotPanics(t, func() { emitter.Emit(namedEvent("x")) })
}
