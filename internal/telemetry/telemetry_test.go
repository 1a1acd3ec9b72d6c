package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiFansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, nil, b, Nop}
	m.Emit(Event{Kind: KindStep, Step: 1})
	m.Emit(Event{Kind: KindDone})
	assert.Len(t, a.Events(), 2)
	assert.Len(t, b.OfKind(KindStep), 1)
	assert.Equal(t, 1, b.OfKind(KindStep)[0].Step)
}
