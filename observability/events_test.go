package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"workescrow/core/types"
)

type fakeEvent struct{ evt *types.Event }

func (f fakeEvent) EventType() string   { return f.evt.Type }
func (f fakeEvent) Event() *types.Event { return f.evt }

func TestEventCounterRecordsPath(t *testing.T) {
	counter := EventCounter{}
	counter.Emit(fakeEvent{evt: &types.Event{Type: "escrow.released", Attributes: map[string]string{"path": "auto"}}})
	counter.Emit(fakeEvent{evt: &types.Event{Type: "escrow.created", Attributes: map[string]string{}}})
	counter.Emit(nil)

	require.Equal(t, float64(1), testutil.ToFloat64(Events().emitted.WithLabelValues("escrow.released", "auto")))
	require.Equal(t, float64(1), testutil.ToFloat64(Events().emitted.WithLabelValues("escrow.created", "none")))
}
