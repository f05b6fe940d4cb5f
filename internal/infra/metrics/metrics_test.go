package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPacketCounters(t *testing.T) {
	before := testutil.ToFloat64(PacketsReceived.WithLabelValues("accept_nonroot"))
	PacketsReceived.WithLabelValues("accept_nonroot").Inc()
	after := testutil.ToFloat64(PacketsReceived.WithLabelValues("accept_nonroot"))
	if after != before+1 {
		t.Errorf("counter = %v, want %v", after, before+1)
	}
}

func TestGauges(t *testing.T) {
	ModelSize.Set(42)
	if got := testutil.ToFloat64(ModelSize); got != 42 {
		t.Errorf("ModelSize = %v, want 42", got)
	}
	CurrentGamma.Set(0.125)
	if got := testutil.ToFloat64(CurrentGamma); got != 0.125 {
		t.Errorf("CurrentGamma = %v, want 0.125", got)
	}
}
