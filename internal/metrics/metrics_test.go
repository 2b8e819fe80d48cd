package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSelection(t *testing.T) {
	before := testutil.ToFloat64(LeaseRotationsTotal)
	exact := testutil.ToFloat64(LeaseSelectionTotal.WithLabelValues("exact"))

	RecordSelection("exact")
	RecordSelection("category")

	if got := testutil.ToFloat64(LeaseRotationsTotal) - before; got != 2 {
		t.Errorf("rotations delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(LeaseSelectionTotal.WithLabelValues("exact")) - exact; got != 1 {
		t.Errorf("exact selections delta = %v, want 1", got)
	}
}

func TestRecordGenerated(t *testing.T) {
	before := testutil.ToFloat64(ArtifactsGeneratedTotal.WithLabelValues("Manger", "OAEP"))

	RecordGenerated("Manger", "OAEP", 1200, 0.01)

	if got := testutil.ToFloat64(ArtifactsGeneratedTotal.WithLabelValues("Manger", "OAEP")) - before; got != 1 {
		t.Errorf("generated delta = %v, want 1", got)
	}
}

func TestSetUnassigned(t *testing.T) {
	SetUnassigned("Bleichenbacher", "PKCS1v15", 42)

	if got := testutil.ToFloat64(PoolUnassigned.WithLabelValues("Bleichenbacher", "PKCS1v15")); got != 42 {
		t.Errorf("unassigned = %v, want 42", got)
	}
}

func TestRecordAttempt(t *testing.T) {
	before := testutil.ToFloat64(AttemptsTotal.WithLabelValues("expired"))

	RecordAttempt("expired")

	if got := testutil.ToFloat64(AttemptsTotal.WithLabelValues("expired")) - before; got != 1 {
		t.Errorf("expired attempts delta = %v, want 1", got)
	}
}
