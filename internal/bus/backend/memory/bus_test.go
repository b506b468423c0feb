package memory

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/arcadia-eternity/battle-cluster/internal/bus"
	"github.com/arcadia-eternity/battle-cluster/internal/bus/bustest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBus(t *testing.T) {
	bustest.Run(t, func(t *testing.T) bus.Bus {
		b := New()
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}
