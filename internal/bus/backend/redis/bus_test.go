package redis

import (
	"testing"

	"github.com/arcadia-eternity/battle-cluster/internal/bus"
	"github.com/arcadia-eternity/battle-cluster/internal/bus/bustest"
	"github.com/arcadia-eternity/battle-cluster/internal/store/storetest"
)

func TestBus(t *testing.T) {
	bustest.Run(t, func(t *testing.T) bus.Bus {
		rdb, _ := storetest.New(t)
		b := New(rdb, nil)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}
