package memdb

import (
	"testing"

	"github.com/drand/tally/internal/state"
	"github.com/drand/tally/internal/state/storetest"
)

func TestMemDBStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) state.Store {
		return NewStore()
	})
}
