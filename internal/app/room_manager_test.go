package app

import (
	"sync"
	"testing"

	"github.com/dkeye/roommesh/internal/core"
	"github.com/dkeye/roommesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateReturnsOneRoomPerID(t *testing.T) {
	rm := NewRoomManager()

	var wg sync.WaitGroup
	got := make([]core.RoomService, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = rm.GetOrCreate("library")
		}()
	}
	wg.Wait()
	for _, r := range got {
		assert.Same(t, got[0], r)
	}

	r, ok := rm.Get("library")
	require.True(t, ok)
	assert.Same(t, got[0], r)
	_, ok = rm.Get("lab")
	assert.False(t, ok, "Get must not create")
}

func TestListIsSortedAndStopRoomForgets(t *testing.T) {
	rm := NewRoomManager()
	for _, id := range []domain.RoomID{"lab", "attic", "library"} {
		rm.GetOrCreate(id)
	}

	assert.Equal(t, []core.RoomInfo{{ID: "attic"}, {ID: "lab"}, {ID: "library"}}, rm.List())

	rm.StopRoom("lab")
	assert.Equal(t, []core.RoomInfo{{ID: "attic"}, {ID: "library"}}, rm.List())
	_, ok := rm.Get("lab")
	assert.False(t, ok)
}
