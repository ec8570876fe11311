package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-mkern/cap"
	"github.com/ehrlich-b/go-mkern/udebug"
)

func TestTaskComposition(t *testing.T) {
	answers := 0
	tk, err := New(7, func(*udebug.Call) { answers++ }, nil)
	require.NoError(t, err)
	defer tk.Destroy()

	assert.Equal(t, uint64(7), tk.ID)
	assert.Equal(t, udebug.TaskInactive, tk.Debug.State())

	// The capability space works through the facade.
	h, err := tk.Caps.Alloc()
	require.NoError(t, err)

	destroyed := false
	k := cap.NewKObject(cap.TypeCall, "call-1", &cap.Ops{
		Destroy: func(any) { destroyed = true },
	})
	tk.Caps.Publish(h, k)
	require.Same(t, k, tk.Caps.Unpublish(h, cap.TypeCall))
	k.Put()
	tk.Caps.Free(h)
	assert.True(t, destroyed)

	// So does the debug session.
	th := udebug.NewThread(tk.Debug, true, 1)
	tk.Debug.Attach(th)
	th.StoppableBegin()
	require.NoError(t, tk.Debug.Begin(&udebug.Call{}, udebug.EvMaskAll, "dbg"))
	assert.Equal(t, 1, answers)
	require.NoError(t, tk.Debug.End(&udebug.Call{}))
	assert.Equal(t, 2, answers)
}
