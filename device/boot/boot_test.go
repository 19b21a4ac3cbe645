package boot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*Controller, chan int) {
	codes := make(chan int, 4)
	c := New(&Builder{
		MarkerFile: filepath.Join(t.TempDir(), "boot", "confirmed"),
		Exit:       func(code int) { codes <- code },
	})
	return c, codes
}

func TestReboot(t *testing.T) {
	c, codes := newTestController(t)
	c.Reboot(Error, "test")
	c.Reboot(Normal, "second call is ignored")
	assert.Equal(t, 1, <-codes)
	assert.Len(t, codes, 0)
}

func TestScheduleReboot(t *testing.T) {
	c, codes := newTestController(t)
	c.ScheduleReboot(Error, time.Hour, "replaced")
	c.ScheduleReboot(Normal, 10*time.Millisecond, "direct method")

	select {
	case code := <-codes:
		assert.Equal(t, 0, code)
	case <-time.After(time.Second):
		t.Fatal("no reboot")
	}
}

func TestImageConfirmation(t *testing.T) {
	c, _ := newTestController(t)
	assert.False(t, c.ImageConfirmed())

	require.NoError(t, c.ConfirmImage())
	require.NoError(t, c.ConfirmImage())
	assert.True(t, c.ImageConfirmed())

	require.NoError(t, c.ClearConfirmation())
	require.NoError(t, c.ClearConfirmation())
	assert.False(t, c.ImageConfirmed())
}
