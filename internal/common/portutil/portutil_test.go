package portutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatePort(t *testing.T) {
	t.Run("returns a usable port", func(t *testing.T) {
		port, err := AllocatePort()
		require.NoError(t, err)
		assert.Greater(t, port, 0)
		assert.LessOrEqual(t, port, 65535)
	})

	t.Run("consecutive allocations differ", func(t *testing.T) {
		seen := make(map[int]bool)
		for i := 0; i < 10; i++ {
			port, err := AllocatePort()
			require.NoError(t, err)
			assert.False(t, seen[port], "port %d allocated twice", port)
			seen[port] = true
		}
	})
}
