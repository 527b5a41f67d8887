package hostinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want uint64
	}{
		{"4g", 4 << 30},
		{"2G", 2 << 30},
		{"512m", 512 << 20},
		{"512M", 512 << 20},
		{"64k", 64 << 10},
		{"64K", 64 << 10},
		{"1048576", 1 << 20},
		{"0", 0},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseMemory(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, bad := range []string{"", "g", "four", "12q", "-1g"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			t.Parallel()
			_, err := ParseMemory(bad)
			assert.Error(t, err)
		})
	}
}

func TestSplitResources(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		r, err := splitResources(8<<30, 8, "", "", 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(1<<30), r.NodeMemory)
		assert.Equal(t, uint64(7<<30), r.ComputationsMemory)
		assert.Equal(t, 8, r.TotalCores)
		assert.Equal(t, 1, r.NodeCores)
		assert.Equal(t, 7, r.ComputationsCores)
		assert.Equal(t, 7<<10, r.ComputationsMemoryMB())
	})

	t.Run("node memory override", func(t *testing.T) {
		t.Parallel()
		r, err := splitResources(8<<30, 8, "2g", "", 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(2<<30), r.NodeMemory)
		assert.Equal(t, uint64(6<<30), r.ComputationsMemory)
	})

	t.Run("computation memory override", func(t *testing.T) {
		t.Parallel()
		r, err := splitResources(8<<30, 8, "", "4g", 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(4<<30), r.ComputationsMemory)
	})

	t.Run("oversubscribed memory is honored", func(t *testing.T) {
		t.Parallel()
		r, err := splitResources(8<<30, 8, "", "16g", 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(16<<30), r.ComputationsMemory)
	})

	t.Run("core cap", func(t *testing.T) {
		t.Parallel()
		r, err := splitResources(8<<30, 8, "", "", 4)
		require.NoError(t, err)
		assert.Equal(t, 4, r.TotalCores)
		assert.Equal(t, 3, r.ComputationsCores)
	})

	t.Run("core cap above host count is ignored", func(t *testing.T) {
		t.Parallel()
		r, err := splitResources(8<<30, 8, "", "", 64)
		require.NoError(t, err)
		assert.Equal(t, 8, r.TotalCores)
		assert.Equal(t, 7, r.ComputationsCores)
	})

	t.Run("single core host reserves none", func(t *testing.T) {
		t.Parallel()
		r, err := splitResources(8<<30, 1, "", "", 0)
		require.NoError(t, err)
		assert.Equal(t, 0, r.NodeCores)
		assert.Equal(t, 1, r.ComputationsCores)
	})

	t.Run("node memory exceeding physical fails", func(t *testing.T) {
		t.Parallel()
		_, err := splitResources(8<<30, 8, "8g", "", 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds host physical memory")
	})

	t.Run("bad size strings fail", func(t *testing.T) {
		t.Parallel()
		_, err := splitResources(8<<30, 8, "lots", "", 0)
		assert.Error(t, err)
		_, err = splitResources(8<<30, 8, "", "some", 0)
		assert.Error(t, err)
	})
}

func TestCalcResourcesOnHost(t *testing.T) {
	t.Parallel()

	r, err := CalcResources("", "", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultNodeMemory), r.NodeMemory)
	assert.Equal(t, r.PhysicalMemory-r.NodeMemory, r.ComputationsMemory)
	assert.GreaterOrEqual(t, r.ComputationsCores, 1)
}
