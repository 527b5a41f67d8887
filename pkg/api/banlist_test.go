package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendermesh/farmnode/pkg/object"
)

func TestBanListBansAfterThreshold(t *testing.T) {
	t.Parallel()

	b := NewBanList(3, time.Minute)

	b.Track("10.0.0.1")
	b.Track("10.0.0.1")
	assert.False(t, b.IsBanned("10.0.0.1"), "below threshold")

	b.Track("10.0.0.1")
	assert.True(t, b.IsBanned("10.0.0.1"))
	assert.True(t, b.IsBanned("10.0.0.1"), "ban persists on repeat checks")
}

func TestBanListAddressesAreIndependent(t *testing.T) {
	t.Parallel()

	b := NewBanList(2, time.Minute)

	b.Track("10.0.0.1")
	b.Track("10.0.0.1")
	b.Track("10.0.0.2")

	assert.True(t, b.IsBanned("10.0.0.1"))
	assert.False(t, b.IsBanned("10.0.0.2"))
	assert.False(t, b.IsBanned("10.0.0.3"), "unknown address")
}

func TestBanListExpiry(t *testing.T) {
	t.Parallel()

	b := NewBanList(2, 30*time.Millisecond)

	b.Track("10.0.0.1")
	b.Track("10.0.0.1")
	require.True(t, b.IsBanned("10.0.0.1"))

	time.Sleep(50 * time.Millisecond)

	assert.False(t, b.IsBanned("10.0.0.1"), "ban lifts after the quiet period")

	// The entry was dropped, so tracking starts over.
	b.Track("10.0.0.1")
	assert.False(t, b.IsBanned("10.0.0.1"))
}

func TestBanListSummary(t *testing.T) {
	t.Parallel()

	b := NewBanList(2, time.Minute)

	out := object.Object{}
	b.Summary(out)
	require.Equal(t, []string{}, out["banned"], "empty list is still present")
	require.Equal(t, []string{}, out["tracked"])

	b.Track("10.0.0.1")
	b.Track("10.0.0.1")
	b.Track("10.0.0.2")

	out = object.Object{}
	b.Summary(out)
	assert.Equal(t, []string{"10.0.0.1"}, out["banned"])
	assert.Equal(t, []string{"10.0.0.2"}, out["tracked"])
}

func TestBanListSummaryDropsExpired(t *testing.T) {
	t.Parallel()

	b := NewBanList(2, 30*time.Millisecond)

	b.Track("10.0.0.1")
	time.Sleep(50 * time.Millisecond)

	out := object.Object{}
	b.Summary(out)
	assert.Empty(t, out["banned"])
	assert.Empty(t, out["tracked"])
}
