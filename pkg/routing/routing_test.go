package routing

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendermesh/farmnode/pkg/object"
)

var (
	testSession = uuid.MustParse("11111111-2222-4333-8444-555555555555")
	entryNode   = uuid.MustParse("aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee")
	otherNode   = uuid.MustParse("99999999-8888-4777-8666-555555554444")
	renderComp  = uuid.MustParse("12121212-3434-4565-8787-909090909090")
	simComp     = uuid.MustParse("21212121-4343-4656-8878-090909090909")
)

// testRoutingData builds the routing document the coordinator would send
// for a two-node session with an entry node and a filtered computation.
func testRoutingData(t *testing.T) object.Object {
	t.Helper()
	raw := fmt.Sprintf(`{
		"%s": {
			"nodes": {
				"%s": {"host": "a.farm", "ip": "10.0.0.1", "tcp": 9001, "entry": true},
				"%s": {"host": "b.farm", "ip": "10.0.0.2", "tcp": 9002}
			},
			"computations": {
				"render": {"compId": "%s", "nodeId": "%s"},
				"sim": {"compId": "%s", "nodeId": "%s"}
			}
		},
		"messageFilter": {
			"sim": ["geometry"]
		}
	}`, testSession, entryNode, otherNode, renderComp, entryNode, simComp, otherNode)

	doc, err := object.Decode([]byte(raw))
	require.NoError(t, err)
	return doc
}

func TestNewSessionRoutingData(t *testing.T) {
	t.Parallel()

	t.Run("entry node gets an addresser", func(t *testing.T) {
		t.Parallel()
		d, err := NewSessionRoutingData(testSession, entryNode, testRoutingData(t))
		require.NoError(t, err)

		assert.Equal(t, testSession, d.SessionID())
		assert.True(t, d.IsEntryNode())
		assert.NotNil(t, d.Addresser())
		assert.Equal(t, entryNode, d.NodeMap().EntryNodeID())
	})

	t.Run("non-entry node has no addresser", func(t *testing.T) {
		t.Parallel()
		d, err := NewSessionRoutingData(testSession, otherNode, testRoutingData(t))
		require.NoError(t, err)

		assert.False(t, d.IsEntryNode())
		assert.Nil(t, d.Addresser())
	})

	t.Run("missing session entry", func(t *testing.T) {
		t.Parallel()
		_, err := NewSessionRoutingData(uuid.New(), entryNode, testRoutingData(t))
		assert.Error(t, err)
	})

	t.Run("missing nodes object", func(t *testing.T) {
		t.Parallel()
		doc := object.Object{testSession.String(): map[string]any{}}
		_, err := NewSessionRoutingData(testSession, entryNode, doc)
		assert.Error(t, err)
	})
}

func TestNodeMap(t *testing.T) {
	t.Parallel()

	d, err := NewSessionRoutingData(testSession, entryNode, testRoutingData(t))
	require.NoError(t, err)
	m := d.NodeMap()

	info, ok := m.Find(otherNode)
	require.True(t, ok)
	assert.Equal(t, "b.farm", info.Hostname)
	assert.Equal(t, "10.0.0.2", info.IP)
	assert.Equal(t, 9002, info.Port)

	_, ok = m.Find(uuid.New())
	assert.False(t, ok)
	assert.Equal(t, 2, m.Len())
}

func TestNodeMapUpdateIsAddOnly(t *testing.T) {
	t.Parallel()

	d, err := NewSessionRoutingData(testSession, entryNode, testRoutingData(t))
	require.NoError(t, err)

	newNode := uuid.New()
	update := object.Object{
		testSession.String(): map[string]any{
			"nodes": map[string]any{
				// Existing node with changed fields must be ignored.
				otherNode.String(): map[string]any{"host": "hijacked", "ip": "6.6.6.6", "tcp": float64(6666)},
				newNode.String():   map[string]any{"host": "c.farm", "ip": "10.0.0.3", "tcp": float64(9003)},
				"not-a-uuid":       map[string]any{"host": "d.farm"},
			},
		},
	}
	d.UpdateNodeMap(update)

	info, ok := d.NodeMap().Find(otherNode)
	require.True(t, ok)
	assert.Equal(t, "b.farm", info.Hostname, "existing entries must not change")

	added, ok := d.NodeMap().Find(newNode)
	require.True(t, ok)
	assert.Equal(t, "c.farm", added.Hostname)
	assert.Equal(t, 9003, added.Port)

	assert.Equal(t, 3, d.NodeMap().Len(), "invalid node ids are skipped")
}

func TestClientAddresser(t *testing.T) {
	t.Parallel()

	d, err := NewSessionRoutingData(testSession, entryNode, testRoutingData(t))
	require.NoError(t, err)
	a := d.Addresser()
	require.NotNil(t, a)

	t.Run("filtered routing name reaches accepting computations", func(t *testing.T) {
		t.Parallel()
		got := a.Address("geometry")
		assert.Len(t, got, 2, "render accepts everything, sim accepts geometry")
	})

	t.Run("unlisted routing name skips filtered computation", func(t *testing.T) {
		t.Parallel()
		got := a.Address("pixels")
		require.Len(t, got, 1)
		assert.Equal(t, renderComp, got[0].Computation)
		assert.Equal(t, entryNode, got[0].Node)
		assert.Equal(t, testSession, got[0].Session)
	})

	t.Run("broadcast ignores filters", func(t *testing.T) {
		t.Parallel()
		assert.Len(t, a.AddressToAll(), 2)
	})
}

func TestClientAddresserWildcardFilter(t *testing.T) {
	t.Parallel()

	doc := testRoutingData(t)
	doc["messageFilter"] = map[string]any{"sim": "*"}

	a := NewClientAddresser(testSession, doc)
	assert.Len(t, a.Address("anything"), 2)
}

func TestClientAddresserUpdate(t *testing.T) {
	t.Parallel()

	d, err := NewSessionRoutingData(testSession, entryNode, testRoutingData(t))
	require.NoError(t, err)

	// Tighten the filter so render only accepts "pixels".
	doc := testRoutingData(t)
	doc["messageFilter"] = map[string]any{
		"render": []any{"pixels"},
		"sim":    []any{"geometry"},
	}
	d.UpdateClientAddresser(doc)

	got := d.Addresser().Address("geometry")
	require.Len(t, got, 1)
	assert.Equal(t, simComp, got[0].Computation)
}

func TestStoreLifetime(t *testing.T) {
	t.Parallel()

	newData := func(t *testing.T) *SessionRoutingData {
		t.Helper()
		d, err := NewSessionRoutingData(testSession, entryNode, testRoutingData(t))
		require.NoError(t, err)
		return d
	}

	t.Run("put then get", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		d := newData(t)
		assert.Same(t, d, s.Put(d))
		assert.Same(t, d, s.Get(testSession))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("put keeps existing data", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		first := newData(t)
		second := newData(t)
		s.Put(first)
		assert.Same(t, first, s.Put(second))
	})

	t.Run("release with no users removes the entry", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		s.Put(newData(t))
		s.Release(testSession)
		assert.Nil(t, s.Get(testSession))
	})

	t.Run("release keeps entry alive for acquired users", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		d := newData(t)
		s.Put(d)

		acquired := s.Acquire(testSession)
		require.Same(t, d, acquired)

		s.Release(testSession)
		assert.Same(t, d, s.Get(testSession), "entry survives while a user holds it")

		s.Unref(testSession)
		assert.Nil(t, s.Get(testSession), "entry goes away with the last user")
	})

	t.Run("delete removes entry even while in use", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		s.Put(newData(t))
		require.NotNil(t, s.Acquire(testSession))

		s.Delete(testSession)
		assert.Nil(t, s.Get(testSession))
		assert.Nil(t, s.Acquire(testSession))

		// Unref after delete must not panic or resurrect anything.
		s.Unref(testSession)
		assert.Zero(t, s.Len())
	})

	t.Run("operations on unknown sessions are harmless", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		assert.Nil(t, s.Get(uuid.New()))
		assert.Nil(t, s.Acquire(uuid.New()))
		s.Release(uuid.New())
		s.Delete(uuid.New())
		s.Unref(uuid.New())
	})
}

func TestStoreFindNodeInfo(t *testing.T) {
	t.Parallel()

	s := NewStore()
	d, err := NewSessionRoutingData(testSession, entryNode, testRoutingData(t))
	require.NoError(t, err)
	s.Put(d)

	info, ok := s.FindNodeInfo(otherNode)
	require.True(t, ok)
	assert.Equal(t, "b.farm", info.Hostname)

	_, ok = s.FindNodeInfo(uuid.New())
	assert.False(t, ok)
}
