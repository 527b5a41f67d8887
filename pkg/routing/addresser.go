package routing

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/wire"
)

// ClientAddresser computes the destinations of client-originated messages
// for one session. Only the session's entry node has one. Each computation
// may carry a message filter restricting which routing names it receives
// from the client; a computation without a filter, or with the filter "*",
// receives everything.
type ClientAddresser struct {
	mu    sync.Mutex
	comps []compEntry
}

type compEntry struct {
	name   string
	addr   wire.Address
	accept map[string]bool // nil accepts every routing name
}

// NewClientAddresser builds an addresser for the session from its full
// routing data document.
func NewClientAddresser(sessionID uuid.UUID, routingData object.Object) *ClientAddresser {
	a := &ClientAddresser{}
	a.Update(sessionID, routingData)
	return a
}

// Update rebuilds the destination table from the routing data's
// computation list and message filter.
func (a *ClientAddresser) Update(sessionID uuid.UUID, routingData object.Object) {
	filter, _ := object.Child(routingData, "messageFilter")

	var comps []compEntry
	if session, ok := object.Child(routingData, sessionID.String()); ok {
		if compDocs, ok := object.Child(session, "computations"); ok {
			comps = make([]compEntry, 0, len(compDocs))
			for name := range compDocs {
				info, ok := object.Child(compDocs, name)
				if !ok {
					continue
				}
				compID, err := uuid.Parse(object.String(info, "compId", ""))
				if err != nil {
					continue
				}
				nodeID, err := uuid.Parse(object.String(info, "nodeId", ""))
				if err != nil {
					continue
				}
				comps = append(comps, compEntry{
					name: name,
					addr: wire.Address{
						Session:     sessionID,
						Node:        nodeID,
						Computation: compID,
					},
					accept: acceptSet(filter, name),
				})
			}
		}
	}

	a.mu.Lock()
	a.comps = comps
	a.mu.Unlock()
}

// acceptSet interprets one computation's message filter entry. A missing
// entry or the string "*" accepts everything (nil set); an array of names
// accepts exactly those routing names.
func acceptSet(filter object.Object, compName string) map[string]bool {
	if filter == nil || !object.Has(filter, compName) {
		return nil
	}
	if s, ok := filter[compName].(string); ok && s == "*" {
		return nil
	}
	names := object.Strings(filter, compName)
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Address returns the destinations accepting the given routing name.
func (a *ClientAddresser) Address(routingName string) []wire.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]wire.Address, 0, len(a.comps))
	for _, c := range a.comps {
		if c.accept == nil || c.accept[routingName] {
			out = append(out, c.addr)
		}
	}
	return out
}

// AddressToAll returns every computation in the session, ignoring filters.
// Used for broadcasts such as Ping.
func (a *ClientAddresser) AddressToAll() []wire.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]wire.Address, len(a.comps))
	for i, c := range a.comps {
		out[i] = c.addr
	}
	return out
}
