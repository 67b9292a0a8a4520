// Package nat provides the DNAT engine and its connection tracking.
package nat

import (
	"errors"
	"fmt"
	"sort"

	"github.com/igjeong/edgeflow/packet"
	"github.com/igjeong/edgeflow/store"
)

// ConnMeta records the original destination of a translated connection.
type ConnMeta struct {
	IP        uint32
	Port      uint16
	_         [2]byte
	Transport packet.Transport
	// LastObserved is the epoch of the last ingress packet.
	LastObserved uint32
}

// Ident returns the original destination identity.
func (m ConnMeta) Ident() packet.ConnIdent {
	return packet.ConnIdent{IP: m.IP, Port: m.Port, Transport: m.Transport}
}

// ConnTable maps client identities to their original destination.
type ConnTable = store.Map[packet.ConnIdent, ConnMeta]

// Tracker manages connection tracking entries. Only the engine writes
// entries, the cleaner may remove them under pressure.
type Tracker struct {
	table ConnTable
}

// NewTracker creates a tracker over table.
func NewTracker(table ConnTable) *Tracker {
	return &Tracker{table: table}
}

// Lookup returns the entry for a client.
func (t *Tracker) Lookup(client packet.ConnIdent) (ConnMeta, bool) {
	return t.table.Lookup(client)
}

// Observe creates or refreshes the entry for client.
func (t *Tracker) Observe(client, origDst packet.ConnIdent, epoch uint32) error {
	meta := ConnMeta{
		IP:           origDst.IP,
		Port:         origDst.Port,
		Transport:    origDst.Transport,
		LastObserved: epoch,
	}
	if err := t.table.Put(client, meta); err != nil {
		return fmt.Errorf("track %s: %w", client, err)
	}
	return nil
}

// Forget removes the entry for client. A missing entry is not an error.
func (t *Tracker) Forget(client packet.ConnIdent) error {
	if err := t.table.Delete(client); err != nil && !errors.Is(err, store.ErrKeyNotExist) {
		return fmt.Errorf("untrack %s: %w", client, err)
	}
	return nil
}

// Count returns the number of tracked connections.
func (t *Tracker) Count() int {
	return t.table.Len()
}

// Cap returns the table capacity.
func (t *Tracker) Cap() int {
	return t.table.Cap()
}

// Table returns the underlying table.
func (t *Tracker) Table() ConnTable {
	return t.table
}

// ConnectionInfo represents a tracked connection for display.
type ConnectionInfo struct {
	Protocol     string `json:"protocol"`
	Client       string `json:"client"`
	Destination  string `json:"destination"`
	LastObserved uint32 `json:"last_observed"`
}

// Connections returns all tracked connections ordered by client.
func (t *Tracker) Connections() ([]ConnectionInfo, error) {
	var conns []ConnectionInfo
	err := t.table.Iterate(func(client packet.ConnIdent, meta ConnMeta) bool {
		conns = append(conns, ConnectionInfo{
			Protocol:     meta.Transport.String(),
			Client:       client.String(),
			Destination:  meta.Ident().String(),
			LastObserved: meta.LastObserved,
		})
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].Client < conns[j].Client
	})
	return conns, nil
}
