package redis

import (
	"airwave/internal/core/domain"
)

// keyspace names every key and pub/sub channel under one prefix.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	if prefix == "" {
		prefix = "airwave"
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) schemaVersion() string { return k.prefix + ":schema:version" }

func (k keyspace) room(id domain.RoomID) string { return k.prefix + ":room:" + string(id) }

func (k keyspace) broadcast(id domain.ParticipantID) string {
	return k.prefix + ":broadcast:" + string(id)
}

func (k keyspace) activeBroadcasts() string { return k.prefix + ":broadcasts:active" }

func (k keyspace) listener(id domain.ParticipantID) string {
	return k.prefix + ":listener:" + string(id)
}

// listenersOf indexes listener ids by the broadcaster they listen to.
func (k keyspace) listenersOf(broadcaster domain.ParticipantID) string {
	return k.prefix + ":listeners:" + string(broadcaster)
}

// signalStream holds the receiver's envelopes in append order.
func (k keyspace) signalStream(receiver domain.ParticipantID) string {
	return k.prefix + ":signal-stream:" + string(receiver)
}

// legacySignalLogs matches the list-based signal logs of schema version 2.
func (k keyspace) legacySignalLogs() string { return k.prefix + ":signals:*" }

func (k keyspace) roomLock(owner domain.ParticipantID) string { return "room:" + string(owner) }

func (k keyspace) locks() string { return k.prefix + ":lock:" }

func (k keyspace) changes(table domain.Table) string { return k.prefix + ":changes:" + string(table) }

// signalChanges is per receiver so that a participant only hears its own signals.
func (k keyspace) signalChanges(receiver domain.ParticipantID) string {
	return k.changes(domain.TableSignals) + ":" + string(receiver)
}

func (k keyspace) allSignalChanges() string { return k.changes(domain.TableSignals) + ":*" }
