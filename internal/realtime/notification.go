// Package realtime carries board change notifications from committed
// transactions to every mounted board view.
package realtime

import (
	"fmt"

	"github.com/bytedance/sonic"

	"salesops/api/internal/store"
)

// Notification says that something in a board table changed. It carries no
// entity state; receivers refetch the affected collection.
type Notification struct {
	BoardID  string `json:"board_id"`
	Table    string `json:"table"`
	Op       string `json:"op"`
	EntityID string `json:"entity_id"`
	ActorID  string `json:"actor_id,omitempty"`
}

var knownTables = map[string]struct{}{
	store.TableStages:   {},
	store.TableTasks:    {},
	store.TableHistory:  {},
	store.TableComments: {},
}

func FromChange(change store.Change) Notification {
	return Notification{
		BoardID:  change.BoardID,
		Table:    change.Table,
		Op:       change.Op,
		EntityID: change.EntityID,
		ActorID:  change.ActorID,
	}
}

// ChannelName is the pub/sub channel for a board.
func ChannelName(boardID string) string {
	return "board:" + boardID
}

func Encode(n Notification) ([]byte, error) {
	data, err := sonic.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Notification, error) {
	var n Notification
	if err := sonic.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.BoardID == "" {
		return Notification{}, fmt.Errorf("decode notification: missing board_id")
	}
	if _, ok := knownTables[n.Table]; !ok {
		return Notification{}, fmt.Errorf("decode notification: unknown table %q", n.Table)
	}
	return n, nil
}
