package backup

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/formcraft/synckit/storage"
)

const (
	pendingKey    = "pending-write"
	lastBackupKey = "last-backup-at"
)

// PendingWrite is the single not-yet-uploaded state snapshot. Its mere
// presence in durable storage is the dirty flag; every AutoSave overwrites
// it wholesale (last-write-wins). The ChangeID lets an upload completion
// recognise whether the record it is about to clear is the one it actually
// sent.
type PendingWrite struct {
	ChangeID string          `json:"change_id"`
	State    json.RawMessage `json:"state"`
	SavedAt  time.Time       `json:"saved_at"`
}

func loadPending(kv storage.KV, log zerolog.Logger) *PendingWrite {
	data, err := kv.Get(pendingKey)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("pending write unreadable")
		return nil
	}
	var pw PendingWrite
	if err := json.Unmarshal(data, &pw); err != nil || pw.ChangeID == "" || len(pw.State) == 0 {
		log.Warn().Err(err).Msg("pending write corrupt, discarding")
		_ = kv.Delete(pendingKey)
		return nil
	}
	return &pw
}

func persistPending(kv storage.KV, log zerolog.Logger, pw *PendingWrite) {
	data, err := json.Marshal(pw)
	if err != nil {
		log.Error().Err(err).Msg("pending write marshal failed")
		return
	}
	if err := kv.Put(pendingKey, data); err != nil {
		log.Error().Err(err).Msg("pending write persist failed")
	}
}
