package state

import (
	"github.com/sirupsen/logrus"
)

// Journal centralizes creation and retraction of pool status entries.
// Entries are the operator-facing explanation of why a pool is not at
// its target size.
type Journal struct {
	store  Store
	logger *logrus.Logger
}

// NewJournal creates a journal writing through the given store
func NewJournal(store Store, logger *logrus.Logger) *Journal {
	return &Journal{store: store, logger: logger}
}

// Append adds a status entry
func (j *Journal) Append(poolID int64, entryType StatusEntryType, critical bool, message string) error {
	j.logger.Warnf("[Pool %d] %s: %s", poolID, entryType, message)
	return j.store.AppendStatusEntry(&PoolStatusEntry{
		PoolID:     poolID,
		Type:       entryType,
		IsCritical: critical,
		Message:    message,
	})
}

// AppendUnique adds a status entry unless an entry of the same type
// already exists for the pool. Used for price-too-low so repeated ticks
// do not flood the journal.
func (j *Journal) AppendUnique(poolID int64, entryType StatusEntryType, critical bool, message string) error {
	existing, err := j.store.GetStatusEntries(poolID, entryType)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	return j.Append(poolID, entryType, critical, message)
}

// HasCritical reports whether the pool has any critical entry. A pool
// with a critical entry is not reconciled until an operator clears it.
func (j *Journal) HasCritical(poolID int64) (bool, error) {
	entries, err := j.store.GetCriticalEntries(poolID)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// RetractTransient deletes the failure entries that clear themselves:
// quota and temporary failures no longer apply once an instance launches
// successfully into the pool.
func (j *Journal) RetractTransient(poolID int64) error {
	if err := j.store.DeleteStatusEntries(poolID, EntryMaxSpotExceeded); err != nil {
		return err
	}
	return j.store.DeleteStatusEntries(poolID, EntryTemporaryFailure)
}
