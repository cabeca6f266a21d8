package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DiskStore implements persistent record storage using a JSON file.
// It keeps the full record set in memory and writes it back after every
// mutation, so reads are as cheap as MemoryStore reads.
type DiskStore struct {
	*MemoryStore
	dataDir string
}

// persisted state structure for JSON serialization
type persistedState struct {
	Pools     map[int64]*Pool              `json:"pools"`
	Instances map[string]*Instance         `json:"instances"`
	Statuses  map[int64][]*PoolStatusEntry `json:"statuses"`
}

// NewDiskStore creates a new disk-backed record store
func NewDiskStore(dataDir string) (*DiskStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store := &DiskStore{
		MemoryStore: NewMemoryStore(),
		dataDir:     dataDir,
	}

	if err := store.load(); err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	return store, nil
}

// load reads state from disk
func (s *DiskStore) load() error {
	stateFile := filepath.Join(s.dataDir, "state.json")

	if _, err := os.Stat(stateFile); os.IsNotExist(err) {
		// No state file yet, start fresh
		return nil
	}

	data, err := os.ReadFile(stateFile)
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var persisted persistedState
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if persisted.Pools != nil {
		s.pools = persisted.Pools
	}
	if persisted.Instances != nil {
		s.instances = persisted.Instances
	}
	if persisted.Statuses != nil {
		s.statuses = persisted.Statuses
	}

	// Rebuild byPool index
	s.byPool = make(map[int64][]*Instance)
	for _, instance := range s.instances {
		s.byPool[instance.PoolID] = append(s.byPool[instance.PoolID], instance)
	}

	return nil
}

// save writes current state to disk
func (s *DiskStore) save() error {
	s.mu.RLock()
	persisted := persistedState{
		Pools:     s.pools,
		Instances: s.instances,
		Statuses:  s.statuses,
	}
	data, err := json.MarshalIndent(persisted, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	stateFile := filepath.Join(s.dataDir, "state.json")
	tmpFile := stateFile + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return os.Rename(tmpFile, stateFile)
}

func (s *DiskStore) CreatePool(pool *Pool) error {
	if err := s.MemoryStore.CreatePool(pool); err != nil {
		return err
	}
	return s.save()
}

func (s *DiskStore) UpdatePool(pool *Pool) error {
	if err := s.MemoryStore.UpdatePool(pool); err != nil {
		return err
	}
	return s.save()
}

func (s *DiskStore) CreateInstance(instance *Instance) error {
	if err := s.MemoryStore.CreateInstance(instance); err != nil {
		return err
	}
	return s.save()
}

func (s *DiskStore) UpdateInstanceStatus(instanceID string, status InstanceStatus) error {
	if err := s.MemoryStore.UpdateInstanceStatus(instanceID, status); err != nil {
		return err
	}
	return s.save()
}

func (s *DiskStore) FulfillInstanceRequest(requestID, instanceID, hostname string, status InstanceStatus) error {
	if err := s.MemoryStore.FulfillInstanceRequest(requestID, instanceID, hostname, status); err != nil {
		return err
	}
	return s.save()
}

func (s *DiskStore) DeleteInstance(instanceID string) error {
	if err := s.MemoryStore.DeleteInstance(instanceID); err != nil {
		return err
	}
	return s.save()
}

func (s *DiskStore) AppendStatusEntry(entry *PoolStatusEntry) error {
	if err := s.MemoryStore.AppendStatusEntry(entry); err != nil {
		return err
	}
	return s.save()
}

func (s *DiskStore) DeleteStatusEntries(poolID int64, entryType StatusEntryType) error {
	if err := s.MemoryStore.DeleteStatusEntries(poolID, entryType); err != nil {
		return err
	}
	return s.save()
}
