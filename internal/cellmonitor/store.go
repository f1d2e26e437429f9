package cellmonitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store holds the serialized history between runs.
type Store interface {
	Load() ([]byte, error)
	Save([]byte) error
}

// FileStore keeps the history in a single file. Saves go through a
// temporary file so a crash never leaves a truncated history behind.
type FileStore struct {
	Path string
}

func (f FileStore) String() string {
	return f.Path
}

func (f FileStore) Load() ([]byte, error) {
	return os.ReadFile(f.Path)
}

func (f FileStore) Save(data []byte) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

type historyFile struct {
	Timestamp time.Time                 `json:"timestamp"`
	Batteries map[string]batteryHistory `json:"batteries"`
}

type batteryHistory struct {
	BatteryID   string     `json:"battery_id"`
	CellCount   int        `json:"cell_count"`
	CellHistory [][]Record `json:"cell_history"`
}

// Marshal serializes the history of every monitored battery.
func (m *Monitor) Marshal() ([]byte, error) {
	m.mu.Lock()
	h := historyFile{
		Timestamp: m.nowFn(),
		Batteries: make(map[string]batteryHistory, len(m.batteries)),
	}
	for id, b := range m.batteries {
		bh := batteryHistory{
			BatteryID:   id,
			CellCount:   len(b.cells),
			CellHistory: make([][]Record, len(b.history)),
		}
		for i, r := range b.history {
			bh.CellHistory[i] = r.Records()
		}
		h.Batteries[id] = bh
	}
	m.mu.Unlock()
	return json.Marshal(h)
}

// Load replaces the history of every battery found in data. Data older
// than the configured maximum age is discarded as a whole. The newest
// sample of each cell becomes its current reading until fresh data arrives.
func (m *Monitor) Load(data []byte) error {
	var h historyFile
	if err := json.Unmarshal(data, &h); err != nil {
		return fmt.Errorf("decoding cell history: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if age := m.nowFn().Sub(h.Timestamp); age >= m.cfg.MaxHistoryAge {
		log.Infof("Discarding cell history saved %s ago", age.Round(time.Second))
		return nil
	}
	for id, bh := range h.Batteries {
		count := bh.CellCount
		if count <= 0 {
			count = len(bh.CellHistory)
		}
		b := newBatteryCells(id, count)
		var newest time.Time
		for i, records := range bh.CellHistory {
			if i >= count {
				break
			}
			for _, r := range records {
				b.history[i].Push(r)
			}
			if last, ok := b.history[i].Last(); ok {
				b.cells[i].Voltage = last.Voltage
				b.cells[i].Valid = true
				if last.Timestamp.After(newest) {
					newest = last.Timestamp
				}
			}
		}
		if st, ok := b.cells.Stats(); ok {
			b.stats, b.haveStats, b.lastUpdate = st, true, newest
		}
		m.batteries[id] = b
	}
	log.Infof("Loaded cell history for %d batteries", len(h.Batteries))
	return nil
}
