// Package settings holds the flat key-value store for operator-mutable link
// parameters. Values written through POST /ports survive restarts and are
// read again on every link open.
package settings

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/NotCoffee418/gate_bridge/pkg/link"
)

const (
	PortMicroOut      = "PortMicroOut"
	BaudRateMicroOut  = "BaudRateMicroOut"
	PortEmoneyOut     = "PortEmoneyOut"
	BaudRateEmoneyOut = "BaudRateEmoneyOut"
	PortMicroIn       = "PortMicroIn"
	BaudRateMicroIn   = "BaudRateMicroIn"
	PortEmoneyIn      = "PortEmoneyIn"
	BaudRateEmoneyIn  = "BaudRateEmoneyIn"
)

var ErrNotFound = errors.New("settings: key not found")

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Seed inserts the values whose keys are not stored yet.
	Seed(ctx context.Context, values map[string]string) error
	All(ctx context.Context) (map[string]string, error)
}

// SerialSource resolves a serial port from two keys at open time.
func SerialSource(s Store, portKey, baudKey string) link.SerialParamsFunc {
	return func(ctx context.Context) (link.SerialParams, error) {
		path, err := s.Get(ctx, portKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return link.SerialParams{}, err
		}
		baudRaw, err := s.Get(ctx, baudKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return link.SerialParams{}, err
		}
		var baud uint64
		if b := strings.TrimSpace(baudRaw); b != "" {
			baud, err = strconv.ParseUint(b, 10, 32)
			if err != nil {
				return link.SerialParams{}, errors.New(baudKey + " is not a number")
			}
		}
		return link.SerialParams{Path: strings.TrimSpace(path), BaudRate: uint(baud)}, nil
	}
}

// MemoryStore is a Store without persistence.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Seed(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		if _, ok := m.values[k]; !ok {
			m.values[k] = v
		}
	}
	return nil
}

func (m *MemoryStore) All(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
