package artifacts

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation/server/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	store, err := NewStore(filepath.Join(t.TempDir(), "models"), logger)
	require.NoError(t, err)
	return store
}

func TestKeyFileName(t *testing.T) {
	tests := []struct {
		name     string
		key      Key
		expected string
	}{
		{
			name:     "fixed window",
			key:      Key{Authority: "Camden", PropertyType: "FlatIndex", Family: "LeafwiseGBT", Window: 10},
			expected: "Camden_FlatIndex_LeafwiseGBT_10_model",
		},
		{
			name:     "full history",
			key:      Key{Authority: "Camden", PropertyType: "FlatIndex", Family: "TabPFN", Window: models.WindowAll},
			expected: "Camden_FlatIndex_TabPFN_all_model",
		},
		{
			name:     "separator in authority",
			key:      Key{Authority: "Kingston/Hull", PropertyType: "DetachedIndex", Family: "ObliviousGBT", Window: 5},
			expected: "Kingston-Hull_DetachedIndex_ObliviousGBT_5_model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.key.FileName())
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	key := Key{Authority: "Camden", PropertyType: "FlatIndex", Family: "ObliviousGBT", Window: 5}

	assert.False(t, store.Exists(key))
	_, err := store.Load(key)
	assert.ErrorIs(t, err, ErrNotFound)

	artifact := &Artifact{
		Authority:    key.Authority,
		PropertyType: key.PropertyType,
		Family:       key.Family,
		Window:       key.Window,
		Metrics:      Metrics{MAE: 1.5, MAPE: 0.75},
		Fingerprint:  Fingerprint{Rows: 57, LastPeriod: "2024-12", Horizon: 1},
		TrainedAt:    time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
		Model:        json.RawMessage(`{"base":1}`),
	}

	path, err := store.Save(artifact)
	require.NoError(t, err)
	assert.Equal(t, store.Path(key), path)
	assert.True(t, store.Exists(key))

	loaded, err := store.Load(key)
	require.NoError(t, err)
	assert.Equal(t, artifact.Metrics, loaded.Metrics)
	assert.Equal(t, artifact.Fingerprint, loaded.Fingerprint)
	assert.Equal(t, models.Window(5), loaded.Window)
	assert.JSONEq(t, `{"base":1}`, string(loaded.Model))

	// No temp files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadCorruptArtifact(t *testing.T) {
	store := newTestStore(t)
	key := Key{Authority: "Camden", PropertyType: "FlatIndex", Family: "TabPFN", Window: 20}
	require.NoError(t, os.WriteFile(store.Path(key), []byte("garbage"), 0644))

	_, err := store.Load(key)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestWithLockSerialisesSameKey(t *testing.T) {
	store := newTestStore(t)
	key := Key{Authority: "Camden", PropertyType: "FlatIndex", Family: "TabPFN", Window: 5}

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithLock(context.Background(), key, func() error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Empty(t, store.locks)
	_, err := os.Stat(store.Path(key) + ".lock")
	assert.True(t, os.IsNotExist(err))
}

func TestWithLockHonoursContext(t *testing.T) {
	store := newTestStore(t)
	key := Key{Authority: "Camden", PropertyType: "FlatIndex", Family: "TabPFN", Window: 5}

	// Another process holds the lock file
	require.NoError(t, os.WriteFile(store.Path(key)+".lock", []byte("1\n"), 0644))

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	called := false
	err := store.WithLock(ctx, key, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, called)
}

func TestNewFingerprint(t *testing.T) {
	columns := []string{"bank_rate_lag1", "FlatIndex_lag1"}
	X := [][]float64{{1, 100}, {1.1, 101}}
	y := []float64{101, 102}

	base := NewFingerprint(columns, X, y, "2024-12", 1)
	assert.Equal(t, 2, base.Rows)
	assert.Equal(t, 2, base.Width)
	assert.Equal(t, base, NewFingerprint(columns, X, y, "2024-12", 1))

	reordered := NewFingerprint([]string{"FlatIndex_lag1", "bank_rate_lag1"}, X, y, "2024-12", 1)
	assert.NotEqual(t, base.Columns, reordered.Columns)
	assert.Equal(t, base.Data, reordered.Data)

	revised := NewFingerprint(columns, X, []float64{101, 102.5}, "2024-12", 1)
	assert.Equal(t, base.Columns, revised.Columns)
	assert.NotEqual(t, base.Data, revised.Data)
}
