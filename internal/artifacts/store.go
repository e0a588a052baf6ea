package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"valuation/server/internal/models"
)

var (
	// ErrNotFound is returned when no artifact exists for a key
	ErrNotFound = errors.New("artifact not found")

	// ErrLockTimeout is returned when a key stays locked by another process
	ErrLockTimeout = errors.New("artifact lock timeout")
)

const (
	lockPollInterval = 100 * time.Millisecond
	staleLockAge     = 30 * time.Minute
)

// Key identifies one candidate model.
type Key struct {
	Authority    string
	PropertyType string
	Family       string
	Window       models.Window
}

// FileName is deterministic in the key: {authority}_{propertyType}_{family}_{window}_model
func (k Key) FileName() string {
	name := fmt.Sprintf("%s_%s_%s_%s_model", k.Authority, k.PropertyType, k.Family, k.Window)
	return strings.NewReplacer("/", "-", "\\", "-", string(os.PathSeparator), "-").Replace(name)
}

// Metrics are the holdout errors recorded with an artifact
type Metrics struct {
	MAE  float64 `json:"mae"`
	MAPE float64 `json:"mape"`
}

// Fingerprint describes the training data an artifact was fitted on.
// Columns hashes the ordered lag column names and Data the X and Y values.
type Fingerprint struct {
	Rows       int    `json:"rows"`
	LastPeriod string `json:"last_period"`
	Horizon    int    `json:"horizon"`
	Width      int    `json:"width"`
	Columns    string `json:"columns"`
	Data       string `json:"data"`
}

// NewFingerprint summarises a lagged training set.
func NewFingerprint(columns []string, X [][]float64, y []float64, lastPeriod string, horizon int) Fingerprint {
	names := sha256.New()
	for _, c := range columns {
		names.Write([]byte(c))
		names.Write([]byte{0})
	}

	data := sha256.New()
	var buf [8]byte
	writeFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		data.Write(buf[:])
	}
	for i, row := range X {
		for _, v := range row {
			writeFloat(v)
		}
		writeFloat(y[i])
	}

	return Fingerprint{
		Rows:       len(y),
		LastPeriod: lastPeriod,
		Horizon:    horizon,
		Width:      len(columns),
		Columns:    hex.EncodeToString(names.Sum(nil)),
		Data:       hex.EncodeToString(data.Sum(nil)),
	}
}

// Artifact is the persisted form of a fitted candidate
type Artifact struct {
	Authority    string          `json:"authority"`
	PropertyType string          `json:"property_type"`
	Family       string          `json:"family"`
	Window       models.Window   `json:"window"`
	Metrics      Metrics         `json:"metrics"`
	Fingerprint  Fingerprint     `json:"fingerprint"`
	TrainedAt    time.Time       `json:"trained_at"`
	Model        json.RawMessage `json:"model"`
}

// Key returns the key the artifact is stored under
func (a *Artifact) Key() Key {
	return Key{Authority: a.Authority, PropertyType: a.PropertyType, Family: a.Family, Window: a.Window}
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// Store persists artifacts as one JSON file per key under a base directory.
// Concurrent training of the same key is serialised within the process and,
// through lock files, across processes sharing the directory.
type Store struct {
	baseDir string
	logger  *logrus.Logger

	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewStore creates the base directory if needed
func NewStore(baseDir string, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	return &Store{
		baseDir: baseDir,
		logger:  logger,
		locks:   make(map[string]*keyLock),
	}, nil
}

// Path returns the artifact file path of a key
func (s *Store) Path(key Key) string {
	return filepath.Join(s.baseDir, key.FileName())
}

// Exists reports whether an artifact is stored for the key
func (s *Store) Exists(key Key) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Save writes the artifact atomically; readers never see a partial file.
func (s *Store) Save(artifact *Artifact) (string, error) {
	path := s.Path(artifact.Key())

	data, err := json.Marshal(artifact)
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact: %w", err)
	}

	tmp, err := os.CreateTemp(s.baseDir, ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move artifact into place: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"authority":     artifact.Authority,
		"property_type": artifact.PropertyType,
		"family":        artifact.Family,
		"window":        artifact.Window.String(),
		"path":          path,
	}).Debug("Saved model artifact")

	return path, nil
}

// Load reads the artifact of a key
func (s *Store) Load(key Key) (*Artifact, error) {
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", key.FileName(), err)
	}
	return &artifact, nil
}

// WithLock runs fn while holding the key's lock.
func (s *Store) WithLock(ctx context.Context, key Key, fn func() error) error {
	name := key.FileName()

	release, err := s.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	unlock, err := s.lockFile(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	return fn()
}

func (s *Store) acquire(ctx context.Context, name string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[name] = l
	}
	l.refs++
	s.mu.Unlock()

	drop := func() {
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, name)
		}
		s.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			drop()
		}, nil
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (s *Store) lockFile(ctx context.Context, name string) (func(), error) {
	path := filepath.Join(s.baseDir, name+".lock")

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			s.logger.WithField("lock", path).Warn("Removing stale artifact lock")
			os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, name, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}
