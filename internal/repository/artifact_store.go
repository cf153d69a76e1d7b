package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	applogger "FinCast/pkg/logger"
)

const artifactExt = ".fca"

// FileArtifactStore keeps one zstd-compressed JSON artifact per instrument
// under <root>/<EXCHANGE>/<SYMBOL>.fca. Saves go through a temp file in the
// same directory and a rename, so readers never see a partial artifact.
type FileArtifactStore struct {
	root string
	l    *applogger.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewFileArtifactStore(root string, l *applogger.Logger) (*FileArtifactStore, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &FileArtifactStore{root: root, l: l, locks: make(map[string]*sync.RWMutex), enc: enc, dec: dec}, nil
}

func (s *FileArtifactStore) lock(inst models.Instrument) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[inst.Key()]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[inst.Key()] = l
	}
	return l
}

func (s *FileArtifactStore) path(inst models.Instrument) (string, error) {
	if err := inst.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.root, inst.Exchange, inst.Symbol+artifactExt), nil
}

func (s *FileArtifactStore) Save(ctx context.Context, a *models.Artifact) error {
	if a == nil {
		return fmt.Errorf("save artifact: nil artifact")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(a.Instrument)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	start := time.Now()

	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	payload := s.enc.EncodeAll(raw, make([]byte, 0, len(raw)/4))

	lk := s.lock(a.Instrument)
	lk.Lock()
	defer lk.Unlock()

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+a.Instrument.Symbol+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("commit artifact: %w", err)
	}
	committed = true

	s.l.Info("artifact saved",
		applogger.Instrument(a.Instrument),
		applogger.String("run_id", a.RunID),
		applogger.Int("bytes", len(payload)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return nil
}

func (s *FileArtifactStore) Load(ctx context.Context, inst models.Instrument) (*models.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(inst)
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}

	lk := s.lock(inst)
	lk.RLock()
	payload, err := os.ReadFile(p)
	lk.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domrepo.ErrArtifactNotFound, inst)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	raw, err := s.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact %s: %w", inst, err)
	}
	var a models.Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", inst, err)
	}
	return &a, nil
}

func (s *FileArtifactStore) Delete(ctx context.Context, inst models.Instrument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(inst)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	lk := s.lock(inst)
	lk.Lock()
	defer lk.Unlock()
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", domrepo.ErrArtifactNotFound, inst)
		}
		return fmt.Errorf("delete artifact: %w", err)
	}
	s.l.Info("artifact deleted", applogger.Instrument(inst))
	return nil
}

// List returns every instrument with a committed artifact, sorted by key.
func (s *FileArtifactStore) List(ctx context.Context) ([]models.Instrument, error) {
	var out []models.Instrument
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), artifactExt) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 2 {
			return nil
		}
		out = append(out, models.Instrument{Exchange: parts[0], Symbol: strings.TrimSuffix(parts[1], artifactExt)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}
