package ml

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

const (
	storeMagic   = "MNSV"
	storeVersion = uint16(1)
	headerSize   = 4 + 2 + 4 + 8
)

// ModelStore persists one SVC at a fixed path.
//
// File layout: magic "MNSV" | version uint16 | crc32(payload) uint32 |
// len(payload) uint64 | payload, big endian, payload = snappy(gob(SVC)).
type ModelStore struct {
	path string
}

func NewModelStore(path string) *ModelStore {
	return &ModelStore{path: path}
}

func (s *ModelStore) Path() string { return s.path }

// Save replaces the file atomically: readers see the old model or the new one,
// never a partial write.
func (s *ModelStore) Save(model *SVC) error {
	const op = "store.save"
	if model == nil || len(model.Machines) == 0 {
		return Ef(KindTraining, op, "model not trained")
	}

	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(model); err != nil {
		return errors.Wrap(err, "encode model")
	}
	payload := snappy.Encode(nil, raw.Bytes())

	header := make([]byte, headerSize)
	copy(header, storeMagic)
	binary.BigEndian.PutUint16(header[4:], storeVersion)
	binary.BigEndian.PutUint32(header[6:], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint64(header[10:], uint64(len(payload)))

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create model dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp model file")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(header); err != nil {
		return errors.Wrap(err, "write model header")
	}
	if _, err := tmp.Write(payload); err != nil {
		return errors.Wrap(err, "write model payload")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync model file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close model file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrapf(err, "rename model file into %s", s.path)
	}
	committed = true
	return nil
}

// ErrModelReplaced is returned by Quarantine when the file at the path is no longer
// the one the corrupt load read.
var ErrModelReplaced = errors.New("model file replaced since it was read")

// corruptFile identifies the file a failed decode read, so Quarantine only moves
// that file.
type corruptFile struct {
	info fs.FileInfo
	err  error
}

func (c *corruptFile) Error() string { return c.err.Error() }
func (c *corruptFile) Unwrap() error { return c.err }

// Load reads the model. A missing file is KindModelNotFound; anything present but
// unreadable as a model is KindCorruptModel.
func (s *ModelStore) Load() (*SVC, error) {
	const op = "store.load"
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, E(KindModelNotFound, op, s.path, err)
		}
		return nil, errors.Wrapf(err, "open model %s", s.path)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat model %s", s.path)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read model %s", s.path)
	}
	model, err := decodeModel(data)
	if err != nil {
		return nil, E(KindCorruptModel, op, s.path, &corruptFile{info: info, err: err})
	}
	return model, nil
}

// Quarantine moves the file behind a corrupt Load error aside and returns its new
// path. If a Save replaced the file after that load, nothing is moved and the error
// is ErrModelReplaced.
func (s *ModelStore) Quarantine(loadErr error) (string, error) {
	var cf *corruptFile
	if !errors.As(loadErr, &cf) {
		return "", errors.Errorf("quarantine %s: not a corrupt model error: %v", s.path, loadErr)
	}
	cur, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrModelReplaced
		}
		return "", errors.Wrapf(err, "quarantine %s", s.path)
	}
	if !os.SameFile(cf.info, cur) {
		return "", ErrModelReplaced
	}
	dst := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, dst); err != nil {
		return "", errors.Wrapf(err, "quarantine %s", s.path)
	}
	return dst, nil
}

func decodeModel(data []byte) (*SVC, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("file is %d bytes, shorter than the %d byte header", len(data), headerSize)
	}
	if string(data[:4]) != storeMagic {
		return nil, fmt.Errorf("bad magic %q", data[:4])
	}
	if v := binary.BigEndian.Uint16(data[4:]); v != storeVersion {
		return nil, fmt.Errorf("unsupported format version %d", v)
	}
	sum := binary.BigEndian.Uint32(data[6:])
	n := binary.BigEndian.Uint64(data[10:])
	payload := data[headerSize:]
	if uint64(len(payload)) != n {
		return nil, fmt.Errorf("payload is %d bytes, header says %d", len(payload), n)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, errors.New("checksum mismatch")
	}
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, errors.Wrap(err, "decompress")
	}
	var model SVC
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&model); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if err := model.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid model")
	}
	return &model, nil
}
