// Package dataset fetches and decodes the MNIST handwritten digit dataset.
package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mnister/ml"
)

const (
	ImageSize = 28
	// TrainPoolSize is how many leading samples are the canonical training pool.
	TrainPoolSize = 60000

	DefaultBaseURL  = "https://storage.googleapis.com/cvdf-datasets/mnist/"
	DefaultCacheDir = "mnist_cache"

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

type file struct {
	name   string
	sha256 string
}

// Train files come first so the training pool is the prefix of the dataset.
var (
	trainImages = file{"train-images-idx3-ubyte.gz", "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609"}
	trainLabels = file{"train-labels-idx1-ubyte.gz", "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c"}
	testImages  = file{"t10k-images-idx3-ubyte.gz", "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6"}
	testLabels  = file{"t10k-labels-idx1-ubyte.gz", "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6"}
)

// Dataset is the ordered sample sequence. Images are raw 0-255 intensities.
type Dataset struct {
	Images [][]byte
	Labels []int
}

func (d *Dataset) Len() int { return len(d.Labels) }

// TrainingPool returns the first n samples; the remainder must never be trained on.
func (d *Dataset) TrainingPool(n int) *Dataset {
	if n > d.Len() {
		n = d.Len()
	}
	return &Dataset{Images: d.Images[:n], Labels: d.Labels[:n]}
}

// Holdout returns the samples after the first n.
func (d *Dataset) Holdout(n int) *Dataset {
	if n > d.Len() {
		n = d.Len()
	}
	return &Dataset{Images: d.Images[n:], Labels: d.Labels[n:]}
}

// Features converts the selected samples to float vectors.
func (d *Dataset) Features(indices []int) ([][]float64, []int) {
	x := make([][]float64, len(indices))
	y := make([]int, len(indices))
	for k, i := range indices {
		v := make([]float64, len(d.Images[i]))
		for j, p := range d.Images[i] {
			v[j] = float64(p)
		}
		x[k] = v
		y[k] = d.Labels[i]
	}
	return x, y
}

// All returns every sample as float vectors.
func (d *Dataset) All() ([][]float64, []int) {
	idx := make([]int, d.Len())
	for i := range idx {
		idx[i] = i
	}
	return d.Features(idx)
}

// Fetcher loads MNIST from a local cache directory, downloading missing files.
type Fetcher struct {
	BaseURL  string
	CacheDir string
	Client   *http.Client
	Log      *zap.Logger
	// SkipVerify disables the checksum check, for mirrors serving repacked files.
	SkipVerify bool
}

func NewFetcher(baseURL, cacheDir string, log *zap.Logger) *Fetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{BaseURL: baseURL, CacheDir: cacheDir, Client: http.DefaultClient, Log: log}
}

// Fetch returns the 70,000 sample dataset, training files first.
func (f *Fetcher) Fetch(ctx context.Context) (*Dataset, error) {
	const op = "dataset.fetch"
	var out Dataset
	for _, pair := range [][2]file{{trainImages, trainLabels}, {testImages, testLabels}} {
		imgData, err := f.load(ctx, pair[0])
		if err != nil {
			return nil, ml.E(ml.KindDataUnavailable, op, pair[0].name, err)
		}
		lblData, err := f.load(ctx, pair[1])
		if err != nil {
			return nil, ml.E(ml.KindDataUnavailable, op, pair[1].name, err)
		}
		images, err := ParseImages(imgData)
		if err != nil {
			return nil, ml.E(ml.KindDataUnavailable, op, pair[0].name, err)
		}
		labels, err := ParseLabels(lblData)
		if err != nil {
			return nil, ml.E(ml.KindDataUnavailable, op, pair[1].name, err)
		}
		if len(images) != len(labels) {
			return nil, ml.Ef(ml.KindDataUnavailable, op, "%d images but %d labels", len(images), len(labels))
		}
		out.Images = append(out.Images, images...)
		out.Labels = append(out.Labels, labels...)
	}
	f.Log.Info("mnist loaded", zap.Int("samples", out.Len()), zap.String("cache_dir", f.CacheDir))
	return &out, nil
}

// load returns the gunzipped contents of one dataset file.
func (f *Fetcher) load(ctx context.Context, fl file) ([]byte, error) {
	path := filepath.Join(f.CacheDir, fl.name)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := f.download(ctx, fl, path); err != nil {
			return nil, err
		}
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !f.SkipVerify {
		sum := sha256.Sum256(compressed)
		if got := hex.EncodeToString(sum[:]); got != fl.sha256 {
			os.Remove(path)
			return nil, fmt.Errorf("checksum mismatch for %s: got %s", path, got)
		}
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrapf(err, "gunzip %s", path)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// download writes to a temp file and renames it into place once complete.
func (f *Fetcher) download(ctx context.Context, fl file, path string) error {
	url := strings.TrimRight(f.BaseURL, "/") + "/" + fl.name
	f.Log.Info("downloading mnist file", zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "get %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.CacheDir, fl.name+".part-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "download %s", url)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ParseImages decodes an uncompressed IDX3 image file of 28x28 images.
func ParseImages(data []byte) ([][]byte, error) {
	if len(data) < 16 {
		return nil, errors.New("image file header truncated")
	}
	if m := binary.BigEndian.Uint32(data[0:]); m != imageMagic {
		return nil, fmt.Errorf("bad image magic 0x%08x", m)
	}
	n := int(binary.BigEndian.Uint32(data[4:]))
	rows := int(binary.BigEndian.Uint32(data[8:]))
	cols := int(binary.BigEndian.Uint32(data[12:]))
	if rows != ImageSize || cols != ImageSize {
		return nil, fmt.Errorf("images are %dx%d, want %dx%d", rows, cols, ImageSize, ImageSize)
	}
	size := rows * cols
	body := data[16:]
	if len(body) != n*size {
		return nil, fmt.Errorf("image body is %d bytes, want %d", len(body), n*size)
	}
	images := make([][]byte, n)
	for i := range images {
		images[i] = body[i*size : (i+1)*size : (i+1)*size]
	}
	return images, nil
}

// ParseLabels decodes an uncompressed IDX1 label file.
func ParseLabels(data []byte) ([]int, error) {
	if len(data) < 8 {
		return nil, errors.New("label file header truncated")
	}
	if m := binary.BigEndian.Uint32(data[0:]); m != labelMagic {
		return nil, fmt.Errorf("bad label magic 0x%08x", m)
	}
	n := int(binary.BigEndian.Uint32(data[4:]))
	body := data[8:]
	if len(body) != n {
		return nil, fmt.Errorf("label body is %d bytes, want %d", len(body), n)
	}
	labels := make([]int, n)
	for i, b := range body {
		if b > 9 {
			return nil, fmt.Errorf("label %d at %d out of range", b, i)
		}
		labels[i] = int(b)
	}
	return labels, nil
}
