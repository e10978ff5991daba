package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mnister/ml"
)

func idxImages(n int, fill func(i int) byte) []byte {
	var buf bytes.Buffer
	for _, v := range []uint32{imageMagic, uint32(n), ImageSize, ImageSize} {
		binary.Write(&buf, binary.BigEndian, v)
	}
	for i := 0; i < n; i++ {
		buf.Write(bytes.Repeat([]byte{fill(i)}, ImageSize*ImageSize))
	}
	return buf.Bytes()
}

func idxLabels(labels []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(labelMagic))
	binary.Write(&buf, binary.BigEndian, uint32(len(labels)))
	buf.Write(labels)
	return buf.Bytes()
}

func gz(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// mirror serves a tiny four-file dataset: 20 training samples and 5 test samples.
func mirror(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	trainLbl := make([]byte, 20)
	for i := range trainLbl {
		trainLbl[i] = byte(i % 10)
	}
	files := map[string][]byte{
		"/" + trainImages.name: gz(t, idxImages(20, func(i int) byte { return byte(i) })),
		"/" + trainLabels.name: gz(t, idxLabels(trainLbl)),
		"/" + testImages.name:  gz(t, idxImages(5, func(i int) byte { return byte(200 + i) })),
		"/" + testLabels.name:  gz(t, idxLabels([]byte{9, 8, 7, 6, 5})),
	}
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestParseImages(t *testing.T) {
	images, err := ParseImages(idxImages(3, func(i int) byte { return byte(i + 1) }))
	require.NoError(t, err)
	require.Len(t, images, 3)
	assert.Len(t, images[2], ImageSize*ImageSize)
	assert.Equal(t, byte(3), images[2][0])

	_, err = ParseImages([]byte{0, 0, 8, 3})
	assert.Error(t, err)

	bad := idxImages(1, func(int) byte { return 0 })
	binary.BigEndian.PutUint32(bad[0:], labelMagic)
	_, err = ParseImages(bad)
	assert.Error(t, err)

	short := idxImages(2, func(int) byte { return 0 })
	_, err = ParseImages(short[:len(short)-1])
	assert.Error(t, err)
}

func TestParseLabels(t *testing.T) {
	labels, err := ParseLabels(idxLabels([]byte{0, 5, 9}))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 5, 9}, labels)

	_, err = ParseLabels(idxLabels([]byte{10}))
	assert.Error(t, err)

	_, err = ParseLabels(idxLabels([]byte{1, 2})[:9])
	assert.Error(t, err)
}

func TestFetchDownloadsAndCaches(t *testing.T) {
	srv, hits := mirror(t)
	dir := t.TempDir()
	f := NewFetcher(srv.URL, dir, zaptest.NewLogger(t))
	f.SkipVerify = true

	data, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 25, data.Len())
	assert.Equal(t, 3, data.Labels[13])
	assert.Equal(t, byte(13), data.Images[13][0])
	// Test files follow the training files.
	assert.Equal(t, 9, data.Labels[20])
	assert.Equal(t, byte(200), data.Images[20][0])
	assert.Equal(t, int32(4), atomic.LoadInt32(hits))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	_, err = f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(hits), "second fetch should read the cache")
}

func TestFetchChecksumMismatch(t *testing.T) {
	srv, _ := mirror(t)
	dir := t.TempDir()
	f := NewFetcher(srv.URL, dir, nil)

	_, err := f.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, ml.KindDataUnavailable, ml.KindOf(err))

	_, statErr := os.Stat(filepath.Join(dir, trainImages.name))
	assert.True(t, os.IsNotExist(statErr), "bad file should be removed")
}

func TestFetchMissingFile(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	dir := t.TempDir()
	f := NewFetcher(srv.URL, dir, nil)
	f.SkipVerify = true

	_, err := f.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, ml.KindDataUnavailable, ml.KindOf(err))
	assert.Contains(t, err.Error(), "status 404")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDatasetPoolAndHoldout(t *testing.T) {
	d := &Dataset{
		Images: [][]byte{{1}, {2}, {3}, {4}},
		Labels: []int{0, 1, 2, 3},
	}
	assert.Equal(t, []int{0, 1, 2}, d.TrainingPool(3).Labels)
	assert.Equal(t, []int{3}, d.Holdout(3).Labels)
	assert.Equal(t, 4, d.TrainingPool(10).Len())
	assert.Equal(t, 0, d.Holdout(10).Len())

	x, y := d.Features([]int{3, 1})
	assert.Equal(t, [][]float64{{4}, {2}}, x)
	assert.Equal(t, []int{3, 1}, y)
}
