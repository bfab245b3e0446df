package display

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hitotsume/internal/camera"
	"hitotsume/internal/logging"
)

func TestBoard(t *testing.T) {
	board := NewBoard(logging.Discard())

	_, ok := board.Current()
	assert.False(t, ok)

	meta := camera.Metadata{{Key: "ExposureTime", Value: "100"}}
	board.ShowPhoto(camera.DisplayInfo{
		Path:       "/tmp/a.jpg",
		Filename:   "a.jpg",
		Metadata:   meta,
		MetaLast:   1,
		CapturedAt: time.Now(),
	})

	info, ok := board.Current()
	require.True(t, ok)
	assert.Equal(t, "a.jpg", info.Filename)
	assert.False(t, info.Hidden)

	// 呼び出し側の変更は掲示板に影響しない
	meta[0].Value = "changed"
	info.Metadata[0].Key = "changed"
	info, _ = board.Current()
	assert.Equal(t, camera.MetadataEntry{Key: "ExposureTime", Value: "100"}, info.Metadata[0])

	board.Hide()
	info, _ = board.Current()
	assert.True(t, info.Hidden)

	// 新しい撮影で再び表示される
	board.ShowPhoto(camera.DisplayInfo{Path: "/tmp/b.jpg", Filename: "b.jpg"})
	info, _ = board.Current()
	assert.Equal(t, "b.jpg", info.Filename)
	assert.False(t, info.Hidden)
}
