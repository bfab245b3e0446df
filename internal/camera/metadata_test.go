package camera

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func makeMetadata(n int) Metadata {
	meta := make(Metadata, 0, n)
	for i := 0; i < n; i++ {
		meta = append(meta, MetadataEntry{Key: fmt.Sprintf("key%02d", i), Value: fmt.Sprintf("%d", i)})
	}
	return meta
}

func TestWindowMetadata(t *testing.T) {
	tests := []struct {
		name      string
		entries   int
		wantLen   int
		truncated bool
	}{
		{name: "空", entries: 0, wantLen: 0},
		{name: "上限未満", entries: 3, wantLen: 3},
		{name: "ちょうど上限", entries: 10, wantLen: 10},
		{name: "上限+1", entries: 11, wantLen: 10, truncated: true},
		{name: "大量", entries: 40, wantLen: 10, truncated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := makeMetadata(tt.entries)
			w := WindowMetadata(meta, DefaultMetadataLimit)

			assert.Len(t, w.Entries, tt.wantLen)
			assert.Equal(t, tt.truncated, w.Truncated)
			assert.Equal(t, 0, w.First)
			assert.Equal(t, tt.wantLen, w.Last)
			assert.Equal(t, tt.entries, w.Total)
			if tt.wantLen > 0 {
				assert.Equal(t, meta[:tt.wantLen], w.Entries, "先頭から順序を保つ")
			}
		})
	}
}

func TestWindowMetadata_DoesNotAlias(t *testing.T) {
	meta := makeMetadata(3)
	w := WindowMetadata(meta, 0)
	w.Entries[0].Value = "changed"
	assert.Equal(t, "0", meta[0].Value)
}

func TestMetadata_Get(t *testing.T) {
	meta := makeMetadata(3)

	v, ok := meta.Get("key01")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	_, ok = meta.Get("missing")
	assert.False(t, ok)
}
