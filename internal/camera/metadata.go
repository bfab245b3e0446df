package camera

// DefaultMetadataLimit は表示用に保持するメタデータ件数
// これを超える（limit+1件以上の）メタデータは先頭 limit 件に切り詰める
const DefaultMetadataLimit = 10

// MetadataWindow は表示用に切り詰めたメタデータ
type MetadataWindow struct {
	Entries   Metadata
	First     int
	Last      int // 切り詰めていない場合は len(Entries)
	Truncated bool
	Total     int
}

// WindowMetadata はメタデータを表示用の件数に制限する
func WindowMetadata(meta Metadata, limit int) MetadataWindow {
	if limit <= 0 {
		limit = DefaultMetadataLimit
	}

	w := MetadataWindow{Total: len(meta)}
	if len(meta) <= limit {
		w.Entries = append(Metadata(nil), meta...)
		w.Last = len(meta)
		return w
	}

	w.Entries = append(Metadata(nil), meta[:limit]...)
	w.Last = limit
	w.Truncated = true
	return w
}

// Get はキーに対応する値を返す
func (m Metadata) Get(key string) (string, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}
