// Package storage は撮影した写真と録画の保存を担う
//
// 写真は画像ファイルと同名の YAML サイドカー（メタデータ）の組で保存する
//
//	photos/photo_20250101_120000_000.jpg
//	photos/photo_20250101_120000_000.yaml
//
// 録画は MJPEG フレームを連結したファイルとして保存する
package storage

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"gopkg.in/yaml.v3"

	"hitotsume/internal/camera"
	"hitotsume/internal/logging"
)

const sidecarExt = ".yaml"

// ErrInvalidPath は保存先が写真ディレクトリの外を指す場合のエラー
var ErrInvalidPath = errors.New("invalid path")

// Sidecar は写真に添付するメタデータファイルの内容
type Sidecar struct {
	Filename string          `yaml:"filename"`
	MIME     string          `yaml:"mime"`
	Size     int             `yaml:"size"`
	SavedAt  time.Time       `yaml:"saved_at"`
	Metadata camera.Metadata `yaml:"metadata"`
}

// PhotoInfo は保存済み写真の情報
type PhotoInfo struct {
	Path     string          `json:"path"`
	Filename string          `json:"filename"`
	MIME     string          `json:"mime"`
	Size     int64           `json:"size"`
	SavedAt  time.Time       `json:"saved_at"`
	Metadata camera.Metadata `json:"metadata,omitempty"`
}

// Store はファイルシステム上の写真/録画ストレージ
type Store struct {
	photoDir string
	videoDir string
	log      logrus.FieldLogger

	mu sync.Mutex
}

// New は新しいStoreを作成し、保存先ディレクトリを用意する
func New(photoDir, videoDir string, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logging.Logger()
	}
	for _, dir := range []string{photoDir, videoDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "ディレクトリの作成に失敗: %s", dir)
		}
	}
	return &Store{
		photoDir: photoDir,
		videoDir: videoDir,
		log:      log.WithField("component", "storage"),
	}, nil
}

// PhotoDir は写真の保存先を返す
func (s *Store) PhotoDir() string {
	return s.photoDir
}

// VideoDir は録画の保存先を返す
func (s *Store) VideoDir() string {
	return s.videoDir
}

// SavePhoto は画像とメタデータのサイドカーを保存し、画像のパスを返す
// dir が相対パスなら写真ディレクトリからの相対とみなす
// filename に拡張子が無ければ画像の内容から決める
func (s *Store) SavePhoto(data []byte, meta camera.Metadata, dir, filename string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("画像データが空です")
	}
	if filename == "" {
		return "", errors.Wrap(ErrInvalidPath, "ファイル名が空です")
	}
	if err := ValidatePhotoPath(dir, filename); err != nil {
		return "", err
	}

	dir = s.resolveDir(dir)

	mtype := mimetype.Detect(data)
	if filepath.Ext(filename) == "" {
		filename += mtype.Extension()
	}
	path := filepath.Join(dir, filename)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "ディレクトリの作成に失敗: %s", dir)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", errors.Wrap(err, "画像の書き込みに失敗")
	}

	sidecar := Sidecar{
		Filename: filename,
		MIME:     mtype.String(),
		Size:     len(data),
		SavedAt:  time.Now(),
		Metadata: meta,
	}
	out, err := yaml.Marshal(&sidecar)
	if err != nil {
		return "", errors.Wrap(err, "メタデータのエンコードに失敗")
	}
	if err := writeFileAtomic(sidecarPath(path), out); err != nil {
		return "", errors.Wrap(err, "メタデータの書き込みに失敗")
	}

	s.log.WithFields(logrus.Fields{
		"path": path,
		"mime": mtype.String(),
		"size": len(data),
	}).Info("写真を保存しました")
	return path, nil
}

// LoadSidecar は写真に添付されたメタデータを読み込む
func (s *Store) LoadSidecar(photoPath string) (*Sidecar, error) {
	raw, err := os.ReadFile(sidecarPath(photoPath))
	if err != nil {
		return nil, errors.Wrap(err, "メタデータの読み込みに失敗")
	}
	var sidecar Sidecar
	if err := yaml.Unmarshal(raw, &sidecar); err != nil {
		return nil, errors.Wrap(err, "メタデータのデコードに失敗")
	}
	return &sidecar, nil
}

// ListPhotos は写真ディレクトリ直下の写真を新しい順に返す
func (s *Store) ListPhotos() ([]PhotoInfo, error) {
	entries, err := os.ReadDir(s.photoDir)
	if err != nil {
		return nil, errors.Wrap(err, "写真ディレクトリの読み込みに失敗")
	}

	var photos []PhotoInfo
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || filepath.Ext(entry.Name()) == sidecarExt {
			continue
		}
		path := filepath.Join(s.photoDir, entry.Name())
		mtype, err := mimetype.DetectFile(path)
		if err != nil || !strings.HasPrefix(mtype.String(), "image/") {
			continue
		}
		stat, err := entry.Info()
		if err != nil {
			continue
		}

		info := PhotoInfo{
			Path:     path,
			Filename: entry.Name(),
			MIME:     mtype.String(),
			Size:     stat.Size(),
			SavedAt:  stat.ModTime(),
		}
		if sidecar, err := s.LoadSidecar(path); err == nil {
			info.SavedAt = sidecar.SavedAt
			info.Metadata = sidecar.Metadata
		}
		photos = append(photos, info)
	}

	sort.Slice(photos, func(i, j int) bool {
		return photos[i].SavedAt.After(photos[j].SavedAt)
	})
	return photos, nil
}

// CreateRecording は録画の書き込み先ファイルを作成する
func (s *Store) CreateRecording(name string) (*FileSink, error) {
	if name == "" {
		name = "video_" + time.Now().Format("20060102_150405") + "_" + uuid.New().String()[:8]
	}
	if filepath.Ext(name) == "" {
		name += ".mjpeg"
	}
	path := filepath.Join(s.videoDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "録画ファイルの作成に失敗: %s", path)
	}

	s.log.WithField("path", path).Info("録画ファイルを作成しました")
	return &FileSink{
		path:    path,
		file:    f,
		writer:  bufio.NewWriter(f),
		written: atomic.NewInt64(0),
	}, nil
}

// ValidatePhotoPath は dir と filename が写真ディレクトリの中に収まるか検証する
// dir は写真ディレクトリからの相対パスのみ、filename はパス区切りを含まない名前のみ許可する
// 空の値は既定値が使われるので許可する
func ValidatePhotoPath(dir, filename string) error {
	if dir != "" && (filepath.IsAbs(dir) || !filepath.IsLocal(dir)) {
		return errors.Wrapf(ErrInvalidPath, "ディレクトリ: %q", dir)
	}
	if filename == "" {
		return nil
	}
	if strings.ContainsAny(filename, `/\`) || strings.HasPrefix(filename, ".") {
		return errors.Wrapf(ErrInvalidPath, "ファイル名: %q", filename)
	}
	return nil
}

func (s *Store) resolveDir(dir string) string {
	if dir == "" {
		return s.photoDir
	}
	return filepath.Join(s.photoDir, filepath.Clean(dir))
}

// FileSink は録画フレームをファイルに書き込む
type FileSink struct {
	path    string
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	written *atomic.Int64
	closed  bool
}

// Path は書き込み先のパスを返す
func (f *FileSink) Path() string {
	return f.path
}

// Written は書き込んだバイト数を返す
func (f *FileSink) Written() int64 {
	return f.written.Load()
}

// Write はフレームを書き込む
func (f *FileSink) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, os.ErrClosed
	}
	n, err := f.writer.Write(p)
	f.written.Add(int64(n))
	return n, err
}

// Close はバッファをフラッシュしてファイルを閉じる
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	if err := f.writer.Flush(); err != nil {
		_ = f.file.Close()
		return errors.Wrap(err, "録画ファイルのフラッシュに失敗")
	}
	return f.file.Close()
}

// Discard はファイルを閉じて削除する（録画を開始できなかった場合に使う）
func (f *FileSink) Discard() error {
	_ = f.Close()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "録画ファイルの削除に失敗: %s", f.path)
	}
	return nil
}

func sidecarPath(photoPath string) string {
	return strings.TrimSuffix(photoPath, filepath.Ext(photoPath)) + sidecarExt
}

// writeFileAtomic は一時ファイルに書いてからリネームする
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
