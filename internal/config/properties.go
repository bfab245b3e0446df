package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"hitotsume/internal/camera"
	"hitotsume/internal/logging"
)

// PropertyStore は検出したカメラ固有情報を保持する設定プロバイダ
// path が設定されていれば YAML に保存し、次回起動時のプリセットとして使う
type PropertyStore struct {
	path string
	log  logrus.FieldLogger

	mu       sync.RWMutex
	props    *camera.Properties
	controls camera.Controls
}

type propertyFile struct {
	SavedAt    time.Time         `yaml:"saved_at"`
	Properties camera.Properties `yaml:"properties"`
	Controls   camera.Controls   `yaml:"controls"`
}

// NewPropertyStore は新しいPropertyStoreを作成する
func NewPropertyStore(path string, log logrus.FieldLogger) *PropertyStore {
	if log == nil {
		log = logging.Logger()
	}
	return &PropertyStore{path: path, log: log.WithField("component", "config")}
}

// StoreProperties はカメラ固有情報を保持し、ファイルに保存する
func (p *PropertyStore) StoreProperties(props camera.Properties, controls camera.Controls) {
	p.mu.Lock()
	p.props = &props
	p.controls = controls
	p.mu.Unlock()

	if p.path == "" {
		return
	}
	if err := p.save(props, controls); err != nil {
		p.log.WithError(err).Warn("カメラ固有情報の保存に失敗しました")
		return
	}
	p.log.WithField("path", p.path).Info("カメラ固有情報を保存しました")
}

// Current は保持しているカメラ固有情報を返す
func (p *PropertyStore) Current() (camera.Properties, camera.Controls, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.props == nil {
		return camera.Properties{}, camera.Controls{}, false
	}
	return *p.props, p.controls, true
}

// Load は保存済みのカメラ固有情報を読み込む（ファイルが無ければ false）
func (p *PropertyStore) Load() (bool, error) {
	if p.path == "" {
		return false, nil
	}

	raw, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "カメラ固有情報の読み込みに失敗")
	}

	var file propertyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return false, errors.Wrapf(err, "カメラ固有情報のデコードに失敗: %s", p.path)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.props = &file.Properties
	p.controls = file.Controls
	return true, nil
}

// Apply は保持しているカメラ固有情報をプリセットとしてコントローラ設定に反映する
// 設定ファイルで明示された値が優先される
func (p *PropertyStore) Apply(opts *camera.Options) {
	props, controls, ok := p.Current()
	if !ok {
		return
	}
	if opts.Properties == nil {
		opts.Properties = &props
	}
	if opts.Controls == nil {
		opts.Controls = &controls
	}
}

func (p *PropertyStore) save(props camera.Properties, controls camera.Controls) error {
	out, err := yaml.Marshal(&propertyFile{
		SavedAt:    time.Now(),
		Properties: props,
		Controls:   controls,
	})
	if err != nil {
		return errors.Wrap(err, "カメラ固有情報のエンコードに失敗")
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return errors.Wrap(err, "ディレクトリの作成に失敗")
	}
	return os.WriteFile(p.path, out, 0o644)
}
