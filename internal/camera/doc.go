// Package camera は1台のカメラを複数の利用者で共有するための制御を担う
//
// # 責務
// - ライブビュー・静止画撮影・録画の排他制御（状態機械）
// - 取得スレッドによる最新フレームの配信
// - 取得スレッドの協調停止と上限付き待機
// - モード切り替え時のデバイスの作り直し
// - カメラ固有情報の一度きりの検出
//
// # 状態遷移
//
//	Idle -> Streaming -> Capturing -> Idle
//	Idle/Streaming -> Recording -> Idle
//	Any -> Error -> (Reset) -> Idle
//
// Controller の公開メソッドは状態遷移全体を1つのロックで直列化する
// 取得スレッドはロックの外で FrameBroadcast にフレームを公開する
//
// # 動作
// - FrameBroadcast: 最新フレームのみ保持し、待機中の全コンシューマを起こす
// - StopCoordinator: 停止フラグ → 10ms 間隔で最大約200回ポーリング → ErrStopTimeout
// - V4L2Driver: blackjack/webcam による MJPEG 取得
// - MockDriver: テスト・開発用の疑似デバイス
//
// # 前提要件
//   - v4l-utils: カメラ名の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
