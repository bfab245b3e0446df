// Package server は、カメラ操作のHTTP APIとライブビュー配信を提供します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - MJPEG (multipart/x-mixed-replace) とWebSocketによるライブビュー配信
//   - 静止画撮影・録画・リセットのAPI
//   - カメラのエラーをHTTPステータスへ変換
//
// 動作:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - カメラが使用中なら 409、エラー状態なら 503 を返す
//   - ライブビューは接続時に必要ならストリーミングを開始する
package server
