// Package server はカメラセッションをHTTP APIとして公開する
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - FrameSourceの制御操作（初期化・開始・停止・切り替え）の提供
//   - 最新フレームの取得（raw/JPEG）とMJPEGストリーミング
//   - スナップショットとPrometheusメトリクスの公開
//
// 仕様:
//   - ルーティングはgin、リクエストの検証はopenapi.yamlに対してkin-openapiで行う
//   - 制御操作はHandler内のロックで直列化する
//   - フレームの読み出しはスロットのロックを短時間だけ保持する
package server
