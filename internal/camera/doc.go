// Package camera カメラデバイスのセッション管理とフレームの受け渡しを担う
//
// # 責務
// - カメラの列挙と向き（背面/前面）の判定
// - デバイスのライフサイクル管理（オープン・開始・停止・解放）
// - 最新のプレビューフレームを別ゴルーチンのコンシューマへ受け渡す
// - デバイスノードの追加・削除の監視
//
// # 仕様
//   - FrameSource: 1セッションにつき同時に開くデバイスは最大1つ。
//     別の向きを開始する前に、必ず前のデバイスを完全に停止する
//   - フレームは単一スロットに上書き保存する。キューはなく、
//     コンシューマが遅い場合は古いフレームが破棄される
//   - プラットフォーム呼び出しの失敗はログに出力して握りつぶす。
//     呼び出し側は幅・高さが0であることで失敗を判断する
//   - Platform: ドライバごとの実装（v4l2, ffmpeg, mock）
//
// # 前提要件
//   - v4l2ドライバ: /dev/video* への読み取り権限（videoグループ）
//   - v4l-utils: カメラ名の取得とフォーマット確認に使用（任意）
//   - ffmpegドライバ: ffmpeg
package camera
