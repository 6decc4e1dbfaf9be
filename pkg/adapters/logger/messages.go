package logger

import "github.com/ideamans/go-l10n"

func init() {
	l10n.Register("ja", l10n.LexiconMap{
		// Orchestration level messages (info)
		"Probing %s":                           "%s を解析中",
		"Starting pipeline with %d streams":    "%d ストリームでパイプラインを開始します",
		"Output saved to %s":                   "出力を %s に保存しました",
		"Pipeline completed successfully":      "パイプラインが正常に完了しました",
		"Interrupted, output finalized":        "中断されました。出力は確定済みです",
		"Interrupted, shutting down...":        "中断されました。シャットダウン中...",
		"Stream %d (%s, %s): %d packets written, %d units skipped": "ストリーム %d (%s, %s): %d パケット書き込み, %d ユニットをスキップ",

		// Warnings
		"Stream %d cannot be written: %s":                     "ストリーム %d は書き込めません: %s",
		"Stream %d failed, continuing with remaining streams": "ストリーム %d が失敗しました。残りのストリームを続行します",
		"Stream %d failed, stopping remaining streams":        "ストリーム %d が失敗しました。残りのストリームを停止します",
		"Failed to save debug output: %s":                     "デバッグ出力の保存に失敗しました: %s",
		"Buffer pool ceiling of %d blocks reached, allocating unpooled buffers": "バッファプールの上限 %d ブロックに達しました。プール外のバッファを割り当てます",

		// Errors
		"Stream %d (%s, %s) failed: %s":     "ストリーム %d (%s, %s) が失敗しました: %s",
		"Failed to probe input: %s":         "入力の解析に失敗しました: %s",
		"Failed to build pipeline: %s":      "パイプラインの構築に失敗しました: %s",
		"Failed to write output: %s":        "出力の書き込みに失敗しました: %s",
		"Failed to finalize output: %s":     "出力の確定に失敗しました: %s",
		"Failed to load config: %s":         "設定の読み込みに失敗しました: %s",
		"Some streams failed: %v":           "一部のストリームが失敗しました: %v",
	})
}
