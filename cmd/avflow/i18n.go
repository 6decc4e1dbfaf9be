// Package main provides localization for the avflow CLI.
package main

import (
	"github.com/ideamans/go-l10n"
)

func init() {
	// Register Japanese translations for CLI messages.
	l10n.Register("ja", l10n.LexiconMap{
		// Flag categories
		"Files":      "ファイル",
		"Codecs":     "コーデック",
		"Processing": "処理",
		"Debug":      "デバッグ",
		"Logging":    "ログ",

		// Root command
		"Demux, transcode, filter and remux media files": "メディアファイルの分離・変換・フィルタ・再多重化を行います",

		// Commands
		"Process an input file into an output file": "入力ファイルを処理して出力ファイルを作成",
		"Print the streams of a media file":         "メディアファイルのストリームを表示",
		"List codecs and how they are served":       "コーデックと実装方式の一覧を表示",
		"Show version information":                  "バージョン情報を表示",
		"avflow version %s":                         "avflow バージョン %s",

		// File flags
		"Input file path":                       "入力ファイルパス",
		"Output file path":                      "出力ファイルパス",
		"YAML configuration file":               "YAML設定ファイル",
		"Write a Markdown summary to this path": "Markdownサマリーの出力先",

		// Codec flags
		"Video codec (copy, drop or a codec name)": "動画コーデック（copy, drop またはコーデック名）",
		"Audio codec (copy, drop or a codec name)": "音声コーデック（copy, drop またはコーデック名）",
		"Subtitle codec (copy or drop)":            "字幕コーデック（copy または drop）",
		"Rate control (vbr, cbr)":                  "レート制御（vbr, cbr）",
		"Target video bitrate in bits per second":  "動画の目標ビットレート（bps）",
		"Target audio bitrate in bits per second":  "音声の目標ビットレート（bps）",
		"Path to the ffmpeg binary":                "ffmpeg 実行ファイルのパス",

		// Processing flags
		"Filter spec such as scale=w=640:h=360 (repeatable)": "フィルタ指定（例: scale=w=640:h=360、複数指定可）",
		"Input stream index to process (repeatable)":         "処理する入力ストリーム番号（複数指定可）",
		"Capacity of each inter-stage queue":                 "ステージ間キューの容量",
		"Stop every stream when one fails":                   "1つのストリームが失敗したら全体を停止",
		"Failed packets or frames tolerated per stream":      "ストリームごとに許容する失敗パケット・フレーム数",

		// Debug and logging flags
		"Enable debug output":                  "デバッグ出力を有効化",
		"Directory for debug output":           "デバッグ出力ディレクトリ",
		"Log level (debug, info, warn, error)": "ログレベル（debug, info, warn, error）",
		"Suppress all log output":              "すべてのログ出力を抑制",
		"Print descriptors as JSON":            "ストリーム情報をJSONで出力",

		// Stream status
		"stream %d %s %s: succeeded, %d packets, %d skipped": "ストリーム %d %s %s: 成功、%d パケット、%d スキップ",
		"stream %d %s %s: failed after %d packets: %s":       "ストリーム %d %s %s: %d パケット後に失敗: %s",
		"stream %d %s %s: skipped":                           "ストリーム %d %s %s: スキップ",

		// Errors
		"both --input and --output are required": "--input と --output の両方が必要です",
		"probe takes exactly one input":          "probe には入力を1つだけ指定してください",
	})
}
