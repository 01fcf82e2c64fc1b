package model

// Tag はwallabag上のタグラベルとエクスポート形式の対応を表す。
type Tag struct {
	Label  string
	Format Format
}

// MakeTags は基本タグ名とデフォルト形式から4つのタグ対応表を生成する。
// 順序は固定で、検出フェーズはこの順にタグを処理する。
//
//	{base}      -> defaultFormat
//	{base}-epub -> epub
//	{base}-mobi -> mobi
//	{base}-pdf  -> pdf
func MakeTags(base string, defaultFormat Format) []Tag {
	return []Tag{
		{Label: base, Format: defaultFormat},
		{Label: base + "-epub", Format: FormatEPUB},
		{Label: base + "-mobi", Format: FormatMOBI},
		{Label: base + "-pdf", Format: FormatPDF},
	}
}
