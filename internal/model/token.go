package model

// TokenMetadata はレジャーのトークンメタデータを表す。
// トークンの設定は実行時に変化しないため、プロセス生存期間中は不変として扱える。
// 残高のような可変値をこの型で表現してはならない。
type TokenMetadata struct {
	Symbol   string
	Decimals uint
}

// maxTokenDecimals はレジャーが報告しうるdecimalsの上限。
// これを超える値はメタデータの破損として扱う。
const maxTokenDecimals = 18

// ValidDecimals はdecimalsが許容範囲 [0, 18] に収まっているかを返す。
func (m TokenMetadata) ValidDecimals() bool {
	return m.Decimals <= maxTokenDecimals
}
