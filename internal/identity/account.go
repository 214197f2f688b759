package identity

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/hitoshi/memberclub/internal/model"
)

// accountDomainSeparator はアカウントアドレス導出のドメイン分離プレフィックス。
// プリンシパルの生バイト列と他用途のハッシュが衝突しないようにする。
const accountDomainSeparator = "memberclub-ledger-account"

// DeriveAccountAddress はプリンシパルからレジャー用アカウントアドレスを導出する。
// 導出は決定的であり、同一プリンシパルは常に同一アドレスになる。
func DeriveAccountAddress(principal model.Principal) string {
	h := sha256.New()
	h.Write([]byte(accountDomainSeparator))
	h.Write([]byte{0x00})
	h.Write([]byte(principal))
	return hex.EncodeToString(h.Sum(nil))
}
