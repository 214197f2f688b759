// Package model はドメインモデルを定義する。
package model

import "time"

// Principal は認証済みアイデンティティの安定した一意識別子。
// アイデンティティプロバイダーが発行し、プロセス内では不透明な文字列として扱う。
type Principal string

// String はPrincipalの文字列表現を返す。
func (p Principal) String() string {
	return string(p)
}

// Identity はアイデンティティプロバイダーが発行した認証済みアイデンティティを表す。
// AccountAddressはPrincipalから決定的に導出されるレジャー用アカウントアドレス。
type Identity struct {
	Principal      Principal
	AccountAddress string
}

// Member は会員プロフィールを表す。
// 正本はバックエンドオーソリティが保持し、本サービスはリードスルーのキャッシュコピーを持つ。
// Plan以外のフィールドは本コアからは変更されない。
type Member struct {
	Name      string
	Bio       string
	GithubURL string
	Plan      Plan
	CreatedAt time.Time
}

// Plan は会員のサブスクリプションティアを表す。
type Plan string

const (
	// PlanFree は無料プラン。
	PlanFree Plan = "Free"
	// PlanElite はEliteプラン。
	PlanElite Plan = "Elite"
	// PlanLegendary はLegendaryプラン。
	PlanLegendary Plan = "Legendary"
)

// planPrices は各プランの名目価格（トークンの表示単位）。
// minor units換算はアップグレード時にレジャーのdecimalsを用いて行う。
var planPrices = map[Plan]int64{
	PlanFree:      0,
	PlanElite:     10,
	PlanLegendary: 20,
}

// ParsePlan は文字列をPlanに変換する。未知の値はfalseを返す。
func ParsePlan(s string) (Plan, bool) {
	switch Plan(s) {
	case PlanFree, PlanElite, PlanLegendary:
		return Plan(s), true
	}
	return "", false
}

// Valid はPlanが定義済みのティアかを返す。
func (p Plan) Valid() bool {
	_, ok := planPrices[p]
	return ok
}

// NominalPrice はプランの名目価格（表示単位）を返す。
// 未知のプランには負値を返し、呼び出し元でバリデーションエラーとする。
func (p Plan) NominalPrice() int64 {
	price, ok := planPrices[p]
	if !ok {
		return -1
	}
	return price
}
