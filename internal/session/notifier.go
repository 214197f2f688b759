package session

import (
	"sync"
	"time"

	"github.com/hitoshi/memberclub/internal/model"
)

// TransitionFunc は状態遷移の購読者コールバック。
type TransitionFunc func(model.SessionTransition)

// Notifier はセッション状態機械の遷移を購読者へ通知する。
// 書き込みはManagerのみが行い、購読者は遷移イベントの読み取り専用。
// メトリクス収集などの横断的関心事が購読する。
type Notifier struct {
	mu   sync.RWMutex
	subs []TransitionFunc
	last *model.SessionTransition
}

// NewNotifier はNotifierを生成する。
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe は遷移イベントの購読者を登録する。
// コールバックは通知元のゴルーチンで同期的に呼ばれるため、
// 重い処理は購読者側で非同期化すること。
func (n *Notifier) Subscribe(fn TransitionFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

// Last は直近の遷移イベントのスナップショットを返す。未遷移の場合はnil。
func (n *Notifier) Last() *model.SessionTransition {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.last == nil {
		return nil
	}
	copied := *n.last
	return &copied
}

// notify は遷移イベントを記録し、全購読者へ配送する。
func (n *Notifier) notify(sessionID string, principal model.Principal, from, to model.SessionState) {
	transition := model.SessionTransition{
		SessionID: sessionID,
		Principal: principal,
		From:      from,
		To:        to,
		At:        time.Now(),
	}

	n.mu.Lock()
	n.last = &transition
	subs := make([]TransitionFunc, len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, fn := range subs {
		fn(transition)
	}
}
