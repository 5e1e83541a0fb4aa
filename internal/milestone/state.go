package milestone

import "milestonepay/internal/model"

// State 项目付款进度，由 payment intent 推导，不单独存储
type State string

const (
	StateUnfunded       State = "unfunded"
	StateUpfrontPending State = "upfront_pending"
	StateUpfrontPaid    State = "upfront_paid"
	StateFinalPending   State = "final_pending"
	StateFinalPaid      State = "final_paid"
)

// DeriveState 只看非 failed 的 intent；failed 的槽位视为空
func DeriveState(intents []model.PaymentIntent) State {
	var upfront, final model.IntentStatus
	for _, pi := range intents {
		if pi.Status == model.IntentFailed {
			continue
		}
		switch pi.MilestoneKind {
		case model.MilestoneUpfront:
			upfront = pi.Status
		case model.MilestoneFinal:
			final = pi.Status
		}
	}

	switch {
	case final == model.IntentSucceeded:
		return StateFinalPaid
	case final == model.IntentCreated:
		return StateFinalPending
	case upfront == model.IntentSucceeded:
		return StateUpfrontPaid
	case upfront == model.IntentCreated:
		return StateUpfrontPending
	}
	return StateUnfunded
}

// liveIntent 返回某个里程碑的非 failed intent，以及该槽位已失败的次数
func liveIntent(intents []model.PaymentIntent, kind model.MilestoneKind) (live *model.PaymentIntent, failed int) {
	for i := range intents {
		pi := intents[i]
		if pi.MilestoneKind != kind {
			continue
		}
		if pi.Status == model.IntentFailed {
			failed++
			continue
		}
		live = &pi
	}
	return live, failed
}
