package order

import "tile_erp/internal/model"

// 流转表：from × to。不在表内的流转一律拒绝，副作用执行之前就挡掉。
// completed / cancelled / returned 为终态，没有出边。
var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.StatusDraft:     {model.StatusConfirmed, model.StatusCancelled},
	model.StatusConfirmed: {model.StatusShipped, model.StatusCancelled},
	model.StatusShipped:   {model.StatusCompleted},
	model.StatusCompleted: {model.StatusReturned},
}

// CanTransition 报告 from → to 是否合法。
func CanTransition(from, to model.OrderStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
