// Package consignment реализует конечный автомат жизненного цикла партии продукции
// и правила протокола торга по цене.
package consignment

import (
	"errors"
	"fmt"

	"github.com/nkuznetsov/agromarket-system/internal/model"
)

// ErrInvalidTransition возвращается при попытке перехода, не предусмотренного жизненным циклом.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions задаёт таблицу допустимых переходов. Статус, отсутствующий в списке
// целей, недостижим из исходного; статусы REJECTED и SOLD терминальны.
var transitions = map[model.ConsignmentStatus][]model.ConsignmentStatus{
	model.StatusPendingApproval: {
		model.StatusApproved,
		model.StatusRejected,
		model.StatusPriceNegotiation,
	},
	model.StatusPriceNegotiation: {
		model.StatusPriceNegotiation,
		model.StatusApproved,
		model.StatusRejected,
		model.StatusFarmerApproved,
	},
	model.StatusApproved:       {model.StatusDriverAssigned},
	model.StatusFarmerApproved: {model.StatusDriverAssigned},
	model.StatusDriverAssigned: {model.StatusCollected},
	model.StatusCollected:      {model.StatusInShop},
	model.StatusInShop:         {model.StatusSold},
	model.StatusRejected:       {},
	model.StatusSold:           {},
}

// CanTransition сообщает, допустим ли переход из статуса from в статус to.
func CanTransition(from, to model.ConsignmentStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// EnsureTransition проверяет переход и возвращает ErrInvalidTransition с контекстом,
// если переход недопустим. Проверка выполняется до любой мутации данных.
func EnsureTransition(from, to model.ConsignmentStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Terminal сообщает, является ли статус терминальным.
func Terminal(status model.ConsignmentStatus) bool {
	return len(transitions[status]) == 0
}

// AwaitingFarmer сообщает, что последнее предложение сделано администратором
// и ожидает ответа фермера.
func AwaitingFarmer(history []model.PriceOffer) bool {
	n := len(history)
	if n == 0 {
		return false
	}
	last := history[n-1]
	return last.ProposedBy == model.OfferByAdmin && last.Outcome == model.OfferPending
}

// AwaitingAdmin сообщает, что последнее предложение — встречное от фермера
// и ход вернулся администратору.
func AwaitingAdmin(history []model.PriceOffer) bool {
	n := len(history)
	if n == 0 {
		return false
	}
	last := history[n-1]
	return last.ProposedBy == model.OfferByFarmer && last.Outcome == model.OfferCountered
}

// AdminRounds возвращает число ценовых предложений администратора в истории торга.
// Используется для проверки настраиваемого лимита раундов.
func AdminRounds(history []model.PriceOffer) int {
	rounds := 0
	for _, offer := range history {
		if offer.ProposedBy == model.OfferByAdmin && offer.Outcome != model.OfferAccepted {
			rounds++
		}
	}
	return rounds
}
