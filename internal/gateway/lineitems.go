package gateway

import (
	"github.com/shopspring/decimal"

	"taskmarket/internal/apperr"
	"taskmarket/internal/domain"
	"taskmarket/internal/process"
)

// LineItems synthesizes the billing lines forwarded with a privileged
// transition. Inquiry-priced tasks, INQUIRE and DECLINE_OFFER never bill, so
// they always get an empty list. Accepting an offer on a unit-priced task
// bills one unit at the offered price.
func LineItems(t process.Transition, listing domain.Task, offer *domain.Offer) ([]domain.LineItem, error) {
	items := []domain.LineItem{}
	if t != process.TransitionAcceptOffer || listing.UnitType == "" || listing.UnitType == domain.UnitTypeInquiry {
		return items, nil
	}
	if offer == nil {
		return nil, apperr.New(apperr.KindBadRequest, "transaction has no offer to bill").
			With("task_id", listing.ID)
	}
	price := offer.Price
	if err := price.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "offer price cannot be billed")
	}
	if listing.Price != nil && listing.Price.Currency != price.Currency {
		return nil, apperr.New(apperr.KindBadRequest, "offer currency %s does not match task currency %s", price.Currency, listing.Price.Currency).
			With("task_id", listing.ID)
	}
	qty := decimal.NewFromInt(1)
	return append(items, domain.LineItem{
		Code:      "line-item/" + listing.UnitType,
		UnitPrice: price,
		Quantity:  qty,
		LineTotal: domain.Money{Amount: price.Amount.Mul(qty), Currency: price.Currency},
	}), nil
}
