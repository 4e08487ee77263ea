package consignment

import (
	"errors"
	"testing"

	"github.com/nkuznetsov/agromarket-system/internal/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from model.ConsignmentStatus
		to   model.ConsignmentStatus
		want bool
	}{
		{
			name: "pending to approved",
			from: model.StatusPendingApproval,
			to:   model.StatusApproved,
			want: true,
		},
		{
			name: "pending to negotiation",
			from: model.StatusPendingApproval,
			to:   model.StatusPriceNegotiation,
			want: true,
		},
		{
			name: "negotiation loops on counter",
			from: model.StatusPriceNegotiation,
			to:   model.StatusPriceNegotiation,
			want: true,
		},
		{
			name: "pending cannot skip to driver assignment",
			from: model.StatusPendingApproval,
			to:   model.StatusDriverAssigned,
			want: false,
		},
		{
			name: "rejected is terminal",
			from: model.StatusRejected,
			to:   model.StatusApproved,
			want: false,
		},
		{
			name: "sold is terminal",
			from: model.StatusSold,
			to:   model.StatusInShop,
			want: false,
		},
		{
			name: "collected to shop",
			from: model.StatusCollected,
			to:   model.StatusInShop,
			want: true,
		},
		{
			name: "farmer approved to driver",
			from: model.StatusFarmerApproved,
			to:   model.StatusDriverAssigned,
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestEnsureTransition_Error(t *testing.T) {
	err := EnsureTransition(model.StatusPendingApproval, model.StatusSold)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := EnsureTransition(model.StatusInShop, model.StatusSold); err != nil {
		t.Fatalf("legal transition returned error: %v", err)
	}
}

func TestTerminal(t *testing.T) {
	if !Terminal(model.StatusRejected) || !Terminal(model.StatusSold) {
		t.Fatalf("REJECTED and SOLD must be terminal")
	}
	if Terminal(model.StatusInShop) {
		t.Fatalf("IN_SHOP must not be terminal")
	}
}

func TestNegotiationTurns(t *testing.T) {
	adminOffer := model.PriceOffer{ProposedBy: model.OfferByAdmin, PriceCents: 18000, Outcome: model.OfferPending}
	farmerCounter := model.PriceOffer{ProposedBy: model.OfferByFarmer, PriceCents: 15000, Outcome: model.OfferCountered}

	if AwaitingFarmer(nil) {
		t.Fatalf("empty history must not await farmer")
	}

	history := []model.PriceOffer{adminOffer}
	if !AwaitingFarmer(history) {
		t.Fatalf("after admin offer the farmer must be on turn")
	}
	if AwaitingAdmin(history) {
		t.Fatalf("after admin offer the admin must not be on turn")
	}

	history = append(history, farmerCounter)
	if !AwaitingAdmin(history) {
		t.Fatalf("after farmer counter the admin must be on turn")
	}
	if AwaitingFarmer(history) {
		t.Fatalf("after farmer counter the farmer must not be on turn")
	}
}

func TestAdminRounds(t *testing.T) {
	history := []model.PriceOffer{
		{ProposedBy: model.OfferByAdmin, Outcome: model.OfferPending},
		{ProposedBy: model.OfferByFarmer, Outcome: model.OfferCountered},
		{ProposedBy: model.OfferByAdmin, Outcome: model.OfferPending},
		{ProposedBy: model.OfferByFarmer, Outcome: model.OfferCountered},
		{ProposedBy: model.OfferByAdmin, Outcome: model.OfferAccepted},
	}

	if got := AdminRounds(history); got != 2 {
		t.Fatalf("AdminRounds = %d, want 2", got)
	}
}
