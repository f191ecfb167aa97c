package domain

import "testing"

func TestCheckoutStepReached(t *testing.T) {
	if !CheckoutStepRecorded.Reached(CheckoutStepStockAdjusted) {
		t.Fatalf("recorded must be past stock_adjusted")
	}
	if CheckoutStepValidated.Reached(CheckoutStepRecorded) {
		t.Fatalf("validated must not be past recorded")
	}
	if !CheckoutStepCompleted.Reached(CheckoutStepCompleted) {
		t.Fatalf("step reaches itself")
	}
}
