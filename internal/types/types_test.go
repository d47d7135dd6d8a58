// README: Shared type tests.
package types

import (
	"testing"
	"time"
)

func TestServiceSLA(t *testing.T) {
	if got := ServiceSLA(TierBullet); got != 30*time.Minute {
		t.Fatalf("BULLET SLA: got %v", got)
	}
	if got := ServiceSLA(TierBarq); got != time.Hour {
		t.Fatalf("BARQ SLA: got %v", got)
	}
	// Unknown tiers fall back to the standard window.
	if got := ServiceSLA(ServiceTier("X")); got != time.Hour {
		t.Fatalf("fallback SLA: got %v", got)
	}
}

func TestMaxVehicleCapacityKg(t *testing.T) {
	if got := MaxVehicleCapacityKg(TierBullet); got != 50 {
		t.Fatalf("BULLET capacity: got %v", got)
	}
	if got := MaxVehicleCapacityKg(TierBarq); got != 500 {
		t.Fatalf("BARQ capacity: got %v", got)
	}
}

func TestMoney(t *testing.T) {
	m := Halalas(150).Add(Halalas(50))
	if m.Amount != 200 || m.Currency != "SAR" {
		t.Fatalf("unexpected money %+v", m)
	}
}

func TestPointIsZero(t *testing.T) {
	if !(Point{}).IsZero() {
		t.Fatal("zero point should report zero")
	}
	if (Point{Lat: 24.7, Lng: 46.7}).IsZero() {
		t.Fatal("non-zero point reported zero")
	}
}
