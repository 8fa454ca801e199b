package opt

import (
	"testing"

	"coldchain/internal/model"
)

func TestCheck(t *testing.T) {
	frozen := model.Order{ID: "o", Zone: model.ZoneFrozen, Pallets: 4, WeightKg: 100}
	ambient := model.Order{ID: "a", Zone: model.ZoneAmbient, Pallets: 1, WeightKg: 10}
	forklift := model.Order{ID: "f", Zone: model.ZoneChilled, Pallets: 1, WeightKg: 10, RequiresForklift: true}
	bulky := model.Order{ID: "b", Zone: model.ZoneChilled, Pallets: 1, WeightKg: 10, VolumeM3: 9}

	dual := model.Vehicle{ID: "d", Capabilities: []model.Zone{model.ZoneDual}, MaxPallets: 10, MaxWeightKg: 1000}
	dualAmbient := model.Vehicle{ID: "da", Capabilities: []model.Zone{model.ZoneDual, model.ZoneAmbient}, MaxPallets: 10, MaxWeightKg: 1000}
	chilled := model.Vehicle{ID: "c", Capabilities: []model.Zone{model.ZoneChilled}, MaxPallets: 10, MaxWeightKg: 1000}
	certified := chilled
	certified.Driver = &model.Driver{Name: "d", ForkliftCertified: true}
	withVolume := chilled
	withVolume.MaxVolumeM3 = 8

	cases := []struct {
		name      string
		order     model.Order
		vehicle   model.Vehicle
		remaining model.Load
		want      Rejection
	}{
		{"dual carries frozen", frozen, dual, dual.Capacity(), Accept},
		{"dual never carries ambient", ambient, dual, dual.Capacity(), RejectTemperature},
		{"dual plus ambient carries ambient", ambient, dualAmbient, dualAmbient.Capacity(), Accept},
		{"chilled cannot carry frozen", frozen, chilled, chilled.Capacity(), RejectTemperature},
		{"forklift missing", forklift, chilled, chilled.Capacity(), RejectForklift},
		{"forklift via driver", forklift, certified, certified.Capacity(), Accept},
		{"pallets short", frozen, dual, model.Load{Pallets: 3, WeightKg: 1000}, RejectCapacity},
		{"weight short", frozen, dual, model.Load{Pallets: 10, WeightKg: 99}, RejectCapacity},
		{"exact fit", frozen, dual, model.Load{Pallets: 4, WeightKg: 100}, Accept},
		{"volume tracked", bulky, withVolume, withVolume.Capacity(), RejectCapacity},
		{"volume untracked", bulky, chilled, chilled.Capacity(), Accept},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Check(tc.order, tc.vehicle, tc.remaining); got != tc.want {
				t.Errorf("Check() = %v, want %v", got, tc.want)
			}
			if got := Compatible(tc.order, tc.vehicle, tc.remaining); got != (tc.want == Accept) {
				t.Errorf("Compatible() = %v", got)
			}
		})
	}
}

func TestEligibleIgnoresCapacity(t *testing.T) {
	o := model.Order{ID: "big", Zone: model.ZoneFrozen, Pallets: 12, WeightKg: 100}
	v := model.Vehicle{ID: "v", Capabilities: []model.Zone{model.ZoneFrozen}, MaxPallets: 10, MaxWeightKg: 500}
	if !Eligible(o, v) {
		t.Fatal("oversized order should still be eligible by zone")
	}
	v.Capabilities = []model.Zone{model.ZoneAmbient}
	if Eligible(o, v) {
		t.Fatal("ambient vehicle must not be eligible for frozen order")
	}
}
