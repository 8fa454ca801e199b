package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"coldchain/internal/model"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "")
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	cmd := newRootCmd()
	want := map[string]bool{"version": false, "config": false, "decode": false, "plan": false, "watch": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "fleetctl dev") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigCheck(t *testing.T) {
	good := writeFile(t, "ok.yaml", "server:\n  port: 9090\ntimezone: Europe/Amsterdam\n")
	out, err := runCmd(t, "config", "check", "--config", good)
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out, "config ok") || !strings.Contains(out, ":9090") || !strings.Contains(out, "Europe/Amsterdam") {
		t.Errorf("output = %q", out)
	}

	bad := writeFile(t, "bad.yaml", "server:\n  port: 70000\ntimezone: Nowhere/City\n")
	out, err = runCmd(t, "config", "check", "-c", bad)
	if err == nil {
		t.Fatalf("expected validation error, got output %q", out)
	}
	if !strings.Contains(err.Error(), "server.port") || !strings.Contains(err.Error(), "timezone") {
		t.Errorf("both problems should be reported: %v", err)
	}
}

func TestDecodeCheck(t *testing.T) {
	lines := strings.Join([]string{
		`{"kind":"temperature","sensorId":"S1","vehicleId":"V1","ts":"2025-03-10T08:00:00Z","payload":{"celsius":-18.5}}`,
		``,
		`{"kind":"co2","sensorId":"S2","vehicleId":"V1","ts":"2025-03-10T08:00:00Z","payload":{}}`,
		`not json`,
	}, "\n")
	var out bytes.Buffer
	err := decodeCheck(strings.NewReader(lines), &out)
	if err == nil || !strings.Contains(err.Error(), "2 of 3") {
		t.Fatalf("err = %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "line 1: temperature vehicle=V1") {
		t.Errorf("first reading should decode: %q", got)
	}
	if !strings.Contains(got, "3 readings, 2 rejected") {
		t.Errorf("summary missing: %q", got)
	}
}

func TestPlanCmd(t *testing.T) {
	depot := model.Location{Lat: 52, Lng: 4, Address: "depot"}
	pf := planFile{
		Date: "2025-03-10",
		Vehicles: []model.Vehicle{
			{ID: "V1", Capabilities: []model.Zone{model.ZoneFrozen}, MaxPallets: 10, MaxWeightKg: 1000, Garage: depot},
		},
		Orders: []model.Order{
			{ID: "O1", Zone: model.ZoneFrozen, Pallets: 2, WeightKg: 100, Priority: 3,
				Pickup: model.Location{Lat: 52.05, Lng: 4}, Delivery: model.Location{Lat: 52.1, Lng: 4}},
			{ID: "O2", Zone: model.ZoneChilled, Pallets: 1, WeightKg: 50, Priority: 5,
				Pickup: model.Location{Lat: 52.05, Lng: 4}, Delivery: model.Location{Lat: 52.2, Lng: 4}},
		},
	}
	raw, err := json.Marshal(pf)
	if err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, "plan.json", string(raw))

	out, err := runCmd(t, "plan", "--file", path, "--summary")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(out, "1 dispatches, 1 assigned, 1 unassigned") {
		t.Errorf("summary = %q", out)
	}

	out, err = runCmd(t, "plan", "-f", path)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var res struct {
		Dispatches []model.Dispatch `json:"dispatches"`
		Unassigned []struct {
			OrderID string `json:"orderId"`
		} `json:"unassignedOrders"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(res.Dispatches) != 1 || res.Dispatches[0].VehicleID != "V1" {
		t.Fatalf("dispatches = %+v", res.Dispatches)
	}
	if len(res.Unassigned) != 1 || res.Unassigned[0].OrderID != "O2" {
		t.Fatalf("unassigned = %+v", res.Unassigned)
	}
}

func TestPlanCmd_RequiresFile(t *testing.T) {
	if _, err := runCmd(t, "plan"); err == nil {
		t.Fatal("expected error without --file")
	}
}
