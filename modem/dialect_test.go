package modem_test

import (
	"slices"
	"testing"

	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/modem"
)

type customDialect struct{ modem.Generic }

func (customDialect) Name() string { return "custom" }

func TestRegistryLookup(t *testing.T) {
	r := modem.NewRegistry()
	r.Register("huawei", "E173", customDialect{})

	tests := []struct {
		manufacturer, model, want string
	}{
		{"HUAWEI", "E173", "custom"},
		{"huawei technologies", "E220", "huawei"},
		{"SIEMENS AG", "MC35i", "siemens"},
		{"WAVECOM MODEM", "", "wavecom"},
		{"Quectel", "EC25", "generic"},
		{"", "", "generic"},
	}
	for _, tc := range tests {
		t.Run(tc.manufacturer+"/"+tc.model, func(t *testing.T) {
			if got := r.Lookup(tc.manufacturer, tc.model).Name(); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}

	r.SetDefault(customDialect{})
	if got := r.Lookup("nobody", "").Name(); got != "custom" {
		t.Errorf("expected replaced default, got %s", got)
	}
}

func TestStorageLocations(t *testing.T) {
	discovered := []message.Location{"SM", "MT", "ME"}
	if got := (modem.Generic{}).StorageLocations(discovered); !slices.Equal(got, []message.Location{"SM", "ME"}) {
		t.Errorf("unexpected generic locations %v", got)
	}
	if got := (modem.Wavecom{}).StorageLocations(discovered); !slices.Equal(got, []message.Location{"SM"}) {
		t.Errorf("unexpected wavecom locations %v", got)
	}
}
