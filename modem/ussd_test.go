package modem_test

import (
	"context"
	"testing"

	"i4.energy/across/gsmgw/at"
	"i4.energy/across/gsmgw/modem"
	"i4.energy/across/gsmgw/pdu"
)

func TestSendUSSD(t *testing.T) {
	t.Run("Reply after OK", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(`AT+CUSD=1,"*100#",15`, "\r\nOK\r\n\r\n+CUSD: 0,\"Balance 5.00\",15\r\n")
		m := newModem(t, tt)

		resp, err := m.SendUSSD(context.Background(), "*100#", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Status != modem.USSDDone || resp.Content != "Balance 5.00" || resp.DCS != 15 {
			t.Errorf("unexpected reply %+v", resp)
		}
		if tt.Count(at.Esc) != 0 {
			t.Error("finished session should not be escaped")
		}
	})

	t.Run("Reply before OK ends a non-interactive session", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(`AT+CUSD=1,"*101#",15`, "\r\n+CUSD: 1,\"1. Balance 2. Bundles\",15\r\n\r\nOK\r\n")
		m := newModem(t, tt)

		resp, err := m.SendUSSD(context.Background(), "*101#", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Status != modem.USSDActionRequired {
			t.Errorf("expected action required, got %v", resp.Status)
		}
		if tt.Count(at.Esc) != 1 {
			t.Errorf("expected session to be escaped, writes: %q", tt.Writes())
		}
		if err := m.Ping(context.Background()); err != nil {
			t.Errorf("modem unusable after USSD: %v", err)
		}
	})

	t.Run("Huawei packs the request", func(t *testing.T) {
		packed, err := pdu.PackUSSD("*100#")
		if err != nil {
			t.Fatal(err)
		}
		reply, err := pdu.PackUSSD("Balance 1")
		if err != nil {
			t.Fatal(err)
		}
		tt := modem.NewTestTransport()
		tt.On(at.CmdManufacturer, "huawei\r\nOK\r\n")
		tt.On(`AT+CUSD=1,"`+packed+`",15`, "\r\nOK\r\n\r\n+CUSD: 0,\""+reply+"\",15\r\n")
		m := newModem(t, tt)

		if m.Dialect().Name() != "huawei" {
			t.Fatalf("expected huawei dialect, got %s", m.Dialect().Name())
		}
		resp, err := m.SendUSSD(context.Background(), "*100#", true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Content != "Balance 1" {
			t.Errorf("expected decoded reply, got %q", resp.Content)
		}
	})
}

func TestParseUSSD(t *testing.T) {
	tests := []struct {
		raw     string
		status  modem.USSDStatus
		content string
		dcs     int
		wantErr bool
	}{
		{`+CUSD: 0,"Your balance is 5",15`, modem.USSDDone, "Your balance is 5", 15, false},
		{`+CUSD: 2`, modem.USSDTerminated, "", -1, false},
		{`+CUSD: 1,"Menu, pick one",72`, modem.USSDActionRequired, "Menu, pick one", 72, false},
		{`+CUSD: x`, 0, "", 0, true},
		{`+CSQ: 1,2`, 0, "", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := modem.ParseUSSD(tc.raw)
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if tc.wantErr {
				return
			}
			if got.Status != tc.status || got.Content != tc.content || got.DCS != tc.dcs {
				t.Errorf("unexpected %+v", got)
			}
		})
	}
}

func TestParseCallerID(t *testing.T) {
	number, ok := modem.ParseCallerID(`+CLIP: "+31641600986",145,,,,0`)
	if !ok || number != "+31641600986" {
		t.Errorf("unexpected caller id %q", number)
	}
	if _, ok := modem.ParseCallerID(`+CLIP: "",128`); ok {
		t.Error("withheld number should not be reported")
	}
}
