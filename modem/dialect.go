package modem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/pdu"
)

// Commander executes a single AT command and returns its reply. It is the
// surface a Dialect may use during device initialisation.
type Commander interface {
	Exec(ctx context.Context, cmd string) (Response, error)
}

// Dialect captures the vendor specific parts of the AT dialogue.
type Dialect interface {
	Name() string
	// Init runs the vendor init sequence after the SIM is ready.
	Init(ctx context.Context, c Commander) error
	// FormatUSSD returns the command that submits a USSD request.
	FormatUSSD(request string) (string, error)
	// DecodeUSSD turns the content of a +CUSD reply into text.
	DecodeUSSD(content string, dcs int) string
	// CancelUSSD returns the command that ends a USSD session.
	CancelUSSD() string
	// StorageLocations filters the discovered message stores.
	StorageLocations(discovered []message.Location) []message.Location
}

// Generic speaks plain 3GPP TS 27.005/27.007.
type Generic struct{}

func (Generic) Name() string { return "generic" }

func (Generic) Init(context.Context, Commander) error { return nil }

func (Generic) FormatUSSD(request string) (string, error) {
	return fmt.Sprintf(`AT+CUSD=1,"%s",15`, request), nil
}

func (Generic) DecodeUSSD(content string, _ int) string { return content }

func (Generic) CancelUSSD() string { return "AT+CUSD=2" }

// StorageLocations drops the combined "MT" store, whose indices alias the
// SIM and phone stores.
func (Generic) StorageLocations(discovered []message.Location) []message.Location {
	out := make([]message.Location, 0, len(discovered))
	for _, loc := range discovered {
		if loc == "MT" {
			continue
		}
		out = append(out, loc)
	}
	return out
}

// Huawei modems expect USSD requests as packed 7-bit hex and answer the same
// way.
type Huawei struct{ Generic }

func (Huawei) Name() string { return "huawei" }

func (Huawei) Init(ctx context.Context, c Commander) error {
	// Route ^RSSI/^BOOT chatter off the AT port.
	if _, err := c.Exec(ctx, "AT^CURC=0"); err != nil {
		return fmt.Errorf("huawei: disable periodic reports: %w", err)
	}
	return nil
}

func (Huawei) FormatUSSD(request string) (string, error) {
	packed, err := pdu.PackUSSD(request)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`AT+CUSD=1,"%s",15`, packed), nil
}

func (Huawei) DecodeUSSD(content string, dcs int) string {
	if dcs != 15 {
		return content
	}
	if text, err := pdu.UnpackUSSD(content); err == nil {
		return text
	}
	return content
}

// Wavecom modules only keep messages on the SIM.
type Wavecom struct{ Generic }

func (Wavecom) Name() string { return "wavecom" }

func (Wavecom) StorageLocations([]message.Location) []message.Location {
	return []message.Location{LocationSIM}
}

// Siemens terminals need the SM20 compatible submit behaviour so that
// AT+CMGS returns the reference number before OK.
type Siemens struct{ Generic }

func (Siemens) Name() string { return "siemens" }

func (Siemens) Init(ctx context.Context, c Commander) error {
	if _, err := c.Exec(ctx, "AT^SM20=1,0"); err != nil {
		return fmt.Errorf("siemens: select SM20 mode: %w", err)
	}
	return nil
}

// Registry maps a device identity to its Dialect. Lookup falls back from the
// exact (manufacturer, model) pair to the manufacturer entry and then to the
// default dialect.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]Dialect
	vendors  map[string]Dialect
	fallback Dialect
}

// NewRegistry returns a registry holding the built-in dialects.
func NewRegistry() *Registry {
	r := &Registry{
		models:   make(map[string]Dialect),
		vendors:  make(map[string]Dialect),
		fallback: Generic{},
	}
	r.Register("huawei", "", Huawei{})
	r.Register("wavecom", "", Wavecom{})
	r.Register("siemens", "", Siemens{})
	return r
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Register adds d for manufacturer and, when model is not empty, for that
// model only.
func (r *Registry) Register(manufacturer, model string, d Dialect) {
	r.mu.Lock()
	defer r.mu.Unlock()

	manufacturer = normalize(manufacturer)
	if model == "" {
		r.vendors[manufacturer] = d
		return
	}
	r.models[manufacturer+"/"+normalize(model)] = d
}

// SetDefault replaces the global fallback dialect.
func (r *Registry) SetDefault(d Dialect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = d
}

// Lookup returns the dialect for the reported device strings. Manufacturer
// strings are matched by substring, since devices report "HUAWEI",
// "huawei technologies" or "SIEMENS AG" for the same vendor.
func (r *Registry) Lookup(manufacturer, model string) Dialect {
	r.mu.RLock()
	defer r.mu.RUnlock()

	manufacturer, model = normalize(manufacturer), normalize(model)
	for key, d := range r.models {
		vendor, m, _ := strings.Cut(key, "/")
		if m == model && strings.Contains(manufacturer, vendor) {
			return d
		}
	}
	for vendor, d := range r.vendors {
		if vendor != "" && strings.Contains(manufacturer, vendor) {
			return d
		}
	}
	return r.fallback
}
