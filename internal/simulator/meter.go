package simulator

import (
	"encoding/xml"
	"math/rand/v2"
	"sync"
	"time"
)

// Namespace is the IEEE 2030.5 XML namespace.
const Namespace = "urn:ieee:std:2030.5:ns"

// Defaults for Config.
const (
	DefaultSFDI            = "247761585365"
	DefaultSoftwareVersion = "3.2.39"
	DefaultManufacturerID  = "17834"
)

// maxDemandWatts bounds the simulated demand.
const maxDemandWatts = 10_000

// Config describes the simulated meter.
type Config struct {
	SFDI            string
	SoftwareVersion string
	ManufacturerID  string

	// Seed makes the random walk reproducible. Zero picks a random seed.
	Seed uint64

	// Now overrides the clock. Optional.
	Now func() time.Time
}

// Meter holds the simulated meter state.
//
// Thread Safety: All methods are safe for concurrent use.
type Meter struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	rng       *rand.Rand
	demand    int64 // W
	delivered float64
	received  float64
	last      time.Time
}

// New creates a simulated meter, filling unset identity fields with defaults.
func New(cfg Config) *Meter {
	if cfg.SFDI == "" {
		cfg.SFDI = DefaultSFDI
	}
	if cfg.SoftwareVersion == "" {
		cfg.SoftwareVersion = DefaultSoftwareVersion
	}
	if cfg.ManufacturerID == "" {
		cfg.ManufacturerID = DefaultManufacturerID
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	return &Meter{
		cfg:       cfg,
		now:       now,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		demand:    1500,
		delivered: 15_272_525,
		last:      now(),
	}
}

// Config returns the meter's effective configuration.
func (m *Meter) Config() Config {
	return m.cfg
}

// endDevice is the /sdev document.
type endDevice struct {
	XMLName           xml.Name          `xml:"urn:ieee:std:2030.5:ns EndDevice"`
	Href              string            `xml:"href,attr"`
	SFDI              string            `xml:"sFDI"`
	DeviceInformation deviceInformation `xml:"DeviceInformation"`
}

type deviceInformation struct {
	Href  string `xml:"href,attr"`
	MfID  string `xml:"mfID"`
	SwVer string `xml:"swVer"`
}

// reading is a /upt/{n}/mr/{n}/r document.
type reading struct {
	XMLName    xml.Name    `xml:"urn:ieee:std:2030.5:ns Reading"`
	Href       string      `xml:"href,attr"`
	TimePeriod *timePeriod `xml:"timePeriod,omitempty"`
	TouTier    *int        `xml:"touTier,omitempty"`
	Value      int64       `xml:"value"`
}

type timePeriod struct {
	Duration int64 `xml:"duration"`
	Start    int64 `xml:"start"`
}

// Reading kinds served under /upt/{n}/mr/{kind}/r.
const (
	KindInstantaneousDemand = 1
	KindSummationDelivered  = 2
	KindSummationReceived   = 3
)

// identity returns the /sdev document.
func (m *Meter) identity() endDevice {
	return endDevice{
		Href: "/sdev",
		SFDI: m.cfg.SFDI,
		DeviceInformation: deviceInformation{
			Href:  "/sdev/di",
			MfID:  m.cfg.ManufacturerID,
			SwVer: m.cfg.SoftwareVersion,
		},
	}
}

// read advances the simulation and returns the document for kind.
func (m *Meter) read(href string, kind int) (reading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.advance(now)

	tier := touTier(now)
	period := &timePeriod{Duration: 1, Start: now.Unix()}

	switch kind {
	case KindInstantaneousDemand:
		return reading{Href: href, TimePeriod: period, Value: m.demand}, true
	case KindSummationDelivered:
		return reading{Href: href, TimePeriod: period, TouTier: &tier, Value: int64(m.delivered)}, true
	case KindSummationReceived:
		return reading{Href: href, TouTier: &tier, Value: int64(m.received)}, true
	default:
		return reading{}, false
	}
}

// advance integrates demand over the time since the last read and takes
// one random-walk step. Callers hold mu.
func (m *Meter) advance(now time.Time) {
	elapsed := now.Sub(m.last).Hours()
	if elapsed > 0 {
		m.delivered += float64(m.demand) * elapsed
		// Export only happens when demand is low (solar surplus).
		if m.demand < 500 {
			m.received += float64(500-m.demand) * elapsed
		}
	}
	m.last = now

	m.demand += m.rng.Int64N(201) - 100
	m.demand = min(max(m.demand, 0), maxDemandWatts)
}

// touTier returns 0 off-peak, 1 shoulder and 2 on-peak.
func touTier(t time.Time) int {
	switch h := t.Hour(); {
	case h >= 15 && h < 19:
		return 2
	case h >= 7 && h < 15:
		return 1
	default:
		return 0
	}
}
