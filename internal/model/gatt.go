package model

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Handle is a peripheral-assigned attribute handle, unique within one
// connection and invalidated on disconnect.
type Handle uint16

// UUID is a 128-bit GATT UUID rendered as its canonical dashed hex string;
// full 128-bit parsing/formatting is the concrete message codec's job
// (internal/wire), not the data model's.
type UUID string

// Descriptor is one GATT descriptor.
type Descriptor struct {
	UUID   UUID
	Handle Handle
}

// Characteristic is one GATT characteristic. Descriptors is an ordered map
// keyed by handle so the declaration order reported by the peripheral
// (which is also handle order) round-trips through the service cache
// unchanged — a plain map would let Go's random iteration order scramble it
// on every re-serialization.
type Characteristic struct {
	UUID        UUID
	Handle      Handle
	Properties  uint8
	Descriptors *orderedmap.OrderedMap[Handle, Descriptor]
}

// NewCharacteristic returns a Characteristic ready to accept descriptors in
// discovery order.
func NewCharacteristic(uuid UUID, handle Handle, properties uint8) *Characteristic {
	return &Characteristic{
		UUID:        uuid,
		Handle:      handle,
		Properties:  properties,
		Descriptors: orderedmap.New[Handle, Descriptor](),
	}
}

// Service is one GATT service, characteristics kept in discovery order.
type Service struct {
	UUID            UUID
	Handle          Handle
	Characteristics *orderedmap.OrderedMap[Handle, *Characteristic]
}

// NewService returns a Service ready to accept characteristics in discovery
// order.
func NewService(uuid UUID, handle Handle) *Service {
	return &Service{
		UUID:            uuid,
		Handle:          handle,
		Characteristics: orderedmap.New[Handle, *Characteristic](),
	}
}

// Characteristic property bits (GATT spec, also spec.md §3).
const (
	PropBroadcast          uint8 = 1 << 0
	PropRead               uint8 = 1 << 1
	PropWriteWithoutResp   uint8 = 1 << 2
	PropWrite              uint8 = 1 << 3
	PropNotify             uint8 = 1 << 4
	PropIndicate           uint8 = 1 << 5
	PropAuthSignedWrites   uint8 = 1 << 6
	PropExtendedProperties uint8 = 1 << 7
)

// DumpServices renders a service tree as indented text, one line per
// service/characteristic/descriptor in discovery order. Used to compare a
// cache round-trip against a live discovery byte-for-byte in tests (spec §8's
// "cached replay produces the same service tree bytes as live discovery").
func DumpServices(services []*Service) string {
	var b strings.Builder
	for _, s := range services {
		fmt.Fprintf(&b, "service %s handle=%d\n", s.UUID, s.Handle)
		for cp := s.Characteristics.Oldest(); cp != nil; cp = cp.Next() {
			c := cp.Value
			fmt.Fprintf(&b, "  chr %s handle=%d props=%#02x\n", c.UUID, c.Handle, c.Properties)
			for dp := c.Descriptors.Oldest(); dp != nil; dp = dp.Next() {
				d := dp.Value
				fmt.Fprintf(&b, "    desc %s handle=%d\n", d.UUID, d.Handle)
			}
		}
	}
	return b.String()
}

// FindCharacteristic looks up a characteristic by UUID across a list of
// services, returning the owning service alongside it.
func FindCharacteristic(services []*Service, uuid UUID) (svc *Service, chr *Characteristic, ok bool) {
	for _, s := range services {
		for pair := s.Characteristics.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.UUID == uuid {
				return s, pair.Value, true
			}
		}
	}
	return nil, nil, false
}
