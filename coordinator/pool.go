package coordinator

import (
	"slices"
	"time"
)

// reservationPool tracks the nonce window of one sponsor wallet. Available
// is kept sorted ascending; Reserved maps in-flight nonces to the time they
// were handed out. Both sets stay disjoint and below MaxNonce.
type reservationPool struct {
	Available  []uint64             `cbor:"available"`
	Reserved   map[uint64]time.Time `cbor:"reserved"`
	MaxNonce   uint64               `cbor:"maxNonce"`
	Address    string               `cbor:"address"`
	LastAssign time.Time            `cbor:"lastAssign"`
}

// newPool seeds a pool with PoolSeedSize consecutive nonces starting at
// next, as reported by the chain for the wallet address.
func newPool(address string, next uint64) *reservationPool {
	p := &reservationPool{
		Reserved: make(map[uint64]time.Time),
		Address:  address,
	}
	for i := range uint64(PoolSeedSize) {
		p.Available = append(p.Available, next+i)
	}
	p.MaxNonce = next + PoolSeedSize - 1
	return p
}

// head returns the next nonce the pool would hand out.
func (p *reservationPool) head() uint64 {
	if len(p.Available) > 0 {
		return p.Available[0]
	}
	return p.MaxNonce + 1
}

// take shifts the lowest available nonce into the reserved set, extending
// the window by one past MaxNonce when the pool ran dry.
func (p *reservationPool) take(now time.Time) uint64 {
	if len(p.Available) == 0 {
		p.Available = append(p.Available, p.MaxNonce+1)
		p.MaxNonce++
	}
	nonce := p.Available[0]
	p.Available = p.Available[1:]
	p.Reserved[nonce] = now
	p.LastAssign = now
	return nonce
}

// putBack reinserts a nonce into Available preserving ascending order.
func (p *reservationPool) putBack(nonce uint64) {
	i, found := slices.BinarySearch(p.Available, nonce)
	if found {
		return
	}
	p.Available = slices.Insert(p.Available, i, nonce)
	if nonce > p.MaxNonce {
		p.MaxNonce = nonce
	}
}

// rebuild replaces Available with a fresh ascending window starting at
// start, skipping reserved nonces, sized to keep the pool at PoolSeedSize
// total slots including what is still in flight.
func (p *reservationPool) rebuild(start uint64) {
	size := PoolSeedSize - len(p.Reserved)
	if size < 1 {
		size = 1
	}
	p.Available = p.Available[:0]
	for n := start; len(p.Available) < size; n++ {
		if _, reserved := p.Reserved[n]; reserved {
			continue
		}
		p.Available = append(p.Available, n)
	}
	p.MaxNonce = p.Available[len(p.Available)-1]
	for n := range p.Reserved {
		if n > p.MaxNonce {
			p.MaxNonce = n
		}
	}
}
