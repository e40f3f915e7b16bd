package qnes

// storage.go implements the bounded per-port qubit storage pools.  A slot
// holds one half of an entangled pair from allocation until it is consumed
// by forwarding/completion or its decoherence deadline fires, whichever
// comes first.  Slots are arena-indexed with generation tags: a reference
// into the pool is (index, generation), and any reference whose generation
// no longer matches is stale.  Expiry events carry the generation they were
// armed for, so a slot reused after release can never be expired by the
// stale event.

import (
	"math"

	"github.com/iti/evt/vrtime"
)

// slotRef names one slot in one pool at one point in its reuse history
type slotRef struct {
	pool *storagePool
	idx  int
	gen  int
}

// valid reports whether the reference points at a pool at all
func (ref slotRef) valid() bool {
	return ref.pool != nil
}

// live reports whether the referenced slot is still allocated to the
// occupant the reference was created for
func (ref slotRef) live() bool {
	return ref.pool != nil && ref.pool.live(ref.idx, ref.gen)
}

// release frees the referenced slot if the reference is still current.
// The return is false for stale or empty references.
func (ref slotRef) release(evtMgr *EventManager) bool {
	if ref.pool == nil {
		return false
	}
	return ref.pool.release(evtMgr, ref.idx, ref.gen)
}

// bind records the request occupying the referenced slot, so the pool's
// expiry hook can name it.  Stale references report false.
func (ref slotRef) bind(req *request) bool {
	if !ref.live() {
		return false
	}
	ref.pool.slots[ref.idx].req = req
	return true
}

// decay gives the multiplicative fidelity loss accumulated by the
// referenced slot's qubit from allocation to now.  Stale references
// contribute nothing (factor 1.0).
func (ref slotRef) decay(now float64) float64 {
	if !ref.live() {
		return 1.0
	}
	at, _ := ref.pool.allocTimeOf(ref)
	return ref.pool.decayOver(now - at)
}

// qSlot is one storage position
type qSlot struct {
	gen      int
	occupied bool
	req      *request
	allocAt  float64
	deadline float64
	expEvt   int // expiry event id, canceled on release
}

// expiryData is the payload of a scheduled decoherence event
type expiryData struct {
	idx int
	gen int
}

// storagePool is the bounded set of qubit slots behind one node port.
// The expired hook tells the owning node a deadline fired; the pool itself
// only manages slot lifecycle.
type storagePool struct {
	nodeName   string
	port       string
	slots      []qSlot
	freeList   []int
	inUse      int
	rate       float64 // decoherence rate, per second; 0 disables expiry
	unitFactor float64 // time units per second
	lifetime   float64 // time units a slot survives, 0 if rate is 0
	expired    func(evtMgr *EventManager, req *request, ref slotRef)
}

// createStoragePool is a constructor
func createStoragePool(nodeName, port string, nslots int, rate, unitFactor float64) *storagePool {
	pool := new(storagePool)
	pool.nodeName = nodeName
	pool.port = port
	pool.slots = make([]qSlot, nslots)
	pool.freeList = make([]int, 0, nslots)
	for idx := nslots - 1; idx >= 0; idx -= 1 {
		pool.freeList = append(pool.freeList, idx)
	}
	pool.rate = rate
	pool.unitFactor = unitFactor
	if rate > 0.0 {
		pool.lifetime = unitFactor / rate
	}
	return pool
}

func (pool *storagePool) capacity() int {
	return len(pool.slots)
}

func (pool *storagePool) freeSlots() int {
	return len(pool.freeList)
}

func (pool *storagePool) occupiedSlots() int {
	return pool.inUse
}

// alloc claims a free slot for a request and arms its decoherence deadline.
// The second return is false when the pool is full.
func (pool *storagePool) alloc(evtMgr *EventManager, req *request) (slotRef, bool) {
	if len(pool.freeList) == 0 {
		return slotRef{}, false
	}
	idx := pool.freeList[len(pool.freeList)-1]
	pool.freeList = pool.freeList[:len(pool.freeList)-1]

	slot := &pool.slots[idx]
	if slot.occupied {
		panic("storage pool free list holds an occupied slot")
	}
	slot.occupied = true
	slot.req = req
	slot.allocAt = evtMgr.CurrentSeconds()
	slot.expEvt = 0
	slot.deadline = 0.0
	if pool.lifetime > 0.0 {
		slot.deadline = slot.allocAt + pool.lifetime
		slot.expEvt = evtMgr.Schedule(pool, expiryData{idx: idx, gen: slot.gen},
			slotExpired, vrtime.SecondsToTime(pool.lifetime))
	}
	pool.inUse += 1
	if pool.inUse > len(pool.slots) {
		panic("storage pool occupancy exceeds capacity")
	}
	return slotRef{pool: pool, idx: idx, gen: slot.gen}, true
}

// release frees a slot if (idx, gen) is still current, withdrawing the
// pending expiry event.  Stale generations report false and change nothing.
func (pool *storagePool) release(evtMgr *EventManager, idx, gen int) bool {
	slot := &pool.slots[idx]
	if !slot.occupied || slot.gen != gen {
		return false
	}
	if slot.expEvt > 0 {
		evtMgr.CancelEvent(slot.expEvt)
	}
	pool.clear(idx)
	return true
}

// live reports whether (idx, gen) still names an allocated slot
func (pool *storagePool) live(idx, gen int) bool {
	slot := &pool.slots[idx]
	return slot.occupied && slot.gen == gen
}

// allocTimeOf gives the allocation time behind a reference, if current
func (pool *storagePool) allocTimeOf(ref slotRef) (float64, bool) {
	if !pool.live(ref.idx, ref.gen) {
		return 0.0, false
	}
	return pool.slots[ref.idx].allocAt, true
}

// decayOver gives the multiplicative fidelity loss of a qubit stored in
// this pool for the given duration
func (pool *storagePool) decayOver(waitUnits float64) float64 {
	if pool.rate <= 0.0 {
		return 1.0
	}
	return math.Exp(-pool.rate * waitUnits / pool.unitFactor)
}

// clear empties a slot and advances its generation.  Internal; callers go
// through release or the expiry handler.
func (pool *storagePool) clear(idx int) {
	slot := &pool.slots[idx]
	slot.occupied = false
	slot.req = nil
	slot.gen += 1
	slot.expEvt = 0
	pool.freeList = append(pool.freeList, idx)
	pool.inUse -= 1
	if pool.inUse < 0 {
		panic("storage pool occupancy went negative")
	}
}

// slotExpired fires when an occupied slot reaches its decoherence deadline.
// Release withdraws the event, so a firing always finds the generation it
// was armed for; the guard covers the window where the event and a release
// share a timestamp.
func slotExpired(evtMgr *EventManager, context any, data any) any {
	pool := context.(*storagePool)
	d := data.(expiryData)
	slot := &pool.slots[d.idx]
	if !slot.occupied || slot.gen != d.gen {
		return nil
	}
	req := slot.req
	ref := slotRef{pool: pool, idx: d.idx, gen: d.gen}
	pool.clear(d.idx)
	if pool.expired != nil {
		pool.expired(evtMgr, req, ref)
	}
	return nil
}
