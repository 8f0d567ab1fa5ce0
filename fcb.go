// This file manages the circular-buffer engine: the mount scan, the append
// path with sector rotation, and the erase-reset.

package fcb

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/dsoprea/go-logging"
)

var (
	// ErrItemEmpty indicates an append with no payload.
	ErrItemEmpty = errors.New("item empty")

	// ErrItemTooLarge indicates an append whose payload could not fit in
	// any empty sector.
	ErrItemTooLarge = errors.New("item too large")

	// ErrRingFull indicates that rotating to the next sector would
	// overwrite the tail sector. The caller must consume before retrying.
	ErrRingFull = errors.New("ring full")
)

// freeSlotMargin is the run of erased bytes that must follow a candidate
// offset before the head scan declares it free space. Two item-keys' worth of
// margin keeps a stray erased word inside a corrupted record from being taken
// for the head.
const freeSlotMargin = 2 * ItemKeySize

// Fcb is the volatile control block for one circular buffer over a contiguous
// range of sectors. It is reconstructed from media by Mount and is not safe
// for concurrent use.
type Fcb struct {
	flash Flash

	firstSector uint32
	lastSector  uint32
	sectorSize  uint32

	currentSectorId uint32

	writeAddr  uint32
	readAddr   uint32
	deleteAddr uint32
}

// NewFcb returns a control block owning the inclusive sector range
// [firstSector, lastSector] on the given device. The instance is unusable
// until Mount or Erase is called.
func NewFcb(flash Flash, firstSector, lastSector uint32) (fcb *Fcb, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	if flash == nil {
		log.Panicf("flash device is required")
	}

	if firstSector > lastSector {
		log.Panicf("sector range inverted: (%d) > (%d)", firstSector, lastSector)
	} else if lastSector >= flash.SectorCount() {
		log.Panicf("sector range exceeds the device: (%d) >= (%d)", lastSector, flash.SectorCount())
	}

	fcb = &Fcb{
		flash:       flash,
		firstSector: firstSector,
		lastSector:  lastSector,
		sectorSize:  flash.SectorSize(),
	}

	return fcb, nil
}

// CurrentSectorID is the sequence-ID of the most recently allocated sector.
func (fcb *Fcb) CurrentSectorID() uint32 {
	return fcb.currentSectorId
}

// WriteAddr is the absolute address where the next record header will be
// programmed (the head).
func (fcb *Fcb) WriteAddr() uint32 {
	return fcb.writeAddr
}

// ReadAddr is the absolute address of the next record to be consumed (the
// tail).
func (fcb *Fcb) ReadAddr() uint32 {
	return fcb.readAddr
}

// DeleteAddr is the absolute address of the next record to be marked
// consumed.
func (fcb *Fcb) DeleteAddr() uint32 {
	return fcb.deleteAddr
}

// MaxItemLength is the largest payload that fits in an empty sector.
func (fcb *Fcb) MaxItemLength() uint32 {
	return fcb.sectorSize - SectorHeaderSize - ItemKeySize
}

// newerSequence compares sequence-IDs by signed 32-bit delta, which stays
// correct across rollover as long as live IDs differ by less than 2^31.
func newerSequence(a, b uint32) bool {
	return int32(a-b) > 0
}

func olderSequence(a, b uint32) bool {
	return int32(a-b) < 0
}

// nextRingSector is the single ring-successor. All other offset arithmetic is
// linear.
func (fcb *Fcb) nextRingSector(sector uint32) uint32 {
	if sector >= fcb.lastSector {
		return fcb.firstSector
	}

	return sector + 1
}

func (fcb *Fcb) sectorBase(sector uint32) uint32 {
	return sector * fcb.sectorSize
}

// ReadSectorHeader reads and validates the header of the given sector.
// ErrSectorHeaderInvalid is returned when the magic or the header CRC does
// not check out; the raw header is still returned for diagnostics.
func (fcb *Fcb) ReadSectorHeader(sector uint32) (sh SectorHeader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := make([]byte, SectorHeaderSize)
	fcb.flash.Read(fcb.sectorBase(sector), raw)

	sh, err = ParseSectorHeader(raw)
	log.PanicIf(err)

	if sh.IsCheckable() != true {
		return sh, ErrSectorHeaderInvalid
	}

	return sh, nil
}

// ReadItemAt reads and gates the record header at the given absolute address.
// ErrFreeSpace distinguishes erased space from a real record; ErrNotARecord
// and ErrItemLengthInvalid indicate corruption, which the scans step over.
func (fcb *Fcb) ReadItemAt(addr uint32) (ik ItemKey, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := make([]byte, ItemKeySize)
	fcb.flash.Read(addr, raw)

	ik, err = ParseItemKey(raw)
	if err != nil {
		if err == ErrFreeSpace || err == ErrNotARecord || err == ErrItemLengthInvalid {
			return ik, err
		}

		log.PanicIf(err)
	}

	// A record never straddles a sector boundary.
	offset := addr % fcb.sectorSize
	if offset < SectorHeaderSize || offset+ItemKeySize+uint32(ik.Length) > fcb.sectorSize {
		return ik, ErrItemLengthInvalid
	}

	return ik, nil
}

// allocateSector assigns the next sequence-ID and programs an ALLOCATED
// header into the (freshly erased) sector.
func (fcb *Fcb) allocateSector(sector uint32) {
	fcb.currentSectorId++

	sh := NewSectorHeader(fcb.currentSectorId)
	fcb.flash.Program(fcb.sectorBase(sector), sh.Encode())
}

// findHeadOffset walks the records of the head sector and returns the first
// free offset. A free offset is one where freeSlotMargin bytes, starting with
// the 32-bit word at the offset, are all erased, so that a single stray erased
// word inside a corrupted record is not mistaken for the head. Parse failures advance one byte at a time to
// resynchronize after interrupted writes.
func (fcb *Fcb) findHeadOffset(sector uint32) (offset uint32, found bool) {
	base := fcb.sectorBase(sector)
	margin := make([]byte, freeSlotMargin)

	offset = SectorHeaderSize
	for offset < fcb.sectorSize {
		if offset+freeSlotMargin <= fcb.sectorSize {
			fcb.flash.Read(base+offset, margin)

			isErased := true
			for _, c := range margin {
				if c != 0xff {
					isErased = false
					break
				}
			}

			if isErased == true {
				return offset, true
			}
		}

		ik, err := fcb.ReadItemAt(base + offset)
		if err == nil {
			offset += ItemKeySize + uint32(ik.Length)
		} else {
			offset++
		}
	}

	return 0, false
}

// findTailAddr walks sectors in ring order from the tail sector through the
// head sector and returns the address of the first parseable record. A popped
// record still parses; it is the consumer's business to step over it.
func (fcb *Fcb) findTailAddr(tailSector, headSector uint32) (addr uint32, found bool) {
	sector := tailSector
	for {
		base := fcb.sectorBase(sector)

		for offset := uint32(SectorHeaderSize); offset+ItemKeySize <= fcb.sectorSize; offset++ {
			if _, err := fcb.ReadItemAt(base + offset); err == nil {
				return base + offset, true
			}
		}

		if sector == headSector {
			break
		}

		sector = fcb.nextRingSector(sector)
	}

	return 0, false
}

// Mount reconstructs the control block from media alone. It never programs
// user data, but erases and allocates a fresh head sector if the previous
// head is full. Every mount treats the media as post-crash; there is no
// clean-unmount marker.
func (fcb *Fcb) Mount() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	liveFound := false
	var headSector, tailSector uint32
	var headSequence, tailSequence uint32

	for sector := fcb.firstSector; sector <= fcb.lastSector; sector++ {
		sh, err := fcb.ReadSectorHeader(sector)
		if err == ErrSectorHeaderInvalid {
			continue
		}

		log.PanicIf(err)

		if sh.State.IsFresh() == true {
			continue
		}

		if liveFound == false {
			liveFound = true
			headSector, tailSector = sector, sector
			headSequence, tailSequence = sh.SequenceID, sh.SequenceID

			continue
		}

		if newerSequence(sh.SequenceID, headSequence) == true {
			headSector = sector
			headSequence = sh.SequenceID
		}

		if olderSequence(sh.SequenceID, tailSequence) == true {
			tailSector = sector
			tailSequence = sh.SequenceID
		}
	}

	if liveFound == false {
		fcb.currentSectorId = 0

		start := fcb.sectorBase(fcb.firstSector) + SectorHeaderSize
		fcb.writeAddr = start
		fcb.readAddr = start
		fcb.deleteAddr = start

		return nil
	}

	fcb.currentSectorId = headSequence

	headOffset, found := fcb.findHeadOffset(headSector)
	if found == true {
		fcb.writeAddr = fcb.sectorBase(headSector) + headOffset
	} else {
		// The head sector is full. Rotate now so that the next append
		// does not have to.
		next := fcb.nextRingSector(headSector)

		fcb.flash.EraseSector(fcb.sectorBase(next))
		fcb.allocateSector(next)

		fcb.writeAddr = fcb.sectorBase(next) + SectorHeaderSize
	}

	if tailAddr, found := fcb.findTailAddr(tailSector, headSector); found == true {
		fcb.readAddr = tailAddr
	} else {
		fcb.readAddr = fcb.writeAddr
	}

	fcb.deleteAddr = fcb.readAddr

	return nil
}

// Erase wipes every owned sector and resets the control block to an empty
// ring anchored at the first sector. Erasing an already-empty ring is a
// no-op at the media level.
func (fcb *Fcb) Erase() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	for sector := fcb.firstSector; sector <= fcb.lastSector; sector++ {
		fcb.flash.EraseSector(fcb.sectorBase(sector))
	}

	fcb.currentSectorId = 0

	start := fcb.sectorBase(fcb.firstSector) + SectorHeaderSize
	fcb.writeAddr = start
	fcb.readAddr = start
	fcb.deleteAddr = start

	return nil
}

// Append durably writes one record: a VALID item-key followed by the payload.
// If the current sector cannot hold the record, the engine rotates to the
// next ring sector first; rotation refuses with ErrRingFull rather than
// touch the tail sector. Failed appends do not mutate the control block.
func (fcb *Fcb) Append(data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	if len(data) == 0 {
		return ErrItemEmpty
	} else if uint32(len(data)) > fcb.MaxItemLength() {
		return ErrItemTooLarge
	}

	need := uint32(ItemKeySize + len(data))

	sector := fcb.writeAddr / fcb.sectorSize
	offset := fcb.writeAddr % fcb.sectorSize

	doRotate := false
	var target uint32

	if offset == 0 {
		// The previous record filled its sector exactly and the write
		// address already sits on the boundary. The rotation target is
		// the sector the address landed in, wrapped into range.
		doRotate = true

		if sector > fcb.lastSector {
			target = fcb.firstSector
		} else {
			target = sector
		}
	} else if offset+need > fcb.sectorSize {
		doRotate = true
		target = fcb.nextRingSector(sector)
	}

	if doRotate == true {
		if target == fcb.readAddr/fcb.sectorSize {
			return ErrRingFull
		}

		fcb.flash.EraseSector(fcb.sectorBase(target))
		fcb.allocateSector(target)

		fcb.writeAddr = fcb.sectorBase(target) + SectorHeaderSize
	} else if offset == SectorHeaderSize {
		// First record of a cold-start head sector. The sector carries
		// no header yet; program one before any record.
		if _, errHeader := fcb.ReadSectorHeader(sector); errHeader == ErrSectorHeaderInvalid {
			fcb.allocateSector(sector)
		}
	}

	ik := NewItemKey(data)

	fcb.flash.Program(fcb.writeAddr, ik.Encode())
	fcb.flash.Program(fcb.writeAddr+ItemKeySize, data)

	fcb.writeAddr += need

	return nil
}

// RecordVisitorFunc is a visitor callback over the records of the ring.
// crcOk reports whether the payload survived its checksum.
type RecordVisitorFunc func(addr uint32, ik ItemKey, data []byte, crcOk bool) (doContinue bool, err error)

// EnumerateRecords calls the given callback for each record from the tail
// through the head, in append order. Popped records are visited like any
// other; the walk stops at the write address or at free space in the head
// sector. The walk is read-only.
func (fcb *Fcb) EnumerateRecords(cb RecordVisitorFunc) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	addr := fcb.readAddr
	writeSector := fcb.writeAddr / fcb.sectorSize

	// Bounded by the ring size regardless of media state.
	maxHops := fcb.lastSector - fcb.firstSector + 1
	hops := uint32(0)

	for {
		if addr == fcb.writeAddr {
			return nil
		}

		sector := addr / fcb.sectorSize
		offset := addr % fcb.sectorSize

		if offset == 0 {
			// The previous record ended exactly on the boundary;
			// resume at the first record offset of the ring
			// successor.
			if sector > fcb.lastSector {
				sector = fcb.firstSector
			}

			addr = fcb.sectorBase(sector) + SectorHeaderSize
			continue
		}

		ik, errParse := fcb.ReadItemAt(addr)
		if errParse != nil {
			// No further record in this sector. Stop at the head;
			// otherwise follow the rotation to the next sector.
			if sector == writeSector {
				return nil
			}

			hops++
			if hops > maxHops {
				return nil
			}

			addr = fcb.sectorBase(fcb.nextRingSector(sector)) + SectorHeaderSize
			continue
		}

		data := make([]byte, ik.Length)
		fcb.flash.Read(addr+ItemKeySize, data)

		crcOk := Checksum(data) == ik.Crc

		doContinue, err := cb(addr, ik, data, crcOk)
		log.PanicIf(err)

		if doContinue == false {
			return nil
		}

		addr += ItemKeySize + uint32(ik.Length)
	}
}

// Dump prints the control block and a per-sector summary.
func (fcb *Fcb) Dump() {
	fmt.Printf("Flash Circular Buffer\n")
	fmt.Printf("=====================\n")
	fmt.Printf("\n")

	fmt.Printf("FirstSector: (%d)\n", fcb.firstSector)
	fmt.Printf("LastSector: (%d)\n", fcb.lastSector)
	fmt.Printf("SectorSize: (%d)\n", fcb.sectorSize)
	fmt.Printf("CurrentSectorID: (%d)\n", fcb.currentSectorId)
	fmt.Printf("WriteAddr: (0x%08x)\n", fcb.writeAddr)
	fmt.Printf("ReadAddr: (0x%08x)\n", fcb.readAddr)
	fmt.Printf("DeleteAddr: (0x%08x)\n", fcb.deleteAddr)
	fmt.Printf("\n")

	for sector := fcb.firstSector; sector <= fcb.lastSector; sector++ {
		sh, err := fcb.ReadSectorHeader(sector)
		if err == ErrSectorHeaderInvalid {
			if sh.Magic == 0xffffffff && sh.State.IsFresh() == true {
				fmt.Printf("Sector (%d): erased\n", sector)
			} else {
				fmt.Printf("Sector (%d): invalid header\n", sector)
			}

			continue
		}

		log.PanicIf(err)

		fmt.Printf("Sector (%d): %s\n", sector, sh)
	}

	fmt.Printf("\n")
}
