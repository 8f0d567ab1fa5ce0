// This file manages the low-level, on-media storage structures.

package fcb

import (
	"errors"
	"fmt"
	"reflect"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

var (
	defaultEncoding = binary.LittleEndian
)

const (
	// SectorHeaderSize is the programmed size of a SectorHeader. Records
	// start at this offset within their sector.
	SectorHeaderSize = 16

	// ItemKeySize is the programmed size of an ItemKey. Each record is an
	// ItemKey followed immediately by its payload.
	ItemKeySize = 12
)

const (
	// SectorMagic identifies a sector as FCB-owned.
	SectorMagic = uint32(0xcafebabe)

	// ItemMagic is the 16-bit sync marker that precedes every record.
	ItemMagic = uint16(0xa55a)
)

var (
	// ErrSectorHeaderInvalid indicates a sector whose magic or header CRC
	// does not check out. The sector is not FCB-owned (or is corrupt) and
	// the scan skips it.
	ErrSectorHeaderInvalid = errors.New("sector header invalid")

	// ErrNotARecord indicates that the bytes at the given address do not
	// start with the record sync marker.
	ErrNotARecord = errors.New("not a record")

	// ErrFreeSpace indicates that the status field at the given address is
	// still erased. This is free space, not a record.
	ErrFreeSpace = errors.New("free space")

	// ErrItemLengthInvalid indicates a record header whose length field is
	// zero, or (from ReadItemAt) a record that does not fit between the
	// sector header and the end of its sector at the given address.
	ErrItemLengthInvalid = errors.New("item length invalid")
)

// SectorState is the lifecycle state of one sector. The values are chosen so
// that every forward transition only clears bits, which the NOR write rule
// permits without an intervening erase.
type SectorState uint32

const (
	// SectorFresh is the post-erase state. The header has not been
	// programmed yet.
	SectorFresh SectorState = 0xffffffff

	// SectorAllocated indicates that the header has been programmed and
	// the sector is accepting records.
	SectorAllocated SectorState = 0x7fffffff

	// SectorConsumed indicates that every record in the sector has been
	// consumed and the sector is ready for erase.
	SectorConsumed SectorState = 0x0fffffff

	// SectorInvalid is an in-memory sentinel for a header whose magic or
	// CRC mismatches. It is never programmed; the mount scan skips such
	// sectors without assigning it.
	SectorInvalid SectorState = 0x00000000
)

// IsFresh indicates that the sector has not been allocated since its last
// erase.
func (ss SectorState) IsFresh() bool {
	return ss == SectorFresh
}

// IsAllocated indicates that the sector is accepting records.
func (ss SectorState) IsAllocated() bool {
	return ss == SectorAllocated
}

// IsConsumed indicates that the sector is ready for erase.
func (ss SectorState) IsConsumed() bool {
	return ss == SectorConsumed
}

// IsLive indicates that the sector holds (or held) records and participates
// in head/tail election.
func (ss SectorState) IsLive() bool {
	return ss == SectorAllocated || ss == SectorConsumed
}

// String returns a description of the state.
func (ss SectorState) String() string {
	switch ss {
	case SectorFresh:
		return "FRESH"
	case SectorAllocated:
		return "ALLOCATED"
	case SectorConsumed:
		return "CONSUMED"
	case SectorInvalid:
		return "INVALID"
	}

	return fmt.Sprintf("UNKNOWN<0x%08x>", uint32(ss))
}

// ItemStatus is the lifecycle state of one record. Like SectorState, forward
// transitions only clear bits: the high half is cleared when the record is
// written and the low half is cleared when it is consumed.
type ItemStatus uint32

const (
	// ItemErased is the untouched state.
	ItemErased ItemStatus = 0xffffffff

	// ItemValid indicates a written record that has not been consumed.
	ItemValid ItemStatus = 0x0000ffff

	// ItemPopped indicates a consumed record. It still occupies space
	// until its sector is erased.
	ItemPopped ItemStatus = 0x00000000
)

// IsErased indicates untouched space.
func (is ItemStatus) IsErased() bool {
	return is == ItemErased
}

// IsValid indicates a written, unconsumed record.
func (is ItemStatus) IsValid() bool {
	return is == ItemValid
}

// IsPopped indicates a consumed record.
func (is ItemStatus) IsPopped() bool {
	return is == ItemPopped
}

// String returns a description of the status.
func (is ItemStatus) String() string {
	switch is {
	case ItemErased:
		return "ERASED"
	case ItemValid:
		return "VALID"
	case ItemPopped:
		return "POPPED"
	}

	return fmt.Sprintf("UNKNOWN<0x%08x>", uint32(is))
}

// SectorHeader is the structure programmed at offset zero of every owned
// sector.
type SectorHeader struct {
	// Magic identifies the sector as FCB-owned. The valid value is
	// SectorMagic.
	Magic uint32

	// SequenceID is the monotonic counter value assigned when the sector
	// was allocated. Rollover is legal; ordering uses signed-delta serial
	// arithmetic.
	SequenceID uint32

	// HeaderCrc is the CRC-32 of the preceding eight bytes (Magic and
	// SequenceID). State is deliberately excluded so that lifecycle
	// programming does not invalidate the checksum.
	HeaderCrc uint32

	// State is the sector lifecycle value, programmed incrementally.
	State SectorState
}

// String returns a description of the header.
func (sh SectorHeader) String() string {
	return fmt.Sprintf("SectorHeader<SEQUENCE-ID=(%d) STATE=[%s]>", sh.SequenceID, sh.State)
}

// Dump prints the header fields.
func (sh SectorHeader) Dump() {
	fmt.Printf("Sector Header\n")
	fmt.Printf("=============\n")
	fmt.Printf("\n")

	fmt.Printf("Magic: (0x%08x)\n", sh.Magic)
	fmt.Printf("SequenceID: (%d)\n", sh.SequenceID)
	fmt.Printf("HeaderCrc: (0x%08x)\n", sh.HeaderCrc)
	fmt.Printf("State: [%s]\n", sh.State)

	fmt.Printf("\n")
}

// ChecksumScope returns the header bytes that HeaderCrc covers.
func (sh SectorHeader) ChecksumScope() (scope []byte) {
	raw := packStructure(&sh, SectorHeaderSize)
	return raw[:8]
}

// IsCheckable indicates that the magic and CRC both validate. The state field
// does not participate.
func (sh SectorHeader) IsCheckable() bool {
	if sh.Magic != SectorMagic {
		return false
	}

	return Checksum(sh.ChecksumScope()) == sh.HeaderCrc
}

// NewSectorHeader returns an ALLOCATED header for a newly-assigned sequence-
// ID, with the checksum filled in.
func NewSectorHeader(sequenceId uint32) (sh SectorHeader) {
	sh = SectorHeader{
		Magic:      SectorMagic,
		SequenceID: sequenceId,
		State:      SectorAllocated,
	}

	sh.HeaderCrc = Checksum(sh.ChecksumScope())

	return sh
}

// ItemKey is the structure programmed immediately before every record
// payload.
type ItemKey struct {
	// Magic is the record sync marker. The valid value is ItemMagic.
	Magic uint16

	// Length is the payload length in bytes. Valid records have a length
	// of at least one and no more than the sector-size minus the sector-
	// header and item-key sizes.
	Length uint16

	// Crc is the CRC-32 of the payload. It is verified when the record is
	// read back, not when it is appended.
	Crc uint32

	// Status is the record lifecycle value.
	Status ItemStatus
}

// String returns a description of the key.
func (ik ItemKey) String() string {
	return fmt.Sprintf("ItemKey<LENGTH=(%d) CRC=(0x%08x) STATUS=[%s]>", ik.Length, ik.Crc, ik.Status)
}

// Dump prints the key fields.
func (ik ItemKey) Dump() {
	fmt.Printf("Item Key\n")
	fmt.Printf("========\n")
	fmt.Printf("\n")

	fmt.Printf("Magic: (0x%04x)\n", ik.Magic)
	fmt.Printf("Length: (%d)\n", ik.Length)
	fmt.Printf("Crc: (0x%08x)\n", ik.Crc)
	fmt.Printf("Status: [%s]\n", ik.Status)

	fmt.Printf("\n")
}

// NewItemKey returns a VALID key for the given payload.
func NewItemKey(data []byte) (ik ItemKey) {
	return ItemKey{
		Magic:  ItemMagic,
		Length: uint16(len(data)),
		Crc:    Checksum(data),
		Status: ItemValid,
	}
}

func packStructure(x interface{}, byteCount int) (raw []byte) {
	raw, err := restruct.Pack(defaultEncoding, x)
	log.PanicIf(err)

	if len(raw) != byteCount {
		log.Panicf("structure did not pack to the expected size: (%d) != (%d)", len(raw), byteCount)
	}

	return raw
}

func unpackStructure(raw []byte, byteCount int, x interface{}) (err error) {
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

	if len(raw) < byteCount {
		log.Panicf("not enough data for structure: (%d) < (%d)", len(raw), byteCount)
	}

	err = restruct.Unpack(raw[:byteCount], defaultEncoding, x)
	log.PanicIf(err)

	return nil
}

// Encode packs the header into its programmed form.
func (sh SectorHeader) Encode() (raw []byte) {
	return packStructure(&sh, SectorHeaderSize)
}

// Encode packs the key into its programmed form.
func (ik ItemKey) Encode() (raw []byte) {
	return packStructure(&ik, ItemKeySize)
}

// ParseSectorHeader unpacks a header from its programmed form. Validity is
// not checked here; use IsCheckable.
func ParseSectorHeader(raw []byte) (sh SectorHeader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = unpackStructure(raw, SectorHeaderSize, &sh)
	log.PanicIf(err)

	return sh, nil
}

// ParseItemKey unpacks a key from its programmed form and applies the record
// gate: erased status is reported as free space, a bad sync marker as not-a-
// record, and a zero length as invalid.
func ParseItemKey(raw []byte) (ik ItemKey, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = unpackStructure(raw, ItemKeySize, &ik)
	log.PanicIf(err)

	if ik.Status.IsErased() == true {
		return ik, ErrFreeSpace
	} else if ik.Magic != ItemMagic {
		return ik, ErrNotARecord
	} else if ik.Length == 0 {
		return ik, ErrItemLengthInvalid
	}

	return ik, nil
}
