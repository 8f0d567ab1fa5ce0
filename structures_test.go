package fcb

import (
	"bytes"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestChecksum(t *testing.T) {
	// Standard CRC-32 check value.
	if c := Checksum([]byte("123456789")); c != 0xcbf43926 {
		t.Fatalf("Checksum not correct: (0x%08x)", c)
	}
}

func TestNewSectorHeader(t *testing.T) {
	sh := NewSectorHeader(5)

	if sh.Magic != SectorMagic {
		t.Fatalf("Magic not correct: (0x%08x)", sh.Magic)
	} else if sh.SequenceID != 5 {
		t.Fatalf("Sequence-ID not correct: (%d)", sh.SequenceID)
	} else if sh.State != SectorAllocated {
		t.Fatalf("State not correct: [%s]", sh.State)
	} else if sh.IsCheckable() != true {
		t.Fatalf("Header did not validate.")
	}
}

func TestSectorHeader_Encode(t *testing.T) {
	sh := NewSectorHeader(5)

	raw := sh.Encode()

	if len(raw) != SectorHeaderSize {
		t.Fatalf("Encoded size not correct: (%d)", len(raw))
	}

	if bytes.Equal(raw[:4], []byte{0xbe, 0xba, 0xfe, 0xca}) != true {
		t.Fatalf("Magic bytes not correct: %x", raw[:4])
	}

	recovered, err := ParseSectorHeader(raw)
	log.PanicIf(err)

	if recovered != sh {
		t.Fatalf("Header did not round-trip: %s != %s", recovered, sh)
	}
}

func TestSectorHeader_IsCheckable_corrupt(t *testing.T) {
	sh := NewSectorHeader(5)
	sh.SequenceID++

	if sh.IsCheckable() != false {
		t.Fatalf("Corrupt header validated.")
	}

	sh = NewSectorHeader(5)
	sh.Magic = 0x12345678

	if sh.IsCheckable() != false {
		t.Fatalf("Header with bad magic validated.")
	}
}

func TestSectorHeader_IsCheckable_stateExcluded(t *testing.T) {
	sh := NewSectorHeader(5)
	sh.State = SectorConsumed

	if sh.IsCheckable() != true {
		t.Fatalf("Lifecycle write invalidated the header checksum.")
	}
}

func TestSectorState_predicates(t *testing.T) {
	if SectorFresh.IsFresh() != true || SectorFresh.IsLive() != false {
		t.Fatalf("FRESH predicates not correct.")
	} else if SectorAllocated.IsAllocated() != true || SectorAllocated.IsLive() != true {
		t.Fatalf("ALLOCATED predicates not correct.")
	} else if SectorConsumed.IsConsumed() != true || SectorConsumed.IsLive() != true {
		t.Fatalf("CONSUMED predicates not correct.")
	} else if SectorInvalid.IsLive() != false {
		t.Fatalf("INVALID predicates not correct.")
	}

	if SectorAllocated.String() != "ALLOCATED" {
		t.Fatalf("State description not correct: [%s]", SectorAllocated)
	}
}

func TestNewItemKey(t *testing.T) {
	data := []byte("hello")

	ik := NewItemKey(data)

	if ik.Magic != ItemMagic {
		t.Fatalf("Magic not correct: (0x%04x)", ik.Magic)
	} else if ik.Length != 5 {
		t.Fatalf("Length not correct: (%d)", ik.Length)
	} else if ik.Crc != Checksum(data) {
		t.Fatalf("CRC not correct: (0x%08x)", ik.Crc)
	} else if ik.Status != ItemValid {
		t.Fatalf("Status not correct: [%s]", ik.Status)
	}
}

func TestItemKey_Encode(t *testing.T) {
	ik := NewItemKey([]byte("hello"))

	raw := ik.Encode()

	if len(raw) != ItemKeySize {
		t.Fatalf("Encoded size not correct: (%d)", len(raw))
	}

	if bytes.Equal(raw[:2], []byte{0x5a, 0xa5}) != true {
		t.Fatalf("Magic bytes not correct: %x", raw[:2])
	}

	// The high half of a VALID status is programmed; the low half is still
	// erased.
	if bytes.Equal(raw[8:12], []byte{0xff, 0xff, 0x00, 0x00}) != true {
		t.Fatalf("Status bytes not correct: %x", raw[8:12])
	}

	recovered, err := ParseItemKey(raw)
	log.PanicIf(err)

	if recovered != ik {
		t.Fatalf("Key did not round-trip: %s != %s", recovered, ik)
	}
}

func TestParseItemKey_freeSpace(t *testing.T) {
	raw := bytes.Repeat([]byte{0xff}, ItemKeySize)

	if _, err := ParseItemKey(raw); err != ErrFreeSpace {
		t.Fatalf("Erased space not detected: %v", err)
	}
}

func TestParseItemKey_notARecord(t *testing.T) {
	ik := NewItemKey([]byte("hello"))
	raw := ik.Encode()
	raw[0] = 0x00

	if _, err := ParseItemKey(raw); err != ErrNotARecord {
		t.Fatalf("Bad sync marker not detected: %v", err)
	}
}

func TestParseItemKey_zeroLength(t *testing.T) {
	ik := ItemKey{
		Magic:  ItemMagic,
		Length: 0,
		Status: ItemValid,
	}

	if _, err := ParseItemKey(ik.Encode()); err != ErrItemLengthInvalid {
		t.Fatalf("Zero length not detected: %v", err)
	}
}

func TestItemStatus_predicates(t *testing.T) {
	if ItemErased.IsErased() != true {
		t.Fatalf("ERASED predicate not correct.")
	} else if ItemValid.IsValid() != true {
		t.Fatalf("VALID predicate not correct.")
	} else if ItemPopped.IsPopped() != true {
		t.Fatalf("POPPED predicate not correct.")
	}

	// POPPED differs from VALID only by cleared bits, so consuming a
	// record never requires an erase.
	if uint32(ItemValid)&uint32(ItemPopped) != uint32(ItemPopped) {
		t.Fatalf("Status transition would set bits.")
	}
}

func TestSectorHeader_Dump(t *testing.T) {
	sh := NewSectorHeader(5)
	sh.Dump()
}

func TestItemKey_Dump(t *testing.T) {
	ik := NewItemKey([]byte("hello"))
	ik.Dump()
}
