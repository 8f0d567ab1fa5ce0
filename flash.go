// This file manages the flash device that the circular buffer is stored on.

package fcb

import (
	"io"
	"io/ioutil"
	"reflect"

	"github.com/dsoprea/go-logging"
)

// Flash is the device capability that the FCB engine consumes. The device is
// an array of equal-size, individually-erasable sectors. Programming may only
// clear bits (1 -> 0); only an erase sets them again.
type Flash interface {
	// Read copies len(buf) bytes starting at the given absolute address.
	// Out-of-range reads are silently ignored and leave the buffer
	// undefined; callers bounds-check by construction.
	Read(addr uint32, buf []byte)

	// Program clears bits at the given absolute address per the NOR write
	// rule: each stored byte becomes storage[i] & data[i]. Out-of-range
	// programs are silently ignored.
	Program(addr uint32, data []byte)

	// EraseSector resets the sector containing the given address to 0xff.
	// The address may be anywhere within the target sector.
	EraseSector(addr uint32)

	// FullErase resets the whole device to 0xff.
	FullErase()

	// SectorSize is the size of one erase unit, in bytes.
	SectorSize() uint32

	// SectorCount is the number of sectors on the device.
	SectorCount() uint32
}

const (
	// DefaultSectorSize is the erase-unit size of the reference geometry.
	DefaultSectorSize = uint32(65536)

	// DefaultSectorCount is the sector count of the reference geometry.
	DefaultSectorCount = uint32(64)
)

// MemoryFlash simulates a NOR flash device in memory. Program operations AND
// the written bytes into storage, so a bit that has been cleared stays cleared
// until the containing sector is erased.
type MemoryFlash struct {
	data        []byte
	sectorSize  uint32
	sectorCount uint32
}

// NewMemoryFlash returns a fully-erased device with the given geometry. Both
// dimensions must be nonzero powers of two.
func NewMemoryFlash(sectorSize, sectorCount uint32) (mf *MemoryFlash) {
	if sectorSize == 0 || sectorSize&(sectorSize-1) != 0 {
		log.Panicf("sector-size not a power of two: (%d)", sectorSize)
	} else if sectorCount == 0 || sectorCount&(sectorCount-1) != 0 {
		log.Panicf("sector-count not a power of two: (%d)", sectorCount)
	}

	mf = &MemoryFlash{
		data:        make([]byte, sectorSize*sectorCount),
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
	}

	mf.FullErase()

	return mf
}

// NewMemoryFlashFromReader loads a complete device image. The image size must
// be a whole multiple of the sector-size.
func NewMemoryFlashFromReader(r io.Reader, sectorSize uint32) (mf *MemoryFlash, err error) {
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

	data, err := ioutil.ReadAll(r)
	log.PanicIf(err)

	if sectorSize == 0 || sectorSize&(sectorSize-1) != 0 {
		log.Panicf("sector-size not a power of two: (%d)", sectorSize)
	}

	if uint32(len(data))%sectorSize != 0 {
		log.Panicf("image size not a multiple of the sector-size: (%d) (%d)", len(data), sectorSize)
	}

	sectorCount := uint32(len(data)) / sectorSize

	if sectorCount == 0 || sectorCount&(sectorCount-1) != 0 {
		log.Panicf("image sector-count not a power of two: (%d)", sectorCount)
	}

	mf = &MemoryFlash{
		data:        data,
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
	}

	return mf, nil
}

// WriteTo stores the complete device image.
func (mf *MemoryFlash) WriteTo(w io.Writer) (n int64, err error) {
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

	count, err := w.Write(mf.data)
	log.PanicIf(err)

	return int64(count), nil
}

// SectorSize is the size of one erase unit, in bytes.
func (mf *MemoryFlash) SectorSize() uint32 {
	return mf.sectorSize
}

// SectorCount is the number of sectors on the device.
func (mf *MemoryFlash) SectorCount() uint32 {
	return mf.sectorCount
}

// Size is the total device size, in bytes.
func (mf *MemoryFlash) Size() uint32 {
	return mf.sectorSize * mf.sectorCount
}

// Read copies len(buf) bytes starting at the given absolute address. A read
// that would run past the end of the device is ignored.
func (mf *MemoryFlash) Read(addr uint32, buf []byte) {
	if int(addr)+len(buf) > len(mf.data) {
		return
	}

	copy(buf, mf.data[addr:int(addr)+len(buf)])
}

// Program ANDs the given bytes into storage starting at the given absolute
// address. A program that would run past the end of the device is ignored.
func (mf *MemoryFlash) Program(addr uint32, data []byte) {
	if int(addr)+len(data) > len(mf.data) {
		return
	}

	for i, c := range data {
		mf.data[int(addr)+i] &= c
	}
}

// EraseSector resets the sector containing the given address to 0xff. An
// address past the end of the device is ignored.
func (mf *MemoryFlash) EraseSector(addr uint32) {
	if int(addr) >= len(mf.data) {
		return
	}

	base := addr / mf.sectorSize * mf.sectorSize

	for i := uint32(0); i < mf.sectorSize; i++ {
		mf.data[base+i] = 0xff
	}
}

// FullErase resets the whole device to 0xff.
func (mf *MemoryFlash) FullErase() {
	for i := range mf.data {
		mf.data[i] = 0xff
	}
}
