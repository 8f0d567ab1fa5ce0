package fcb

import (
	"github.com/dsoprea/go-logging"
)

func getTestFcb(sectorSize, sectorCount uint32) (mf *MemoryFlash, cb *Fcb) {
	mf = NewMemoryFlash(sectorSize, sectorCount)

	cb, err := NewFcb(mf, 0, sectorCount-1)
	log.PanicIf(err)

	return mf, cb
}
