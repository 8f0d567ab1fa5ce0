package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-fcb"
)

type rootParameters struct {
	Filepath    string `short:"f" long:"filepath" description:"File-path of flash image" required:"true"`
	SectorSize  uint32 `short:"s" long:"sector-size" description:"Sector size in bytes" default:"65536"`
	FirstSector uint32 `long:"first-sector" description:"First owned sector" default:"0"`
	LastSector  int64  `long:"last-sector" description:"Last owned sector (-1 for the last sector of the device)" default:"-1"`
	ShowRecords bool   `short:"r" long:"records" description:"Walk and list records from the tail"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	f, err := os.Open(rootArguments.Filepath)
	log.PanicIf(err)

	mf, err := fcb.NewMemoryFlashFromReader(f, rootArguments.SectorSize)
	log.PanicIf(err)

	f.Close()

	lastSector := uint32(rootArguments.LastSector)
	if rootArguments.LastSector < 0 {
		lastSector = mf.SectorCount() - 1
	}

	cb, err := fcb.NewFcb(mf, rootArguments.FirstSector, lastSector)
	log.PanicIf(err)

	err = cb.Mount()
	log.PanicIf(err)

	cb.Dump()

	if rootArguments.ShowRecords == true {
		recordCount := 0
		totalBytes := int64(0)

		visitor := func(addr uint32, ik fcb.ItemKey, data []byte, crcOk bool) (doContinue bool, err error) {
			crcState := "OK"
			if crcOk != true {
				crcState = "BAD"
			}

			fmt.Printf("0x%08x %15s %8s %4s %s\n", addr, humanize.Comma(int64(ik.Length)), ik.Status, crcState, humanize.IBytes(uint64(ik.Length)))

			recordCount++
			totalBytes += int64(ik.Length)

			return true, nil
		}

		err = cb.EnumerateRecords(visitor)
		log.PanicIf(err)

		fmt.Printf("\n")
		fmt.Printf("(%s) records, %s of payload.\n", humanize.Comma(int64(recordCount)), humanize.IBytes(uint64(totalBytes)))
	}

	// Mounting a full head erases and allocates a fresh sector, so write
	// the image back to keep it consistent with what was dumped.

	g, err := os.Create(rootArguments.Filepath)
	log.PanicIf(err)

	defer g.Close()

	_, err = mf.WriteTo(g)
	log.PanicIf(err)
}
